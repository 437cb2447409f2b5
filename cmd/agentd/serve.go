package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/agentd/internal/http"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API with health, session and metrics endpoints.

Examples:
  # Serve on the configured address
  agentd serve

  # Override the port
  agentd serve --port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.cfg.Server
			if host != "" {
				cfg.Host = host
			}
			if port > 0 {
				cfg.Port = port
			}

			logger := a.logger.Underlying()
			srv, err := httpserver.NewServer(a.services.Coordinator(), logger, &httpserver.Config{
				Host:  cfg.Host,
				Port:  cfg.Port,
				Meter: a.tel.Meter("github.com/fyrsmithlabs/agentd/internal/http"),
			})
			if err != nil {
				return err
			}

			go sweepLoop(ctx, a.services.Coordinator(), a.cfg.Memory.SweepInterval, logger)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("received shutdown signal", zap.Duration("timeout", cfg.ShutdownTimeout))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.http_port)")
	return cmd
}

// sweeper expires idle sessions and old memory.
type sweeper interface {
	Sweep(ctx context.Context) int
}

// sweepLoop runs s.Sweep every interval until ctx ends. A non-positive
// interval disables sweeping.
func sweepLoop(ctx context.Context, s sweeper, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ctx); n > 0 {
				logger.Debug("swept idle sessions", zap.Int("sessions", n))
			}
		}
	}
}
