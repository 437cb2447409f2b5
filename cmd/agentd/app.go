package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/services"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

// app is a bootstrapped process: config, logger, telemetry and services.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	services services.Registry
}

// bootstrap loads configuration and builds every service. stderrLogs keeps
// stdout free for command output or the stdio transport.
func bootstrap(ctx context.Context, g *globals, stderrLogs bool) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Observability.LogLevel = g.logLevel
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromObservability(cfg.Observability, cfg.Agent)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	if stderrLogs {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded, continuing without some exporters")
	}

	reg, err := services.Build(ctx, cfg, logger.Underlying(), services.Options{Telemetry: tel})
	if err != nil {
		_ = tel.Shutdown(ctx)
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info(ctx, "agentd started",
		zap.String("version", version),
		zap.String("agent.name", cfg.Agent.Name),
	)
	return &app{cfg: cfg, logger: logger, tel: tel, services: reg}, nil
}

// Close releases services, flushes telemetry and syncs the logger.
func (a *app) Close() {
	ctx := context.Background()
	if err := a.services.Close(); err != nil {
		a.logger.Warn(ctx, "closing services", zap.Error(err))
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync() // Best-effort sync on shutdown
}
