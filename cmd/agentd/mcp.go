package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/fyrsmithlabs/agentd/internal/mcp"
)

func newMCPCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools on stdio",
		Long: `Serve agent_ask, agent_insights, agent_clear and agent_plans over the
MCP stdio transport. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := mcpserver.NewServer(&mcpserver.Config{
				Name:    a.cfg.Agent.Name,
				Version: version,
				Logger:  a.logger.Underlying(),
				Meter:   a.tel.Meter("github.com/fyrsmithlabs/agentd/internal/mcp"),
			}, a.services.Coordinator(), a.services.Scrubber())
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}
