// Command agentd runs the task agent as an HTTP service, as an MCP server on
// stdio, or for a single request from the command line.
//
// Usage:
//
//	# Start the HTTP API
//	agentd serve
//
//	# Ask one question
//	agentd ask --session demo "summarize the release notes"
//
//	# Serve MCP tools on stdio
//	agentd mcp
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "agentd",
		Short: "LLM task agent",
		Long: `agentd analyzes a request, plans which capabilities to run, executes
them with retries and deadlines, and combines their output into one answer.
Each session keeps an adaptive memory of earlier interactions.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.config/agentd/config.yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newAskCmd(g))
	root.AddCommand(newMCPCmd(g))
	root.AddCommand(newVersionCmd())
	return root
}
