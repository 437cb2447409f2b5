package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/plan"
	"github.com/fyrsmithlabs/agentd/internal/synth"
)

func newAskCmd(g *globals) *cobra.Command {
	var (
		sessionID string
		hint      string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "ask [text...]",
		Short: "Answer one request and exit",
		Long: `Run one request through the agent and print the answer.

Examples:
  # Ask in the default session
  agentd ask "summarize the release notes"

  # Prefer a capability and print the full response
  agentd ask --session demo --hint research --json "what changed in go 1.23"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			resp := a.services.Coordinator().Handle(cmd.Context(), plan.Request{
				SessionID: sessionID,
				Text:      strings.Join(args, " "),
				Hint:      hint,
			})
			scrub := func(s string) string { return a.services.Scrubber().Scrub(s).Scrubbed }

			out := cmd.OutOrStdout()
			if asJSON {
				raw, err := json.MarshalIndent(resp, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding response: %w", err)
				}
				fmt.Fprintln(out, scrub(string(raw)))
			} else if resp.Status != synth.StatusFailed {
				fmt.Fprintln(out, scrub(resp.Content))
				for _, n := range resp.Notes {
					fmt.Fprintln(cmd.ErrOrStderr(), "note:", scrub(n))
				}
			}

			if resp.Status == synth.StatusFailed {
				return fmt.Errorf("request failed (%s): %s", resp.Failure.Kind, scrub(resp.Failure.Message))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session ID")
	cmd.Flags().StringVar(&hint, "hint", "", "capability to prefer")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	return cmd
}
