package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/plan"
	"github.com/fyrsmithlabs/agentd/internal/synth"
)

const (
	defaultPlansLimit = 20
	maxPlansLimit     = 200
)

var errSessionRequired = errors.New("session_id is required")

type askInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier; memory and history are kept per session"`
	Text      string `json:"text" jsonschema:"The request to answer"`
	Hint      string `json:"hint,omitempty" jsonschema:"Optional capability name to prefer"`
}

type askOutput struct {
	SessionID  string   `json:"session_id" jsonschema:"Session ID"`
	RequestID  string   `json:"request_id" jsonschema:"Request ID"`
	PlanID     string   `json:"plan_id,omitempty" jsonschema:"ID of the executed plan"`
	Status     string   `json:"status" jsonschema:"success, partial or failed"`
	Content    string   `json:"content" jsonschema:"Combined answer"`
	Complexity string   `json:"complexity" jsonschema:"Classified complexity"`
	Strategy   string   `json:"strategy,omitempty" jsonschema:"Execution strategy"`
	Notes      []string `json:"notes,omitempty" jsonschema:"Notes on steps that did not succeed"`
	Failure    string   `json:"failure,omitempty" jsonschema:"Failure kind when status is failed"`
}

type sessionInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
}

type insightsOutput struct {
	SessionID         string  `json:"session_id" jsonschema:"Session ID"`
	Exists            bool    `json:"exists" jsonschema:"Whether the session has handled a request"`
	Requests          int     `json:"requests" jsonschema:"Requests handled"`
	Succeeded         int     `json:"succeeded" jsonschema:"Successful responses"`
	Partial           int     `json:"partial" jsonschema:"Partial responses"`
	Failed            int     `json:"failed" jsonschema:"Failed responses"`
	ShortTermCount    int     `json:"short_term_count" jsonschema:"Short-term memory entries"`
	LongTermCount     int     `json:"long_term_count" jsonschema:"Long-term memory entries"`
	AvgSurpriseRecent float64 `json:"avg_surprise_recent" jsonschema:"Average surprise of recent entries"`
	ActiveSessions    int     `json:"active_sessions" jsonschema:"Sessions holding memory"`
}

type clearOutput struct {
	SessionID string `json:"session_id" jsonschema:"Cleared session ID"`
	Cleared   bool   `json:"cleared" jsonschema:"Always true"`
}

type plansInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum plans to return (default 20)"`
}

type planSummary struct {
	PlanID     string   `json:"plan_id" jsonschema:"Plan ID"`
	Request    string   `json:"request" jsonschema:"Request text"`
	Complexity string   `json:"complexity" jsonschema:"Classified complexity"`
	Strategy   string   `json:"strategy" jsonschema:"Execution strategy"`
	Steps      []string `json:"steps" jsonschema:"capability:status for each step in declared order"`
	Success    bool     `json:"success" jsonschema:"Whether every required step succeeded"`
	CreatedAt  string   `json:"created_at" jsonschema:"RFC 3339 creation time"`
}

type plansOutput struct {
	SessionID string        `json:"session_id" jsonschema:"Session ID"`
	Plans     []planSummary `json:"plans" jsonschema:"Plans, newest first"`
	Count     int           `json:"count" jsonschema:"Number of plans returned"`
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "agent_ask",
		Description: "Answer a request: analyze it, run the matching capabilities and combine their output",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args askInput) (*mcp.CallToolResult, askOutput, error) {
		var toolErr error
		defer s.track(ctx, "agent_ask", &toolErr)()

		resp := s.agent.Handle(ctx, plan.Request{SessionID: args.SessionID, Text: args.Text, Hint: args.Hint})
		out := askOutput{
			SessionID:  resp.SessionID,
			RequestID:  resp.RequestID,
			PlanID:     resp.PlanID,
			Status:     string(resp.Status),
			Content:    s.scrub(resp.Content),
			Complexity: resp.Complexity.String(),
			Strategy:   string(resp.Strategy),
		}
		for _, n := range resp.Notes {
			out.Notes = append(out.Notes, s.scrub(n))
		}

		text := out.Content
		if resp.Status == synth.StatusFailed {
			out.Failure = string(resp.Failure.Kind)
			text = s.scrub(fmt.Sprintf("Request failed (%s): %s", resp.Failure.Kind, resp.Failure.Message))
			if len(out.Notes) > 0 {
				text += "\n" + strings.Join(out.Notes, "\n")
			}
			toolErr = errRequestFailed
			s.logger.Debug("ask failed", zap.String("session.id", args.SessionID), zap.String("kind", out.Failure))
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
			IsError: resp.Status == synth.StatusFailed,
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "agent_insights",
		Description: "Show request counters and memory statistics for a session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionInput) (*mcp.CallToolResult, insightsOutput, error) {
		var toolErr error
		defer s.track(ctx, "agent_insights", &toolErr)()

		if strings.TrimSpace(args.SessionID) == "" {
			toolErr = errSessionRequired
			return nil, insightsOutput{}, toolErr
		}
		in := s.agent.Insights(args.SessionID)
		out := insightsOutput{
			SessionID:         in.SessionID,
			Exists:            in.Exists,
			Requests:          in.Counters.Requests,
			Succeeded:         in.Counters.Succeeded,
			Partial:           in.Counters.Partial,
			Failed:            in.Counters.Failed,
			ShortTermCount:    in.Memory.ShortTermCount,
			LongTermCount:     in.Memory.LongTermCount,
			AvgSurpriseRecent: in.Memory.AvgSurpriseRecent,
			ActiveSessions:    in.ActiveSessions,
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(
				"Session %s: %d requests (%d succeeded, %d partial, %d failed); memory %d short, %d long",
				s.scrub(out.SessionID), out.Requests, out.Succeeded, out.Partial, out.Failed,
				out.ShortTermCount, out.LongTermCount,
			)}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "agent_clear",
		Description: "Drop a session's memory, history and persisted plans",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionInput) (*mcp.CallToolResult, clearOutput, error) {
		var toolErr error
		defer s.track(ctx, "agent_clear", &toolErr)()

		if strings.TrimSpace(args.SessionID) == "" {
			toolErr = errSessionRequired
			return nil, clearOutput{}, toolErr
		}
		s.agent.Clear(ctx, args.SessionID)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "Session cleared: " + s.scrub(args.SessionID)}},
		}, clearOutput{SessionID: args.SessionID, Cleared: true}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "agent_plans",
		Description: "List the plans executed for a session, newest first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args plansInput) (*mcp.CallToolResult, plansOutput, error) {
		var toolErr error
		defer s.track(ctx, "agent_plans", &toolErr)()

		if strings.TrimSpace(args.SessionID) == "" {
			toolErr = errSessionRequired
			return nil, plansOutput{}, toolErr
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultPlansLimit
		}
		if limit > maxPlansLimit {
			limit = maxPlansLimit
		}

		recs, err := s.agent.Plans(ctx, args.SessionID, limit)
		if err != nil {
			toolErr = fmt.Errorf("%w: %v", errPlansUnavailable, err)
			return nil, plansOutput{}, toolErr
		}

		out := plansOutput{SessionID: args.SessionID, Plans: make([]planSummary, 0, len(recs))}
		var b strings.Builder
		for _, r := range recs {
			sum := planSummary{
				PlanID:     r.PlanID,
				Request:    s.scrub(r.Request),
				Complexity: r.Complexity.String(),
				Strategy:   string(r.Strategy),
				Success:    r.OverallSuccess,
				CreatedAt:  r.CreatedAt.Format(time.RFC3339),
			}
			for _, st := range r.Steps {
				sum.Steps = append(sum.Steps, st.Capability+":"+string(st.Status))
			}
			out.Plans = append(out.Plans, sum)
			fmt.Fprintf(&b, "%s %s [%s] %s\n", sum.CreatedAt, sum.Strategy, strings.Join(sum.Steps, ", "), sum.Request)
		}
		out.Count = len(out.Plans)

		text := b.String()
		if text == "" {
			text = "No plans for session " + s.scrub(args.SessionID)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: strings.TrimRight(text, "\n")}},
		}, out, nil
	})
}

// track records a tool call. toolErr is read when the returned func runs.
func (s *Server) track(ctx context.Context, tool string, toolErr *error) func() {
	done := s.metrics.begin(ctx, tool)
	return func() { done(*toolErr) }
}

func (s *Server) scrub(text string) string {
	return s.scrubber.Scrub(text).Scrubbed
}
