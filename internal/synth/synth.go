// Package synth merges step results and retrieved memory into one response.
package synth

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/plan"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/synth"

// Modes.
const (
	ModeConcat = "concat"
	ModeLLM    = "llm"
)

// Synthesizer builds responses.
type Synthesizer struct {
	cfg      config.SynthConfig
	provider llm.Provider
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.logger = l.Named("synth")
		}
	}
}

// WithProvider sets the provider used in llm mode.
func WithProvider(p llm.Provider) Option {
	return func(s *Synthesizer) { s.provider = p }
}

// New creates a synthesizer.
func New(cfg config.SynthConfig, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Combine builds the response for p from res. Sections follow the plan's
// declared order regardless of completion order.
func (s *Synthesizer) Combine(ctx context.Context, p plan.Plan, res plan.ExecutionResult, mem []memory.Entry) Response {
	ctx, span := s.tracer.Start(ctx, "synth.combine")
	defer span.End()

	resp := Response{
		SessionID:  p.SessionID,
		RequestID:  p.RequestID,
		PlanID:     p.ID,
		Complexity: p.Complexity,
		Strategy:   p.Strategy,
	}

	var failures []StepFailure
	for _, st := range res.Steps {
		if st.Succeeded() {
			resp.Sections = append(resp.Sections, Section{
				Index:      st.Index,
				Capability: st.Capability,
				Content:    Render(st.Result.Data),
			})
			continue
		}
		failures = append(failures, StepFailure{
			Index:      st.Index,
			Capability: st.Capability,
			Status:     st.Status,
			Kind:       st.ErrorKind,
			Error:      st.ErrorMessage(),
		})
	}

	switch {
	case len(resp.Sections) == 0:
		resp.Status = StatusFailed
		resp.Failure = &Failure{
			Kind:    FailureTotalPlan,
			Message: ErrTotalPlanFailure.Error(),
			Steps:   failures,
		}
		for _, f := range failures {
			resp.Notes = append(resp.Notes, note(f))
		}
		span.SetAttributes(attribute.String("synth.status", string(resp.Status)))
		logging.For(ctx, s.logger).Warn("plan produced no output",
			zap.Error(ErrTotalPlanFailure), zap.Int("steps", len(res.Steps)))
		return resp
	case res.OverallSuccess:
		resp.Status = StatusSuccess
		resp.Success = true
	default:
		resp.Status = StatusPartial
		resp.Partial = true
	}
	for _, f := range failures {
		resp.Notes = append(resp.Notes, note(f))
	}

	content := merge(resp.Sections)
	if s.cfg.Mode == ModeLLM && s.provider != nil {
		if polished, err := s.polish(ctx, p, resp.Sections); err != nil {
			logging.For(ctx, s.logger).Warn("llm synthesis failed, using ordered merge", zap.Error(err))
		} else {
			content = polished
		}
	}

	resp.answer = content
	if s.cfg.IncludeMemory && len(mem) > 0 {
		texts := make([]string, 0, len(mem))
		for _, m := range mem {
			texts = append(texts, m.Content)
			resp.MemoryIDs = append(resp.MemoryIDs, m.ID)
		}
		content += "\n\n" + relatedContext(texts)
	}
	resp.Content = content

	span.SetAttributes(
		attribute.String("synth.status", string(resp.Status)),
		attribute.Int("synth.sections", len(resp.Sections)),
	)
	return resp
}

// polish asks the provider to merge the ordered sections into one answer.
func (s *Synthesizer) polish(ctx context.Context, p plan.Plan, sections []Section) (string, error) {
	var b strings.Builder
	b.WriteString("Combine the tool outputs below into one clear answer to the request. ")
	b.WriteString("Keep the information in the order given and do not invent facts.\n\n")
	fmt.Fprintf(&b, "Request: %s\n", p.Request)
	for i, sec := range sections {
		fmt.Fprintf(&b, "\n[%d] %s:\n%s\n", i+1, sec.Capability, sec.Content)
	}

	out, err := s.provider.Complete(ctx, b.String(), llm.Params{})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", llm.ErrEmptyCompletion
	}
	return out, nil
}
