// Package analyzer classifies a request into a complexity, a confidence and
// an ordered list of capabilities to run.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/capability"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/plan"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/analyzer"

// Analyzer turns requests into plan seeds.
type Analyzer struct {
	reg        *capability.Registry
	cfg        config.AnalyzerConfig
	classifier *classifier
	provider   llm.Provider
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l.Named("analyzer")
		}
	}
}

// WithProvider enables the LLM-assisted pass.
func WithProvider(p llm.Provider) Option {
	return func(a *Analyzer) { a.provider = p }
}

// New creates an analyzer over reg.
func New(reg *capability.Registry, cfg config.AnalyzerConfig, opts ...Option) *Analyzer {
	a := &Analyzer{
		reg:        reg,
		cfg:        cfg,
		classifier: newClassifier(),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies req. The returned seed always names at least one
// registered capability.
func (a *Analyzer) Analyze(ctx context.Context, req plan.Request, sc plan.SessionContext) (plan.Seed, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return plan.Seed{}, ErrEmptyRequest
	}
	if a.reg == nil || a.reg.Len() == 0 {
		return plan.Seed{}, ErrNoCapabilities
	}

	ctx, span := a.tracer.Start(ctx, "analyzer.analyze")
	defer span.End()

	detected := a.detect(text, req.Hint)
	complexity, confidence := a.classifier.classify(text, len(detected))
	seed := plan.Seed{
		Complexity:   complexity,
		Confidence:   confidence,
		Capabilities: detected,
		Source:       plan.SourceHeuristic,
	}

	if a.cfg.UseLLM && a.provider != nil && seed.Confidence < a.cfg.LLMAssistBelow {
		if assisted, ok := a.assist(ctx, text, req.Hint, sc); ok && assisted.Confidence > seed.Confidence {
			seed = assisted
		}
	}

	if seed.Confidence < a.cfg.MinConfidence || len(seed.Capabilities) == 0 {
		seed = a.fallback(ctx, seed, req.Hint)
	}

	span.SetAttributes(
		attribute.String("analyzer.complexity", seed.Complexity.String()),
		attribute.Float64("analyzer.confidence", seed.Confidence),
		attribute.String("analyzer.source", seed.Source),
		attribute.StringSlice("analyzer.capabilities", seed.Capabilities),
	)
	logging.For(ctx, a.logger).Debug("request analyzed",
		zap.String("complexity", seed.Complexity.String()),
		zap.Float64("confidence", seed.Confidence),
		zap.String("source", seed.Source),
		zap.Strings("capabilities", seed.Capabilities),
	)
	return seed, nil
}

// detect returns the matching capabilities plus a registered hint, ordered.
func (a *Analyzer) detect(text, hint string) []string {
	names := a.reg.Match(text)
	if hint = strings.TrimSpace(hint); hint != "" && a.reg.Has(hint) {
		names = append(names, hint)
	}
	return order(a.reg, dedupe(names), text)
}

// fallback reduces an uncertain seed to one best-guess capability.
func (a *Analyzer) fallback(ctx context.Context, seed plan.Seed, hint string) plan.Seed {
	guess := ""
	hint = strings.TrimSpace(hint)
	switch {
	case hint != "" && a.reg.Has(hint):
		guess = hint
	case len(seed.Capabilities) > 0:
		guess = seed.Capabilities[0]
	case a.cfg.DefaultCapability != "" && a.reg.Has(a.cfg.DefaultCapability):
		guess = a.cfg.DefaultCapability
	default:
		guess = a.reg.Names()[0]
	}

	logging.For(ctx, a.logger).Info("analysis fell back to best guess",
		zap.Error(ErrAnalysisUncertain),
		zap.Float64("confidence", seed.Confidence),
		zap.String("capability", guess),
	)
	return plan.Seed{
		Complexity:   plan.Simple,
		Confidence:   seed.Confidence,
		Capabilities: []string{guess},
		Source:       plan.SourceFallback,
	}
}

// assistReply is the JSON shape the model is asked to produce.
type assistReply struct {
	Complexity   string   `json:"complexity"`
	Confidence   float64  `json:"confidence"`
	Capabilities []string `json:"capabilities"`
}

// assist asks the provider to classify text. Failures are logged and
// reported as !ok.
func (a *Analyzer) assist(ctx context.Context, text, hint string, sc plan.SessionContext) (plan.Seed, bool) {
	log := logging.For(ctx, a.logger)

	reply, err := a.provider.Complete(ctx, a.assistPrompt(text, sc), llm.Params{Temperature: 0, MaxTokens: 256})
	if err != nil {
		log.Warn("llm-assisted analysis failed", zap.Error(err))
		return plan.Seed{}, false
	}

	parsed, err := parseAssist(reply)
	if err != nil {
		log.Warn("llm-assisted analysis unparseable", zap.Error(err), logging.Prompt("reply", reply))
		return plan.Seed{}, false
	}
	complexity, err := plan.ParseComplexity(parsed.Complexity)
	if err != nil {
		log.Warn("llm-assisted analysis unparseable", zap.Error(err))
		return plan.Seed{}, false
	}

	var names []string
	for _, n := range parsed.Capabilities {
		n = strings.TrimSpace(n)
		if a.reg.Has(n) {
			names = append(names, n)
		}
	}
	if hint = strings.TrimSpace(hint); hint != "" && a.reg.Has(hint) {
		names = append(names, hint)
	}
	names = dedupe(names)
	if len(names) == 0 {
		names = a.detect(text, hint)
	} else {
		names = order(a.reg, names, text)
	}

	return plan.Seed{
		Complexity:   complexity,
		Confidence:   clamp01(parsed.Confidence),
		Capabilities: names,
		Source:       plan.SourceLLM,
	}, true
}

func (a *Analyzer) assistPrompt(text string, sc plan.SessionContext) string {
	var b strings.Builder
	b.WriteString("Classify the user request for a task agent.\n")
	b.WriteString("Reply with JSON only: {\"complexity\": \"simple|moderate|complex\", \"confidence\": 0.0-1.0, \"capabilities\": [names]}.\n\n")
	b.WriteString("Available capabilities:\n")
	for _, n := range a.reg.Names() {
		desc := ""
		if c, ok := a.reg.Get(n); ok {
			if d, ok := c.(capability.Describer); ok {
				desc = d.Description()
			}
		}
		if desc != "" {
			fmt.Fprintf(&b, "- %s: %s\n", n, desc)
		} else {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	if len(sc.Memory) > 0 {
		b.WriteString("\nRecent context:\n")
		for _, m := range sc.Memory {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	fmt.Fprintf(&b, "\nRequest: %s\n", text)
	return b.String()
}

// parseAssist extracts the first JSON object from a model reply, which may
// wrap it in prose or code fences.
func parseAssist(reply string) (assistReply, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return assistReply{}, fmt.Errorf("no JSON object in reply")
	}
	var out assistReply
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return assistReply{}, fmt.Errorf("decoding reply: %w", err)
	}
	return out, nil
}
