package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/analyzer"
	"github.com/fyrsmithlabs/agentd/internal/capability"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/embeddings"
	"github.com/fyrsmithlabs/agentd/internal/engine"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/planstore"
	"github.com/fyrsmithlabs/agentd/internal/secrets"
	"github.com/fyrsmithlabs/agentd/internal/session"
	"github.com/fyrsmithlabs/agentd/internal/strategy"
	"github.com/fyrsmithlabs/agentd/internal/synth"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

// Registry provides access to the built components.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Coordinator() *session.Coordinator
	Capabilities() *capability.Registry
	Memory() *memory.Store
	Plans() planstore.Store
	Scrubber() secrets.Scrubber
	Sink() events.Sink
	Config() *config.Config
	Close() error
}

// Options overrides parts of the configuration-driven wiring.
type Options struct {
	// Provider replaces the provider built from cfg.LLM.
	Provider llm.Provider
	// Embedder replaces the embedder built from cfg.Embeddings.
	Embedder embeddings.Embedder
	// Capabilities are registered in addition to cfg.Capabilities.
	Capabilities []capability.Capability
	// Telemetry supplies tracers and meters. Nil uses the global providers.
	Telemetry *telemetry.Telemetry
}

// registry is the concrete implementation of Registry.
type registry struct {
	cfg         *config.Config
	coordinator *session.Coordinator
	caps        *capability.Registry
	memory      *memory.Store
	plans       planstore.Store
	scrubber    secrets.Scrubber
	sink        events.Sink
	closers     []func() error
}

// Build creates every component from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &registry{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = r.Close()
		}
	}()

	provider := opts.Provider
	if provider == nil && cfg.LLM.Enabled() {
		lc, err := llm.New(cfg.LLM, llm.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("llm provider: %w", err)
		}
		provider = lc
	}

	r.caps = capability.NewRegistry()
	for _, c := range opts.Capabilities {
		if err := r.caps.Register(c); err != nil {
			return nil, fmt.Errorf("registering capability: %w", err)
		}
	}
	if err := capability.RegisterSpecs(r.caps, cfg.Capabilities, provider); err != nil {
		return nil, fmt.Errorf("registering capabilities: %w", err)
	}
	if r.caps.Len() == 0 {
		return nil, analyzer.ErrNoCapabilities
	}

	embedder := opts.Embedder
	if embedder == nil {
		e, err := embeddings.New(cfg.Embeddings, logger)
		if err != nil {
			return nil, fmt.Errorf("embedder: %w", err)
		}
		embedder = e
	}

	scrubber, err := secrets.New(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("scrubber: %w", err)
	}
	r.scrubber = scrubber

	r.memory = memory.NewStore(memory.ConfigFrom(cfg.Memory), embedder,
		memory.WithLogger(logger),
		memory.WithScrubber(scrubber),
		memory.WithMeter(opts.Telemetry.Meter("github.com/fyrsmithlabs/agentd/internal/memory")),
	)

	sinks := events.Multi{events.NewLog(logger)}
	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		r.closers = append(r.closers, nc.Close)
		sinks = append(sinks, nc)
		logger.Info("publishing step events", zap.String("nats_url", cfg.Events.NATSURL))
	}
	r.sink = sinks

	eng, err := engine.New(r.caps, engine.ConfigFrom(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithSink(r.sink),
		engine.WithTracer(opts.Telemetry.Tracer("github.com/fyrsmithlabs/agentd/internal/engine")),
	)
	if err != nil {
		return nil, err
	}

	anOpts := []analyzer.Option{analyzer.WithLogger(logger)}
	synOpts := []synth.Option{synth.WithLogger(logger)}
	if provider != nil {
		anOpts = append(anOpts, analyzer.WithProvider(provider))
		synOpts = append(synOpts, synth.WithProvider(provider))
	}

	plans, err := planstore.New(cfg.PlanStore)
	if err != nil {
		return nil, fmt.Errorf("plan store: %w", err)
	}
	r.plans = plans

	var selOpts []strategy.Option
	if cfg.Engine.ParallelMinConfidence > 0 {
		selOpts = append(selOpts, strategy.WithParallelMinConfidence(cfg.Engine.ParallelMinConfidence))
	}

	r.coordinator, err = session.New(session.Deps{
		Analyzer: analyzer.New(r.caps, cfg.Analyzer, anOpts...),
		Planner:  strategy.New(r.caps, selOpts...),
		Engine:   eng,
		Synth:    synth.New(cfg.Synth, synOpts...),
		Memory:   r.memory,
		Plans:    plans,
	}, session.ConfigFrom(cfg.Session, cfg.Memory),
		session.WithLogger(logger),
		session.WithTracer(opts.Telemetry.Tracer("github.com/fyrsmithlabs/agentd/internal/session")),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("services ready",
		zap.Strings("capabilities", r.caps.Names()),
		zap.Bool("llm", provider != nil),
		zap.Bool("persistent_plans", cfg.PlanStore.Path != ""),
	)
	ok = true
	return r, nil
}

func (r *registry) Coordinator() *session.Coordinator  { return r.coordinator }
func (r *registry) Capabilities() *capability.Registry { return r.caps }
func (r *registry) Memory() *memory.Store              { return r.memory }
func (r *registry) Plans() planstore.Store             { return r.plans }
func (r *registry) Scrubber() secrets.Scrubber         { return r.scrubber }
func (r *registry) Sink() events.Sink                  { return r.sink }
func (r *registry) Config() *config.Config             { return r.cfg }

// Close releases the plan store and event connections.
func (r *registry) Close() error {
	var errs []error
	if r.plans != nil {
		errs = append(errs, r.plans.Close())
		r.plans = nil
	}
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	r.closers = nil
	return errors.Join(errs...)
}
