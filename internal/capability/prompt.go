package capability

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/llm"
)

// Prompt is an LLM-backed capability declared in configuration. Its prompt
// is a text/template rendered with .Fragment, .Inputs, .Memory and .SessionID.
type Prompt struct {
	spec     config.CapabilitySpec
	tmpl     *template.Template
	provider llm.Provider
	params   llm.Params
	keywords *keywordMatcher
}

type promptData struct {
	Fragment  string
	Inputs    map[string]any
	Memory    []string
	SessionID string
}

// NewPrompt compiles spec into a capability. provider may be nil, in which
// case every Execute fails with ErrNoProvider.
func NewPrompt(spec config.CapabilitySpec, provider llm.Provider) (*Prompt, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, ErrEmptyName
	}
	tmpl, err := template.New(spec.Name).Option("missingkey=zero").Parse(spec.Prompt)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrBadTemplate, spec.Name, err)
	}
	return &Prompt{
		spec:     spec,
		tmpl:     tmpl,
		provider: provider,
		keywords: newKeywordMatcher(append([]string{spec.Name}, spec.Keywords...)),
	}, nil
}

func (p *Prompt) Name() string                   { return p.spec.Name }
func (p *Prompt) Description() string            { return p.spec.Description }
func (p *Prompt) Dependencies() []string         { return p.spec.DependsOn }
func (p *Prompt) CanHandle(fragment string) bool { return p.keywords.match(fragment) }
func (p *Prompt) MentionIndex(text string) int   { return p.keywords.firstIndex(text) }
func (p *Prompt) IsRetryable(err error) bool     { return IsTransient(err) }

func (p *Prompt) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if p.provider == nil {
		return Result{Err: ErrNoProvider, Capability: p.spec.Name}, ErrNoProvider
	}

	var sb strings.Builder
	err := p.tmpl.Execute(&sb, promptData{
		Fragment:  inv.Fragment,
		Inputs:    inv.Inputs,
		Memory:    inv.Memory,
		SessionID: inv.SessionID,
	})
	if err != nil {
		err = fmt.Errorf("rendering prompt for %s: %w", p.spec.Name, err)
		return Result{Err: err, Capability: p.spec.Name}, err
	}

	out, err := p.provider.Complete(ctx, sb.String(), p.params)
	if err != nil {
		err = fmt.Errorf("%s: %w", p.spec.Name, err)
		return Result{Err: err, Capability: p.spec.Name}, err
	}
	return OK(p.spec.Name, strings.TrimSpace(out)), nil
}

// RegisterSpecs compiles and registers every spec, honouring spec.Optional.
func RegisterSpecs(r *Registry, specs []config.CapabilitySpec, provider llm.Provider) error {
	for _, spec := range specs {
		c, err := NewPrompt(spec, provider)
		if err != nil {
			return err
		}
		var opts []RegisterOption
		if spec.Optional {
			opts = append(opts, Optional())
		}
		if err := r.Register(c, opts...); err != nil {
			return err
		}
	}
	return nil
}
