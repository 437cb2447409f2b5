// Package llm provides text completion providers. The analyzer, the
// prompt-backed capabilities and the synthesizer's polish mode all talk to a
// model through Provider.
package llm

import "context"

// Params tunes a single completion.
type Params struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// Provider completes prompts.
type Provider interface {
	Complete(ctx context.Context, prompt string, p Params) (string, error)
}
