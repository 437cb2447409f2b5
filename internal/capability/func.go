package capability

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// Func adapts a function into a Capability. Keywords drive CanHandle unless
// Matcher is set.
type Func struct {
	ID        string
	Desc      string
	Keywords  []string
	DependsOn []string
	Matcher   func(fragment string) bool
	Retryable func(err error) bool
	Fn        func(ctx context.Context, inv Invocation) (any, error)

	once     sync.Once
	keywords *keywordMatcher
}

// NewFunc builds a keyword-matched function capability.
func NewFunc(name string, keywords []string, fn func(ctx context.Context, inv Invocation) (any, error)) *Func {
	return &Func{ID: name, Keywords: keywords, Fn: fn}
}

func (f *Func) Name() string           { return f.ID }
func (f *Func) Description() string    { return f.Desc }
func (f *Func) Dependencies() []string { return f.DependsOn }

func (f *Func) CanHandle(fragment string) bool {
	if f.Matcher != nil {
		return f.Matcher(fragment)
	}
	return f.matcher().match(fragment)
}

// MentionIndex returns the byte offset of the first keyword in text, or -1.
func (f *Func) MentionIndex(text string) int {
	return f.matcher().firstIndex(text)
}

func (f *Func) matcher() *keywordMatcher {
	f.once.Do(func() { f.keywords = newKeywordMatcher(f.Keywords) })
	return f.keywords
}

func (f *Func) IsRetryable(err error) bool {
	if f.Retryable != nil {
		return f.Retryable(err)
	}
	return IsTransient(err)
}

func (f *Func) Execute(ctx context.Context, inv Invocation) (Result, error) {
	data, err := f.Fn(ctx, inv)
	if err != nil {
		return Result{Success: false, Err: err, Capability: f.ID}, err
	}
	return OK(f.ID, data), nil
}

// keywordMatcher matches whole words or phrases, case-insensitively.
type keywordMatcher struct {
	patterns []*regexp.Regexp
}

func newKeywordMatcher(keywords []string) *keywordMatcher {
	m := &keywordMatcher{}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		m.patterns = append(m.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
	}
	return m
}

func (m *keywordMatcher) match(text string) bool {
	for _, p := range m.patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// firstIndex returns the earliest keyword position in text, or -1.
func (m *keywordMatcher) firstIndex(text string) int {
	best := -1
	for _, p := range m.patterns {
		if loc := p.FindStringIndex(text); loc != nil && (best < 0 || loc[0] < best) {
			best = loc[0]
		}
	}
	return best
}
