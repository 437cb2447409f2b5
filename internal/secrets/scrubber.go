package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// DefaultRedaction replaces detected secrets.
const DefaultRedaction = "[REDACTED]"

// ErrUnknownEngine is returned by New for an unsupported engine name.
var ErrUnknownEngine = errors.New("unknown secrets engine")

// Scrubber redacts secrets from text. Implementations are safe for
// concurrent use.
type Scrubber interface {
	Scrub(content string) Result
	Enabled() bool
}

// New builds the scrubber selected by cfg. A disabled config yields Nop.
func New(cfg config.SecretsConfig) (Scrubber, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	redaction := cfg.Redaction
	if redaction == "" {
		redaction = DefaultRedaction
	}
	switch cfg.Engine {
	case "rules", "":
		return NewRules(DefaultRules(), cfg.AllowList, redaction)
	case "gitleaks":
		return NewGitleaks(cfg.AllowList, redaction)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Rules is the regex-table scrubber.
type Rules struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
}

// NewRules compiles rules and allow-list patterns.
func NewRules(rules []Rule, allowList []string, redaction string) (*Rules, error) {
	s := &Rules{redaction: redaction}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	allow, err := compileAllowList(allowList)
	if err != nil {
		return nil, err
	}
	s.allow = allow
	return s, nil
}

func (s *Rules) Enabled() bool { return true }

// Scrub replaces every match outside the allow list. Overlapping matches
// are merged into one redaction.
func (s *Rules) Scrub(content string) Result {
	lower := strings.ToLower(content)
	var spans []span
	var findings []Finding

	for _, r := range s.rules {
		if !hasKeyword(lower, r.keywords) {
			continue
		}
		for _, loc := range r.pattern.FindAllStringIndex(content, -1) {
			if allowed(s.allow, content[loc[0]:loc[1]]) {
				continue
			}
			spans = append(spans, span{loc[0], loc[1]})
			findings = append(findings, Finding{
				RuleID: r.id,
				Line:   strings.Count(content[:loc[0]], "\n") + 1,
			})
		}
	}
	if len(spans) == 0 {
		return Result{Scrubbed: content}
	}
	return Result{Scrubbed: redactSpans(content, spans, s.redaction), Findings: findings}
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type span struct{ start, end int }

func redactSpans(content string, spans []span, redaction string) string {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var sb strings.Builder
	sb.Grow(len(content))
	pos := 0
	for i := 0; i < len(spans); {
		start, end := spans[i].start, spans[i].end
		for i++; i < len(spans) && spans[i].start <= end; i++ {
			if spans[i].end > end {
				end = spans[i].end
			}
		}
		if start < pos {
			start = pos
		}
		sb.WriteString(content[pos:start])
		sb.WriteString(redaction)
		pos = end
	}
	sb.WriteString(content[pos:])
	return sb.String()
}

func compileAllowList(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func allowed(allow []*regexp.Regexp, match string) bool {
	for _, re := range allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// Nop returns content unchanged.
type Nop struct{}

func (Nop) Scrub(content string) Result { return Result{Scrubbed: content} }
func (Nop) Enabled() bool               { return false }

var (
	_ Scrubber = (*Rules)(nil)
	_ Scrubber = (*Gitleaks)(nil)
	_ Scrubber = Nop{}
)
