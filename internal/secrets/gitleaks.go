package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Gitleaks scrubs with the default gitleaks rule set.
type Gitleaks struct {
	mu        sync.Mutex // detect.Detector is not safe for concurrent scans
	detector  *detect.Detector
	redaction string
}

// NewGitleaks creates a detector with the default gitleaks config plus the
// given allow-list regexes.
func NewGitleaks(allowList []string, redaction string) (*Gitleaks, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if len(allowList) > 0 {
		al := &gitleaksconfig.Allowlist{Description: "agentd allow list"}
		for i, p := range allowList {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
			}
			al.Regexes = append(al.Regexes, (*gitleaksregexp.Regexp)(re))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, al)
	}
	return &Gitleaks{detector: detector, redaction: redaction}, nil
}

func (g *Gitleaks) Enabled() bool { return true }

// Scrub replaces every detected secret value, longest first so that a
// secret containing another is redacted whole.
func (g *Gitleaks) Scrub(content string) Result {
	g.mu.Lock()
	found := g.detector.DetectString(content)
	g.mu.Unlock()

	if len(found) == 0 {
		return Result{Scrubbed: content}
	}

	findings := make([]Finding, 0, len(found))
	values := make([]string, 0, len(found))
	for _, f := range found {
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
		if f.Secret != "" {
			values = append(values, f.Secret)
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })

	scrubbed := content
	for _, v := range values {
		scrubbed = strings.ReplaceAll(scrubbed, v, g.redaction)
	}
	return Result{Scrubbed: scrubbed, Findings: findings}
}
