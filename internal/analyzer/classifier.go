package analyzer

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/agentd/internal/plan"
)

// noMatchConfidence is reported when no signal fired at all.
const noMatchConfidence = 0.4

type signal struct {
	regex  *regexp.Regexp
	weight float64
}

// classifier scores a request against weighted per-complexity signals.
type classifier struct {
	patterns map[plan.Complexity][]signal
}

func newClassifier() *classifier {
	return &classifier{patterns: buildPatterns()}
}

// classes fixes iteration order so equal scores resolve toward the cheaper class.
var classes = []plan.Complexity{plan.Simple, plan.Moderate, plan.Complex}

// classify returns the complexity and confidence for text, given how many
// capabilities were detected for it.
func (c *classifier) classify(text string, capCount int) (plan.Complexity, float64) {
	lower := strings.ToLower(text)

	scores := make(map[plan.Complexity]float64)
	hits := make(map[plan.Complexity]int)
	add := func(cl plan.Complexity, w float64) {
		scores[cl] += w
		hits[cl]++
	}

	for _, cl := range classes {
		for _, p := range c.patterns[cl] {
			if p.regex.MatchString(lower) {
				add(cl, p.weight)
			}
		}
	}

	switch words := len(strings.Fields(lower)); {
	case words <= 6:
		add(plan.Simple, 0.6)
	case words >= 40:
		add(plan.Complex, 1.0)
	case words >= 20:
		add(plan.Moderate, 0.6)
	}

	switch {
	case capCount >= 3:
		add(plan.Complex, 1.0)
	case capCount == 2:
		add(plan.Moderate, 0.8)
	}

	best, bestScore, total := plan.Simple, 0.0, 0.0
	for _, cl := range classes {
		s := scores[cl]
		total += s
		if s > bestScore {
			best, bestScore = cl, s
		}
	}
	if total == 0 {
		return complexityForCount(capCount), noMatchConfidence
	}

	confidence := bestScore / total
	if len(scores) == 1 {
		confidence += 0.25
	}
	if hits[best] >= 2 {
		confidence += 0.1
	}
	if len(scores) > 1 {
		second := 0.0
		for _, cl := range classes {
			if cl != best && scores[cl] > second {
				second = scores[cl]
			}
		}
		if second > 0 && (bestScore-second)/bestScore < 0.3 {
			confidence *= 0.8
		}
	}
	return best, clamp01(confidence)
}

func complexityForCount(n int) plan.Complexity {
	switch {
	case n >= 3:
		return plan.Complex
	case n == 2:
		return plan.Moderate
	default:
		return plan.Simple
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func buildPatterns() map[plan.Complexity][]signal {
	return map[plan.Complexity][]signal{
		plan.Simple: {
			{regexp.MustCompile(`^(what|who|when|where|which|is|are|does|do|can)\b`), 0.8},
			{regexp.MustCompile(`\b(quick|quickly|briefly|short answer|just tell me)\b`), 1.0},
			{regexp.MustCompile(`\b(define|definition of|meaning of)\b`), 0.7},
			{regexp.MustCompile(`\?\s*$`), 0.4},
		},
		plan.Moderate: {
			{regexp.MustCompile(`\b(explain|describe|summari[sz]e)\b`), 0.9},
			{regexp.MustCompile(`\b(compare|contrast|difference between|versus|vs\.?)\b`), 1.0},
			{regexp.MustCompile(`\b(list|enumerate|outline)\b`), 0.7},
			{regexp.MustCompile(`\band\s+(also|then)\b`), 0.8},
			{regexp.MustCompile(`\b(pros and cons|trade-?offs?)\b`), 0.8},
		},
		plan.Complex: {
			{regexp.MustCompile(`\b(design|architect|implement|build|develop)\b`), 1.0},
			{regexp.MustCompile(`\bstep[\s-]by[\s-]step\b`), 1.1},
			{regexp.MustCompile(`\b(then|afterwards|finally|after that)\b`), 0.7},
			{regexp.MustCompile(`\b(analy[sz]e|research|investigate)\b.*\b(and|then)\b`), 0.9},
			{regexp.MustCompile(`\b(plan|roadmap|migration|end[\s-]to[\s-]end)\b`), 0.8},
		},
	}
}
