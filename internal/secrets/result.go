package secrets

// Result is the outcome of one Scrub call.
type Result struct {
	Scrubbed string    `json:"scrubbed"`
	Findings []Finding `json:"findings,omitempty"`
}

// Finding describes one detected secret. The secret value is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rule IDs that matched, in first-seen order.
func (r Result) RuleIDs() []string {
	seen := make(map[string]bool, len(r.Findings))
	var ids []string
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	return ids
}
