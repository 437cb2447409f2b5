package analyzer

import (
	"math"
	"sort"

	"github.com/fyrsmithlabs/agentd/internal/capability"
)

// order sorts names so every capability follows the selected capabilities it
// depends on. Ready capabilities are taken by first mention in text, then by
// registration order. Names caught in a dependency cycle keep that tie order
// at the end.
func order(reg *capability.Registry, names []string, text string) []string {
	if len(names) < 2 {
		return names
	}

	regIndex := make(map[string]int)
	for i, n := range reg.Names() {
		regIndex[n] = i
	}

	type node struct {
		name    string
		mention int
		reg     int
	}
	nodes := make(map[string]*node, len(names))
	for _, n := range names {
		mention := math.MaxInt
		if c, ok := reg.Get(n); ok {
			if loc, ok := c.(capability.Locator); ok {
				if idx := loc.MentionIndex(text); idx >= 0 {
					mention = idx
				}
			}
		}
		nodes[n] = &node{name: n, mention: mention, reg: regIndex[n]}
	}
	less := func(a, b *node) bool {
		if a.mention != b.mention {
			return a.mention < b.mention
		}
		return a.reg < b.reg
	}

	// pending counts unresolved in-set dependencies; dependents is the reverse edge.
	pending := make(map[string]int, len(names))
	dependents := make(map[string][]string)
	for _, n := range names {
		seen := map[string]bool{}
		for _, dep := range reg.Dependencies(n) {
			if dep == n || nodes[dep] == nil || seen[dep] {
				continue
			}
			seen[dep] = true
			pending[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var ready []*node
	for _, n := range names {
		if pending[n] == 0 {
			ready = append(ready, nodes[n])
		}
	}

	out := make([]string, 0, len(names))
	done := make(map[string]bool, len(names))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next.name)
		done[next.name] = true
		for _, d := range dependents[next.name] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, nodes[d])
			}
		}
	}

	if len(out) < len(names) {
		var rest []*node
		for _, n := range names {
			if !done[n] {
				rest = append(rest, nodes[n])
			}
		}
		sort.SliceStable(rest, func(i, j int) bool { return less(rest[i], rest[j]) })
		for _, n := range rest {
			out = append(out, n.name)
		}
	}
	return out
}

// dedupe keeps the first occurrence of each name.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
