package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/embeddings"
)

// item is an entry plus bookkeeping that never leaves the package.
type item struct {
	Entry
	seq  uint64
	pins int
}

// partition is one session's memory. Every field is guarded by mu.
type partition struct {
	mu sync.Mutex

	id       string
	col      *chromem.Collection
	items    map[string]*item
	seq      uint64
	mean     []float64
	observed int
	tokens   map[Tier]int
	counts   map[Tier]int
	recent   []float64

	recorded, evicted, promoted int
	lastActive                  time.Time
}

func newPartition(id string, col *chromem.Collection, now time.Time) *partition {
	return &partition{
		id:         id,
		col:        col,
		items:      make(map[string]*item),
		tokens:     map[Tier]int{TierShort: 0, TierLong: 0},
		counts:     map[Tier]int{TierShort: 0, TierLong: 0},
		lastActive: now,
	}
}

// surprise scores v against the running mean and folds v into it.
func (p *partition) surprise(v []float32) float64 {
	score := 1.0
	if p.observed > 0 {
		mean := make([]float32, len(p.mean))
		for i, x := range p.mean {
			mean[i] = float32(x)
		}
		score = clamp01(1 - embeddings.Cosine(v, mean))
	}

	if p.mean == nil {
		p.mean = make([]float64, len(v))
	}
	p.observed++
	n := float64(p.observed)
	for i := range p.mean {
		if i < len(v) {
			p.mean[i] += (float64(v[i]) - p.mean[i]) / n
		}
	}
	return score
}

func (p *partition) insert(it *item, window int) {
	p.seq++
	it.seq = p.seq
	p.items[it.ID] = it
	p.tokens[it.Tier] += it.TokenCost
	p.counts[it.Tier]++
	p.recorded++

	p.recent = append(p.recent, it.SurpriseScore)
	if window > 0 && len(p.recent) > window {
		p.recent = p.recent[len(p.recent)-window:]
	}
}

func (p *partition) remove(ctx context.Context, it *item, logger *zap.Logger) {
	delete(p.items, it.ID)
	p.tokens[it.Tier] -= it.TokenCost
	p.counts[it.Tier]--
	if err := p.col.Delete(ctx, nil, nil, it.ID); err != nil {
		logger.Warn("failed to delete memory from index", zap.String("memory.id", it.ID), zap.Error(err))
	}
}

func (p *partition) move(it *item, to Tier) {
	p.tokens[it.Tier] -= it.TokenCost
	p.counts[it.Tier]--
	it.Tier = to
	p.tokens[to] += it.TokenCost
	p.counts[to]++
}

func (p *partition) overBudget(cfg Config, t Tier) bool {
	if b := cfg.budget(t); b > 0 && p.tokens[t] > b {
		return true
	}
	return cfg.MaxEntriesPerTier > 0 && p.counts[t] > cfg.MaxEntriesPerTier
}

// victim picks the next entry to leave tier t: lowest surprise, then least
// recently accessed, then oldest. Unpinned entries go first; pinned ones are
// taken only when nothing else is left, so the budget always holds.
func (p *partition) victim(t Tier) *item {
	var best, bestPinned *item
	for _, it := range p.items {
		if it.Tier != t {
			continue
		}
		if it.pins > 0 {
			if bestPinned == nil || evictsBefore(it, bestPinned) {
				bestPinned = it
			}
			continue
		}
		if best == nil || evictsBefore(it, best) {
			best = it
		}
	}
	if best != nil {
		return best
	}
	return bestPinned
}

func evictsBefore(a, b *item) bool {
	if a.SurpriseScore != b.SurpriseScore {
		return a.SurpriseScore < b.SurpriseScore
	}
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// expire removes entries created before cutoff and returns how many.
func (p *partition) expire(ctx context.Context, cutoff time.Time, logger *zap.Logger) int {
	var expired []*item
	for _, it := range p.items {
		if it.CreatedAt.Before(cutoff) {
			expired = append(expired, it)
		}
	}
	for _, it := range expired {
		p.remove(ctx, it, logger)
	}
	return len(expired)
}

func (p *partition) stats() Stats {
	s := Stats{
		ShortTermCount:  p.counts[TierShort],
		LongTermCount:   p.counts[TierLong],
		ShortTermTokens: p.tokens[TierShort],
		LongTermTokens:  p.tokens[TierLong],
		TotalRecorded:   p.recorded,
		TotalEvicted:    p.evicted,
		TotalPromoted:   p.promoted,
	}
	if len(p.recent) > 0 {
		var sum float64
		for _, x := range p.recent {
			sum += x
		}
		s.AvgSurpriseRecent = sum / float64(len(p.recent))
	}
	return s
}

// snapshot returns copies of every entry, oldest first.
func (p *partition) snapshot() []Entry {
	items := make([]*item, 0, len(p.items))
	for _, it := range p.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = it.Entry
	}
	return out
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
