package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/embeddings"
	"github.com/fyrsmithlabs/agentd/internal/secrets"
)

// Store is the tiered memory store. Partitions are per session; requests in
// different sessions never contend on the same lock.
type Store struct {
	cfg       Config
	embedder  embeddings.Embedder
	scrubber  secrets.Scrubber
	tokenizer Tokenizer
	db        *chromem.DB
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	mu         sync.Mutex
	partitions map[string]*partition
}

// Option configures Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.Named("memory")
		}
	}
}

// WithScrubber sets the scrubber applied to content before embedding.
func WithScrubber(sc secrets.Scrubber) Option {
	return func(s *Store) {
		if sc != nil {
			s.scrubber = sc
		}
	}
}

// WithTokenizer replaces the rune estimator.
func WithTokenizer(t Tokenizer) Option {
	return func(s *Store) {
		if t != nil {
			s.tokenizer = t
		}
	}
}

// WithMeter records metrics on meter instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(s *Store) { s.metrics = NewMetrics(m, s.logger) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store. embedder is required.
func NewStore(cfg Config, embedder embeddings.Embedder, opts ...Option) *Store {
	s := &Store{
		cfg:        cfg,
		embedder:   embedder,
		scrubber:   secrets.Nop{},
		tokenizer:  RuneEstimator{},
		db:         chromem.NewDB(),
		logger:     zap.NewNop(),
		now:        time.Now,
		partitions: make(map[string]*partition),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil, s.logger)
	}
	return s
}

func collectionName(sessionID string) string {
	return "memory:" + sessionID
}

func (s *Store) partition(sessionID string, create bool) (*partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[sessionID]; ok {
		return p, nil
	}
	if !create {
		return nil, nil
	}
	col, err := s.db.GetOrCreateCollection(collectionName(sessionID), nil, func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("creating memory collection: %w", err)
	}
	p := newPartition(sessionID, col, s.now())
	s.partitions[sessionID] = p
	return p, nil
}

// Record stores content for sessionID. The returned entry may already have
// been evicted if it was the lowest ranked entry of an over-budget tier.
func (s *Store) Record(ctx context.Context, sessionID, content string) (Entry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Entry{}, ErrEmptySession
	}
	if strings.TrimSpace(content) == "" {
		return Entry{}, ErrEmptyContent
	}
	content = s.scrubber.Scrub(content).Scrubbed

	vec, err := s.embedder.EmbedQuery(ctx, content)
	if err != nil {
		return Entry{}, fmt.Errorf("embedding memory: %w", err)
	}

	p, err := s.partition(sessionID, true)
	if err != nil {
		return Entry{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := s.now()
	p.lastActive = now
	s.expireLocked(ctx, p, now)

	it := &item{Entry: Entry{
		ID:             uuid.NewString(),
		Content:        content,
		SessionID:      sessionID,
		CreatedAt:      now,
		Tier:           TierShort,
		SurpriseScore:  p.surprise(vec),
		TokenCost:      s.tokenizer.Count(content),
		LastAccessedAt: now,
	}}

	err = p.col.AddDocument(ctx, chromem.Document{
		ID:        it.ID,
		Content:   content,
		Embedding: vec,
		Metadata:  map[string]string{"session_id": sessionID},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("indexing memory: %w", err)
	}
	p.insert(it, s.cfg.SurpriseWindow)
	s.metrics.recordInsert(ctx, it.SurpriseScore)

	s.enforceShortLocked(ctx, p)

	s.logger.Debug("memory recorded",
		zap.String("session.id", sessionID),
		zap.String("memory.id", it.ID),
		zap.Float64("surprise", it.SurpriseScore),
		zap.Int("tokens", it.TokenCost))
	return it.Entry, nil
}

type scored struct {
	it    *item
	score float64
}

// Retrieve returns the entries most relevant to query, best first.
//
// Candidates are pinned while the lock is released for embedding, so
// eviction prefers other entries in the meantime.
func (s *Store) Retrieve(ctx context.Context, sessionID, query string, q Query) ([]Entry, error) {
	p, err := s.partition(sessionID, false)
	if err != nil || p == nil {
		return nil, err
	}

	p.mu.Lock()
	now := s.now()
	p.lastActive = now
	s.expireLocked(ctx, p, now)
	pinned := make(map[string]*item, len(p.items))
	for id, it := range p.items {
		it.pins++
		pinned[id] = it
	}
	p.mu.Unlock()

	unpinned := false
	unpin := func() {
		if unpinned {
			return
		}
		unpinned = true
		for _, it := range pinned {
			it.pins--
		}
	}
	defer func() {
		p.mu.Lock()
		unpin()
		p.mu.Unlock()
	}()

	if len(pinned) == 0 {
		return nil, nil
	}

	qv, err := s.embedder.EmbedQuery(ctx, s.scrubber.Scrub(query).Scrubbed)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	// The index only shrinks under p.mu, so the clamp holds for the query.
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(pinned)
	if c := p.col.Count(); c < n {
		n = c
	}
	var results []chromem.Result
	if n > 0 {
		results, err = p.col.QueryEmbedding(ctx, qv, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("querying memory index: %w", err)
		}
	}
	now = s.now()

	ranked := make([]scored, 0, len(results))
	for _, r := range results {
		it, ok := pinned[r.ID]
		if !ok {
			continue
		}
		if _, live := p.items[r.ID]; !live {
			continue
		}
		ranked = append(ranked, scored{it: it, score: s.score(float64(r.Similarity), now.Sub(it.LastAccessedAt))})
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.it.CreatedAt.Equal(b.it.CreatedAt) {
			return a.it.CreatedAt.After(b.it.CreatedAt)
		}
		return a.it.ID < b.it.ID
	})

	var selected []*item
	used := 0
	for _, r := range ranked {
		if q.MaxEntries > 0 && len(selected) >= q.MaxEntries {
			break
		}
		if q.TokenBudget > 0 && used+r.it.TokenCost > q.TokenBudget {
			break
		}
		used += r.it.TokenCost
		selected = append(selected, r.it)
	}

	promoted := 0
	for _, it := range selected {
		it.LastAccessedAt = now
		it.AccessCount++
		if it.Tier == TierShort && it.AccessCount >= 1 && it.SurpriseScore > s.cfg.PromotionThreshold {
			p.move(it, TierLong)
			p.promoted++
			promoted++
		}
	}
	s.metrics.recordPromotion(ctx, promoted)

	unpin()
	if promoted > 0 {
		s.enforceLongLocked(ctx, p)
	}
	s.enforceShortLocked(ctx, p)

	out := make([]Entry, len(selected))
	for i, it := range selected {
		out[i] = it.Entry
	}
	return out, nil
}

func (s *Store) score(similarity float64, age time.Duration) float64 {
	recency := 1.0
	if hl := s.cfg.RecencyHalfLife; hl > 0 && age > 0 {
		recency = math.Exp(-float64(age) / float64(hl) * math.Ln2)
	}
	return s.cfg.RelevanceWeight*similarity + s.cfg.RecencyWeight*recency
}

// enforceLongLocked demotes the lowest ranked long entries until the long
// tier fits, then lets the short tier shed the overflow.
func (s *Store) enforceLongLocked(ctx context.Context, p *partition) {
	demoted := 0
	for p.overBudget(s.cfg, TierLong) {
		v := p.victim(TierLong)
		if v == nil {
			break
		}
		p.move(v, TierShort)
		demoted++
	}
	if demoted > 0 {
		s.logger.Debug("memory demoted",
			zap.String("session.id", p.id),
			zap.Int("demoted", demoted),
			zap.Error(ErrBudgetExceeded))
		s.enforceShortLocked(ctx, p)
	}
}

func (s *Store) enforceShortLocked(ctx context.Context, p *partition) {
	evicted := 0
	for p.overBudget(s.cfg, TierShort) {
		v := p.victim(TierShort)
		if v == nil {
			break
		}
		p.remove(ctx, v, s.logger)
		p.evicted++
		evicted++
	}
	if evicted > 0 {
		s.metrics.recordEviction(ctx, TierShort, evicted)
		s.logger.Debug("memory evicted",
			zap.String("session.id", p.id),
			zap.Int("evicted", evicted),
			zap.Int("short_tokens", p.tokens[TierShort]),
			zap.Error(ErrBudgetExceeded))
	}
}

func (s *Store) expireLocked(ctx context.Context, p *partition, now time.Time) int {
	if s.cfg.Retention <= 0 {
		return 0
	}
	n := p.expire(ctx, now.Add(-s.cfg.Retention), s.logger)
	if n > 0 {
		s.logger.Debug("memory expired", zap.String("session.id", p.id), zap.Int("expired", n))
	}
	return n
}

// Stats returns a summary for sessionID. Unknown sessions report zeros.
func (s *Store) Stats(sessionID string) Stats {
	p, _ := s.partition(sessionID, false)
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats()
}

// Entries returns copies of every entry in sessionID, oldest first.
func (s *Store) Entries(sessionID string) []Entry {
	p, _ := s.partition(sessionID, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

// Clear drops sessionID's memory, including its surprise history.
func (s *Store) Clear(ctx context.Context, sessionID string) {
	s.mu.Lock()
	_, ok := s.partitions[sessionID]
	delete(s.partitions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.db.DeleteCollection(collectionName(sessionID)); err != nil {
		s.logger.Warn("failed to delete memory collection", zap.String("session.id", sessionID), zap.Error(err))
	}
}

// Sweep removes entries past retention in every session and returns how
// many were removed. Sessions left empty and idle past retention are dropped.
func (s *Store) Sweep(ctx context.Context) int {
	s.mu.Lock()
	parts := make([]*partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		parts = append(parts, p)
	}
	s.mu.Unlock()

	total := 0
	var idle []string
	for _, p := range parts {
		if ctx.Err() != nil {
			break
		}
		p.mu.Lock()
		now := s.now()
		total += s.expireLocked(ctx, p, now)
		if s.cfg.Retention > 0 && len(p.items) == 0 && now.Sub(p.lastActive) > s.cfg.Retention {
			idle = append(idle, p.id)
		}
		p.mu.Unlock()
	}
	for _, id := range idle {
		s.Clear(ctx, id)
	}
	return total
}

// Sessions returns every session with a partition, sorted.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveSessions counts sessions holding at least one entry.
func (s *Store) ActiveSessions() int {
	s.mu.Lock()
	parts := make([]*partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		parts = append(parts, p)
	}
	s.mu.Unlock()

	n := 0
	for _, p := range parts {
		p.mu.Lock()
		if len(p.items) > 0 {
			n++
		}
		p.mu.Unlock()
	}
	return n
}
