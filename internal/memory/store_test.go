package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/embeddings"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/secrets"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retention = 0
	return cfg
}

func newTestStore(t *testing.T, cfg Config, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewStore(cfg, embeddings.NewHash(128), opts...), clock
}

var vocabulary = strings.Fields(`alpha bravo charlie delta echo foxtrot golf hotel india juliet
kilo lima mike november oscar papa quebec romeo sierra tango uniform victor whiskey xray yankee zulu`)

func randomText(r *rand.Rand, words int) string {
	out := make([]string, words)
	for i := range out {
		out[i] = vocabulary[r.Intn(len(vocabulary))]
	}
	return strings.Join(out, " ")
}

func TestRecord_Validation(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	_, err := s.Record(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrEmptySession)
	_, err = s.Record(context.Background(), "s", "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestRecord_FirstEntryFullySurprising(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	e, err := s.Record(context.Background(), "s1", "the build pipeline failed on arm64")
	require.NoError(t, err)

	assert.Equal(t, 1.0, e.SurpriseScore)
	assert.Equal(t, TierShort, e.Tier)
	assert.Equal(t, RuneEstimator{}.Count("the build pipeline failed on arm64"), e.TokenCost)
	assert.NotEmpty(t, e.ID)
}

func TestRecord_SurpriseDeterministicAndNoDedup(t *testing.T) {
	ctx := context.Background()
	history := []string{"deploy the api service", "rollback the api deploy", "database migration plan"}

	run := func() []Entry {
		s, _ := newTestStore(t, testConfig())
		var out []Entry
		for _, h := range history {
			e, err := s.Record(ctx, "s", h)
			require.NoError(t, err)
			out = append(out, e)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		assert.Equal(t, a[i].SurpriseScore, b[i].SurpriseScore, "entry %d", i)
	}

	s, _ := newTestStore(t, testConfig())
	first, err := s.Record(ctx, "s", "same words here")
	require.NoError(t, err)
	second, err := s.Record(ctx, "s", "same words here")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, s.Entries("s"), 2)
	assert.Less(t, second.SurpriseScore, first.SurpriseScore, "repeat is less surprising")
	assert.InDelta(t, 0, second.SurpriseScore, 1e-6)
}

func TestRecord_NeverExceedsBudget(t *testing.T) {
	cfg := testConfig()
	cfg.ShortTermTokens = 40
	cfg.MaxEntriesPerTier = 1000
	s, clock := newTestStore(t, cfg)
	r := rand.New(rand.NewSource(7))
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		_, err := s.Record(ctx, "s", randomText(r, 1+r.Intn(12)))
		require.NoError(t, err)
		clock.Advance(time.Second)

		st := s.Stats("s")
		require.LessOrEqual(t, st.ShortTermTokens, cfg.ShortTermTokens, "insert %d", i)
		require.LessOrEqual(t, st.LongTermTokens, cfg.LongTermTokens)
	}
	st := s.Stats("s")
	assert.Equal(t, 300, st.TotalRecorded)
	assert.Positive(t, st.TotalEvicted)
}

func TestRecord_EntryCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntriesPerTier = 3
	s, _ := newTestStore(t, cfg)
	for i := 0; i < 10; i++ {
		_, err := s.Record(context.Background(), "s", fmt.Sprintf("note number %d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Stats("s").ShortTermCount)
}

// Fifty equal-cost inserts into a budget that fits ten keep exactly the top
// ten by eviction key.
func TestRecord_RetainsTopByEvictionKey(t *testing.T) {
	ctx := context.Background()
	sample := fmt.Sprintf("%-8s %02d", vocabulary[0], 0)
	cost := RuneEstimator{}.Count(sample)

	cfg := testConfig()
	cfg.ShortTermTokens = 10 * cost
	cfg.MaxEntriesPerTier = 1000
	s, clock := newTestStore(t, cfg)

	r := rand.New(rand.NewSource(42))
	var all []Entry
	for i := 0; i < 50; i++ {
		text := fmt.Sprintf("%-8s %02d", vocabulary[r.Intn(len(vocabulary))], i)
		require.Equal(t, cost, RuneEstimator{}.Count(text))
		e, err := s.Record(ctx, "d", text)
		require.NoError(t, err)
		all = append(all, e)
		clock.Advance(time.Second)
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.SurpriseScore != b.SurpriseScore {
			return a.SurpriseScore > b.SurpriseScore
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.After(b.LastAccessedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	want := make([]string, 10)
	for i := range want {
		want[i] = all[i].ID
	}

	var got []string
	for _, e := range s.Entries("d") {
		got = append(got, e.ID)
	}
	assert.ElementsMatch(t, want, got)
	assert.Equal(t, 10*cost, s.Stats("d").ShortTermTokens)
}

func TestRetrieve_RanksAndUpdatesAccess(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, testConfig())

	_, err := s.Record(ctx, "s", "kubernetes deployment rollout failed")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = s.Record(ctx, "s", "banana bread recipe")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	got, err := s.Retrieve(ctx, "s", "why did the kubernetes rollout fail", Query{MaxEntries: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "kubernetes")
	assert.Equal(t, 1, got[0].AccessCount)
	assert.Equal(t, clock.Now(), got[0].LastAccessedAt)
}

func TestRetrieve_TokenBudgetPrefix(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, testConfig())
	for i := 0; i < 5; i++ {
		_, err := s.Record(ctx, "s", fmt.Sprintf("log line %d about the cache", i))
		require.NoError(t, err)
	}
	cost := s.Entries("s")[0].TokenCost

	got, err := s.Retrieve(ctx, "s", "cache", Query{TokenBudget: 2*cost + cost/2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Retrieve(ctx, "s", "cache", Query{})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	none, err := s.Retrieve(ctx, "unknown", "cache", Query{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetrieve_PromotesSurprisingEntries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PromotionThreshold = 0.7
	s, _ := newTestStore(t, cfg)

	first, err := s.Record(ctx, "s", "quantum entanglement experiment")
	require.NoError(t, err)
	require.Greater(t, first.SurpriseScore, 0.7)
	repeat, err := s.Record(ctx, "s", "quantum entanglement experiment")
	require.NoError(t, err)
	require.Less(t, repeat.SurpriseScore, 0.7)

	got, err := s.Retrieve(ctx, "s", "quantum", Query{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	tiers := map[string]Tier{}
	for _, e := range got {
		tiers[e.ID] = e.Tier
	}
	assert.Equal(t, TierLong, tiers[first.ID])
	assert.Equal(t, TierShort, tiers[repeat.ID])

	st := s.Stats("s")
	assert.Equal(t, 1, st.LongTermCount)
	assert.Equal(t, 1, st.TotalPromoted)
}

func TestRetrieve_LongOverflowDemotes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PromotionThreshold = 0.1
	texts := []string{"alpha bravo charlie", "xray yankee zulu", "kilo lima mike"}
	cost := RuneEstimator{}.Count(texts[0])
	cfg.LongTermTokens = cost
	s, _ := newTestStore(t, cfg)

	for _, text := range texts {
		_, err := s.Record(ctx, "s", text)
		require.NoError(t, err)
	}
	_, err := s.Retrieve(ctx, "s", "alpha xray kilo", Query{})
	require.NoError(t, err)

	st := s.Stats("s")
	assert.LessOrEqual(t, st.LongTermTokens, cfg.LongTermTokens)
	assert.Equal(t, 1, st.LongTermCount)
	assert.Equal(t, 2, st.ShortTermCount, "overflow is demoted, not dropped")
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Retention = time.Hour
	s, clock := newTestStore(t, cfg)

	_, err := s.Record(ctx, "old", "stale fact")
	require.NoError(t, err)
	_, err = s.Record(ctx, "keep", "older fact")
	require.NoError(t, err)
	clock.Advance(50 * time.Minute)
	_, err = s.Record(ctx, "keep", "fresh fact")
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)

	got, err := s.Retrieve(ctx, "keep", "fact", Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh fact", got[0].Content)

	assert.Equal(t, 1, s.Sweep(ctx))
	assert.Equal(t, 1, s.ActiveSessions())

	clock.Advance(2 * time.Hour)
	s.Sweep(ctx)
	assert.Empty(t, s.Sessions(), "idle empty sessions are dropped")
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, testConfig())
	_, err := s.Record(ctx, "a", "one")
	require.NoError(t, err)
	_, err = s.Record(ctx, "b", "two")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, s.Sessions())
	s.Clear(ctx, "a")
	assert.Equal(t, []string{"b"}, s.Sessions())
	assert.Equal(t, Stats{}, s.Stats("a"))

	e, err := s.Record(ctx, "a", "one")
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.SurpriseScore, "history is gone")
}

func TestRecord_ScrubsSecrets(t *testing.T) {
	sc, err := secrets.NewRules(secrets.DefaultRules(), nil, secrets.DefaultRedaction)
	require.NoError(t, err)
	s, _ := newTestStore(t, testConfig(), WithScrubber(sc))

	e, err := s.Record(context.Background(), "s", "my key is sk-abcdefghijklmnopqrstuvwxyz123")
	require.NoError(t, err)
	assert.NotContains(t, e.Content, "sk-abc")
	assert.Contains(t, e.Content, secrets.DefaultRedaction)
}

func TestStats_AvgSurpriseRecent(t *testing.T) {
	cfg := testConfig()
	cfg.SurpriseWindow = 2
	s, _ := newTestStore(t, cfg)
	ctx := context.Background()
	var scores []float64
	for _, text := range []string{"one fish", "two fish", "red fish"} {
		e, err := s.Record(ctx, "s", text)
		require.NoError(t, err)
		scores = append(scores, e.SurpriseScore)
	}
	assert.InDelta(t, (scores[1]+scores[2])/2, s.Stats("s").AvgSurpriseRecent, 1e-9)
}

func TestConcurrentAccess(t *testing.T) {
	cfg := testConfig()
	cfg.ShortTermTokens = 60
	cfg.LongTermTokens = 30
	cfg.PromotionThreshold = 0.2
	s, _ := newTestStore(t, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(g)))
			session := fmt.Sprintf("s%d", g%2)
			for i := 0; i < 40; i++ {
				if i%3 == 0 {
					_, err := s.Retrieve(ctx, session, randomText(r, 3), Query{MaxEntries: 4})
					assert.NoError(t, err)
					continue
				}
				_, err := s.Record(ctx, session, randomText(r, 1+r.Intn(8)))
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	for _, id := range s.Sessions() {
		st := s.Stats(id)
		assert.LessOrEqual(t, st.ShortTermTokens, cfg.ShortTermTokens)
		assert.LessOrEqual(t, st.LongTermTokens, cfg.LongTermTokens)
	}
}

// gatedEmbedder blocks EmbedQuery for one query text until release closes.
type gatedEmbedder struct {
	embeddings.Embedder
	query   string
	entered chan struct{}
	release chan struct{}
}

func newGatedEmbedder(query string) *gatedEmbedder {
	return &gatedEmbedder{
		Embedder: embeddings.NewHash(128),
		query:    query,
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
}

func (g *gatedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == g.query {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Embedder.EmbedQuery(ctx, text)
}

type retrieval struct {
	entries []Entry
	err     error
}

func retrieveAsync(s *Store, sessionID, query string) <-chan retrieval {
	done := make(chan retrieval, 1)
	go func() {
		got, err := s.Retrieve(context.Background(), sessionID, query, Query{})
		done <- retrieval{entries: got, err: err}
	}()
	return done
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func TestRetrieve_InFlightCandidatesSurviveEviction(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxEntriesPerTier = 3
	gate := newGatedEmbedder("which facts matter")
	clock := newClock()
	s := NewStore(cfg, gate, WithClock(clock.Now))

	kept := []string{"alpha bravo charlie", "alpha bravo delta", "alpha bravo echo"}
	for _, c := range kept {
		_, err := s.Record(ctx, "s", c)
		require.NoError(t, err)
	}

	done := retrieveAsync(s, "s", "which facts matter")
	<-gate.entered

	// The newcomer is the only unpinned entry, so it goes first even though
	// it is the most surprising one in the tier.
	e, err := s.Record(ctx, "s", "zulu yankee xray whiskey")
	require.NoError(t, err)
	assert.Greater(t, e.SurpriseScore, 0.0)
	assert.ElementsMatch(t, kept, contents(s.Entries("s")))
	assert.Equal(t, 1, s.Stats("s").TotalEvicted)

	close(gate.release)
	res := <-done
	require.NoError(t, res.err)
	assert.ElementsMatch(t, kept, contents(res.entries))

	st := s.Stats("s")
	assert.LessOrEqual(t, st.ShortTermCount, cfg.MaxEntriesPerTier)
	assert.LessOrEqual(t, st.LongTermCount, cfg.MaxEntriesPerTier)
}

func TestEnforce_FallsBackToPinnedEntries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxEntriesPerTier = 3
	s, _ := newTestStore(t, cfg)

	var recorded []Entry
	for _, c := range []string{"alpha bravo charlie", "delta echo foxtrot", "alpha bravo golf"} {
		e, err := s.Record(ctx, "s", c)
		require.NoError(t, err)
		recorded = append(recorded, e)
	}
	sort.SliceStable(recorded, func(i, j int) bool {
		return recorded[i].SurpriseScore < recorded[j].SurpriseScore
	})
	require.NotEqual(t, recorded[0].SurpriseScore, recorded[1].SurpriseScore)

	p, err := s.partition("s", false)
	require.NoError(t, err)
	p.mu.Lock()
	for _, it := range p.items {
		it.pins++
	}
	s.cfg.MaxEntriesPerTier = 2
	s.enforceShortLocked(ctx, p)
	p.mu.Unlock()

	entries := s.Entries("s")
	require.Len(t, entries, 2, "the budget holds even when every entry is pinned")
	for _, e := range entries {
		assert.NotEqual(t, recorded[0].ID, e.ID, "lowest surprise goes first")
	}
}

func TestRetrieve_CandidatesExpiredWhileEmbedding(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Retention = time.Hour
	gate := newGatedEmbedder("alpha")
	clock := newClock()
	s := NewStore(cfg, gate, WithClock(clock.Now))

	for _, c := range []string{"alpha old one", "alpha old two"} {
		_, err := s.Record(ctx, "s", c)
		require.NoError(t, err)
	}
	clock.Advance(30 * time.Minute)
	_, err := s.Record(ctx, "s", "alpha fresh")
	require.NoError(t, err)

	done := retrieveAsync(s, "s", "alpha")
	<-gate.entered

	// Expiry ignores pins, so the index now holds fewer entries than the
	// retrieval pinned.
	clock.Advance(40 * time.Minute)
	_, err = s.Record(ctx, "s", "alpha newest")
	require.NoError(t, err)
	require.Len(t, s.Entries("s"), 2)

	close(gate.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []string{"alpha fresh"}, contents(res.entries))
}

func TestMetricsAndLogging(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tl := logging.NewTestLogger()
	cfg := testConfig()
	cfg.MaxEntriesPerTier = 1
	s, _ := newTestStore(t, cfg, WithLogger(tl.Zap()), WithMeter(tt.Meter("test")))
	ctx := context.Background()

	_, err := s.Record(ctx, "s", "first")
	require.NoError(t, err)
	_, err = s.Record(ctx, "s", "second")
	require.NoError(t, err)

	assert.Equal(t, int64(2), tt.CounterValue(ctx, "memory.entries.recorded.total"))
	assert.Equal(t, int64(1), tt.CounterValue(ctx, "memory.entries.evicted.total"))
	tl.AssertField(t, "memory evicted", "session.id", "s")
}
