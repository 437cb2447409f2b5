package memory

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// Tier is the retention class of an entry.
type Tier string

const (
	TierShort Tier = "short"
	TierLong  Tier = "long"
)

// Entry is one stored memory. SurpriseScore is fixed at insertion.
type Entry struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	Tier           Tier      `json:"tier"`
	SurpriseScore  float64   `json:"surprise_score"`
	TokenCost      int       `json:"token_cost"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
}

// Query bounds a retrieval. Zero values mean unlimited.
type Query struct {
	MaxEntries  int
	TokenBudget int
}

// Stats summarizes one session's memory.
type Stats struct {
	ShortTermCount    int     `json:"short_term_count"`
	LongTermCount     int     `json:"long_term_count"`
	ShortTermTokens   int     `json:"short_term_tokens"`
	LongTermTokens    int     `json:"long_term_tokens"`
	AvgSurpriseRecent float64 `json:"avg_surprise_recent"`
	TotalRecorded     int     `json:"total_recorded"`
	TotalEvicted      int     `json:"total_evicted"`
	TotalPromoted     int     `json:"total_promoted"`
}

// Tokenizer estimates the token cost of text.
type Tokenizer interface {
	Count(text string) int
}

// RuneEstimator charges one token per four runes, minimum one.
type RuneEstimator struct{}

func (RuneEstimator) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 1
	}
	return int(math.Ceil(float64(n) / 4))
}

// Config tunes the store.
type Config struct {
	ShortTermTokens    int
	LongTermTokens     int
	MaxEntriesPerTier  int
	PromotionThreshold float64
	Retention          time.Duration
	RelevanceWeight    float64
	RecencyWeight      float64
	RecencyHalfLife    time.Duration
	SurpriseWindow     int
}

// ConfigFrom maps the memory config section.
func ConfigFrom(c config.MemoryConfig) Config {
	return Config{
		ShortTermTokens:    c.ShortTermTokens,
		LongTermTokens:     c.LongTermTokens,
		MaxEntriesPerTier:  c.MaxEntriesPerTier,
		PromotionThreshold: c.PromotionThreshold,
		Retention:          c.Retention,
		RelevanceWeight:    c.RelevanceWeight,
		RecencyWeight:      c.RecencyWeight,
		RecencyHalfLife:    c.RecencyHalfLife,
		SurpriseWindow:     c.SurpriseWindow,
	}
}

// DefaultConfig mirrors config.Default().Memory.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Memory)
}

func (c Config) budget(t Tier) int {
	if t == TierLong {
		return c.LongTermTokens
	}
	return c.ShortTermTokens
}
