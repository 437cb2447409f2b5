// Package config provides configuration loading for agentd.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file
// and AGENTD_-prefixed environment variables. Component packages receive
// their section of Config by value at construction time.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete agentd configuration.
type Config struct {
	Agent         AgentConfig         `koanf:"agent"`
	Server        ServerConfig        `koanf:"server"`
	LLM           LLMConfig           `koanf:"llm"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Analyzer      AnalyzerConfig      `koanf:"analyzer"`
	Engine        EngineConfig        `koanf:"engine"`
	Synth         SynthConfig         `koanf:"synth"`
	Memory        MemoryConfig        `koanf:"memory"`
	Session       SessionConfig       `koanf:"session"`
	Secrets       SecretsConfig       `koanf:"secrets"`
	PlanStore     PlanStoreConfig     `koanf:"planstore"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
	Capabilities  []CapabilitySpec    `koanf:"capabilities"`
}

// AgentConfig identifies this agent instance in logs, spans and MCP info.
type AgentConfig struct {
	Name string `koanf:"name"`
	ID   string `koanf:"id"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LLMConfig configures the OpenAI-compatible completion provider.
// An empty Model disables LLM assistance everywhere.
type LLMConfig struct {
	Provider    string        `koanf:"provider"` // "openai" or "none"
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	APIKey      Secret        `koanf:"api_key"`
	Temperature float64       `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	Timeout     time.Duration `koanf:"timeout"`
	RateLimit   float64       `koanf:"rate_limit"` // requests per second
	Burst       int           `koanf:"burst"`
	MaxRetries  int           `koanf:"max_retries"`
}

// Enabled reports whether an LLM provider should be constructed.
func (c LLMConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != "none" && c.Model != ""
}

// EmbeddingsConfig selects the representation model used for memory.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"` // "hash" or "openai"
	Dimension int    `koanf:"dimension"`
	BaseURL   string `koanf:"base_url"`
	Model     string `koanf:"model"`
	APIKey    Secret `koanf:"api_key"`
}

// AnalyzerConfig tunes query analysis.
type AnalyzerConfig struct {
	MinConfidence     float64 `koanf:"min_confidence"`
	LLMAssistBelow    float64 `koanf:"llm_assist_below"`
	DefaultCapability string  `koanf:"default_capability"`
	UseLLM            bool    `koanf:"use_llm"`
}

// EngineConfig tunes plan execution.
type EngineConfig struct {
	MaxRetries            int           `koanf:"max_retries"`
	RetryBackoff          time.Duration `koanf:"retry_backoff"`
	MaxBackoff            time.Duration `koanf:"max_backoff"`
	StepTimeout           time.Duration `koanf:"step_timeout"`
	RequestTimeout        time.Duration `koanf:"request_timeout"`
	MaxConcurrency        int           `koanf:"max_concurrency"`
	ParallelMinConfidence float64       `koanf:"parallel_min_confidence"`
}

// SynthConfig selects how step outputs are merged.
type SynthConfig struct {
	Mode          string `koanf:"mode"` // "concat" or "llm"
	IncludeMemory bool   `koanf:"include_memory"`
}

// MemoryConfig tunes the adaptive memory store.
type MemoryConfig struct {
	ShortTermTokens     int           `koanf:"short_term_tokens"`
	LongTermTokens      int           `koanf:"long_term_tokens"`
	MaxEntriesPerTier   int           `koanf:"max_interactions_per_session"`
	PromotionThreshold  float64       `koanf:"promotion_threshold"`
	Retention           time.Duration `koanf:"session_timeout"`
	SweepInterval       time.Duration `koanf:"sweep_interval"`
	RetrieveMaxEntries  int           `koanf:"retrieve_max_entries"`
	RetrieveTokenBudget int           `koanf:"max_context_tokens"`
	RelevanceWeight     float64       `koanf:"relevance_weight"`
	RecencyWeight       float64       `koanf:"recency_weight"`
	RecencyHalfLife     time.Duration `koanf:"recency_half_life"`
	SurpriseWindow      int           `koanf:"surprise_window"`
}

// SessionConfig tunes the coordinator.
type SessionConfig struct {
	HistorySize int           `koanf:"history_size"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// SecretsConfig controls scrubbing of memory content and front-end output.
type SecretsConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Engine    string   `koanf:"engine"` // "rules" or "gitleaks"
	Redaction string   `koanf:"redaction_string"`
	AllowList []string `koanf:"allow_list"`
}

// PlanStoreConfig selects where plan records are persisted.
// An empty Path keeps records in memory.
type PlanStoreConfig struct {
	Path string `koanf:"path"`
}

// EventsConfig controls step lifecycle event publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ObservabilityConfig holds OpenTelemetry and logging settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name"`
	SampleRate      float64 `koanf:"sample_rate"`
	LogLevel        string  `koanf:"log_level"`
	LogFormat       string  `koanf:"log_format"`
}

// CapabilitySpec declares a prompt-backed capability.
type CapabilitySpec struct {
	Name        string   `koanf:"name"`
	Description string   `koanf:"description"`
	Keywords    []string `koanf:"keywords"`
	DependsOn   []string `koanf:"depends_on"`
	Optional    bool     `koanf:"optional"`
	Prompt      string   `koanf:"prompt"`
}

// Default returns configuration with defaults applied.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name: "agentd",
			ID:   "agentd-local",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "none",
			BaseURL:     "https://api.openai.com/v1",
			Temperature: 0.3,
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
			RateLimit:   2,
			Burst:       4,
			MaxRetries:  3,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "hash",
			Dimension: 256,
		},
		Analyzer: AnalyzerConfig{
			MinConfidence:  0.3,
			LLMAssistBelow: 0.6,
			UseLLM:         true,
		},
		Engine: EngineConfig{
			MaxRetries:            2,
			RetryBackoff:          100 * time.Millisecond,
			MaxBackoff:            2 * time.Second,
			StepTimeout:           30 * time.Second,
			RequestTimeout:        2 * time.Minute,
			MaxConcurrency:        8,
			ParallelMinConfidence: 0.5,
		},
		Synth: SynthConfig{
			Mode:          "concat",
			IncludeMemory: true,
		},
		Memory: MemoryConfig{
			ShortTermTokens:     4000,
			LongTermTokens:      8000,
			MaxEntriesPerTier:   100,
			PromotionThreshold:  0.7,
			Retention:           48 * time.Hour,
			SweepInterval:       10 * time.Minute,
			RetrieveMaxEntries:  5,
			RetrieveTokenBudget: 1000,
			RelevanceWeight:     0.7,
			RecencyWeight:       0.3,
			RecencyHalfLife:     time.Hour,
			SurpriseWindow:      10,
		},
		Session: SessionConfig{
			HistorySize: 50,
			IdleTimeout: 48 * time.Hour,
		},
		Secrets: SecretsConfig{
			Enabled:   true,
			Engine:    "rules",
			Redaction: "[REDACTED]",
		},
		Events: EventsConfig{
			SubjectPrefix: "agentd.plans",
		},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "agentd",
			SampleRate:  1.0,
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Validate validates the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	if c.LLM.Enabled() && c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required when a provider is configured"))
	}

	switch c.Embeddings.Provider {
	case "hash":
		if c.Embeddings.Dimension < 8 {
			errs = append(errs, fmt.Errorf("embeddings.dimension must be >= 8, got %d", c.Embeddings.Dimension))
		}
	case "openai":
		if c.Embeddings.Model == "" || c.Embeddings.BaseURL == "" {
			errs = append(errs, errors.New("embeddings.model and embeddings.base_url are required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}

	if !inUnit(c.Analyzer.MinConfidence) {
		errs = append(errs, fmt.Errorf("analyzer.min_confidence must be in [0,1], got %v", c.Analyzer.MinConfidence))
	}
	if !inUnit(c.Analyzer.LLMAssistBelow) {
		errs = append(errs, fmt.Errorf("analyzer.llm_assist_below must be in [0,1], got %v", c.Analyzer.LLMAssistBelow))
	}

	if c.Engine.MaxRetries < 0 {
		errs = append(errs, errors.New("engine.max_retries must be >= 0"))
	}
	if c.Engine.MaxConcurrency < 1 {
		errs = append(errs, errors.New("engine.max_concurrency must be >= 1"))
	}
	if c.Engine.StepTimeout <= 0 || c.Engine.RequestTimeout <= 0 {
		errs = append(errs, errors.New("engine timeouts must be positive"))
	}
	if !inUnit(c.Engine.ParallelMinConfidence) {
		errs = append(errs, errors.New("engine.parallel_min_confidence must be in [0,1]"))
	}

	if c.Synth.Mode != "concat" && c.Synth.Mode != "llm" {
		errs = append(errs, fmt.Errorf("synth.mode must be 'concat' or 'llm', got %q", c.Synth.Mode))
	}

	if c.Memory.ShortTermTokens <= 0 || c.Memory.LongTermTokens <= 0 {
		errs = append(errs, errors.New("memory tier token budgets must be positive"))
	}
	if c.Memory.MaxEntriesPerTier <= 0 {
		errs = append(errs, errors.New("memory.max_interactions_per_session must be positive"))
	}
	if !inUnit(c.Memory.PromotionThreshold) {
		errs = append(errs, errors.New("memory.promotion_threshold must be in [0,1]"))
	}
	if c.Memory.Retention < 0 {
		errs = append(errs, errors.New("memory.session_timeout cannot be negative"))
	}

	if c.Secrets.Enabled && c.Secrets.Engine != "rules" && c.Secrets.Engine != "gitleaks" {
		errs = append(errs, fmt.Errorf("secrets.engine must be 'rules' or 'gitleaks', got %q", c.Secrets.Engine))
	}

	seen := make(map[string]bool, len(c.Capabilities))
	for i, spec := range c.Capabilities {
		if spec.Name == "" {
			errs = append(errs, fmt.Errorf("capabilities[%d]: name is required", i))
			continue
		}
		if seen[spec.Name] {
			errs = append(errs, fmt.Errorf("capabilities[%d]: duplicate name %q", i, spec.Name))
		}
		seen[spec.Name] = true
		if spec.Prompt == "" {
			errs = append(errs, fmt.Errorf("capability %s: prompt is required", spec.Name))
		}
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("service name required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
