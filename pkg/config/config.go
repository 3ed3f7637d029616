// Package config loads and validates the engine's system configuration
// document (config/system.yaml) and holds it behind a package-level
// singleton, mirroring the teacher repo's config-singleton idiom.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"autosint/pkg/resilience/circuit"
	"autosint/pkg/resilience/retry"
)

// SafetyLimits bounds investigation and session lifecycles.
type SafetyLimits struct {
	MaxCyclesPerInvestigation       int `yaml:"max_cycles_per_investigation"`
	MaxTurnsPerAnalystSession       int `yaml:"max_turns_per_analyst_session"`
	MaxTurnsPerProcessorSession     int `yaml:"max_turns_per_processor_session"`
	MaxWorkOrdersPerCycle           int `yaml:"max_work_orders_per_cycle"`
	HeartbeatTTLSeconds             int `yaml:"heartbeat_ttl_seconds"`
	ConsecutiveAllFailLimit         int `yaml:"consecutive_all_fail_limit"`
	MaxConsecutiveMalformedToolCall int `yaml:"max_consecutive_malformed_tool_calls"`
}

// HeartbeatTTL returns the configured heartbeat TTL as a time.Duration.
func (s SafetyLimits) HeartbeatTTL() time.Duration {
	return time.Duration(s.HeartbeatTTLSeconds) * time.Second
}

// ConcurrencyConfig sizes worker pools.
type ConcurrencyConfig struct {
	ProcessorPoolSize int `yaml:"processor_pool_size"`
	BrowserContextCap int `yaml:"browser_context_cap"`
}

// LLMRoleConfig configures the provider/model used for one session role.
type LLMRoleConfig struct {
	Provider string `yaml:"provider"` // "anthropic", "openai", or "gemini"
	Model    string `yaml:"model"`
	// MaxHistoryTokens bounds the tool-call/tool-result history a session
	// carries into each turn's request, independent of MaxTokens (which
	// bounds the completion). Zero disables truncation.
	MaxHistoryTokens int      `yaml:"max_history_tokens,omitempty"`
	MaxTokens        int      `yaml:"max_tokens"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	BaseURL          string   `yaml:"base_url,omitempty"`
	APIKeyEnv        string   `yaml:"api_key_env,omitempty"`
}

// LLMConfig configures the Analyst and Processor roles independently, per
// spec.md's polymorphism-over-providers design note.
type LLMConfig struct {
	Analyst   LLMRoleConfig `yaml:"analyst"`
	Processor LLMRoleConfig `yaml:"processor"`
}

// EmbeddingConfig configures the embedding pipeline.
type EmbeddingConfig struct {
	Provider                string `yaml:"provider"`
	Model                   string `yaml:"model"`
	Dimensions              int    `yaml:"dimensions"`
	BatchSize               int    `yaml:"batch_size"`
	BackfillIntervalMinutes int    `yaml:"backfill_interval_minutes"`
	BaseURL                 string `yaml:"base_url,omitempty"`
	APIKeyEnv               string `yaml:"api_key_env,omitempty"`
}

// BackfillInterval returns the backfill interval as a time.Duration.
func (e EmbeddingConfig) BackfillInterval() time.Duration {
	return time.Duration(e.BackfillIntervalMinutes) * time.Minute
}

// DedupConfig sets similarity thresholds for the entity-dedup cascade.
type DedupConfig struct {
	FuzzyThreshold     float64 `yaml:"fuzzy_threshold"`
	EmbeddingThreshold float64 `yaml:"embedding_threshold"`
}

// RetryTargetConfig is the YAML-facing form of one target's retry policy.
type RetryTargetConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Jitter            bool    `yaml:"jitter"`
}

// Policy converts this target's config into a retry.Config.
func (c RetryTargetConfig) Policy() retry.Config {
	return retry.Config{
		MaxAttempts:   c.MaxAttempts,
		InitialDelay:  time.Duration(c.InitialBackoffMs) * time.Millisecond,
		MaxDelay:      time.Duration(c.MaxBackoffMs) * time.Millisecond,
		BackoffFactor: c.BackoffMultiplier,
		Jitter:        c.Jitter,
	}
}

// RetryDefaults holds the default per-target retry policies.
type RetryDefaults struct {
	LLMAPI          RetryTargetConfig `yaml:"llm_api"`
	Databases       RetryTargetConfig `yaml:"databases"`
	ExternalModules RetryTargetConfig `yaml:"external_modules"`
}

// CacheConfig sets cache TTLs for external-module results.
type CacheConfig struct {
	FetchTTLSeconds int `yaml:"fetch_ttl_seconds"`
}

// ToolResultLimits bounds the size of tool_result payloads returned to the LLM.
type ToolResultLimits struct {
	MaxSearchResults     int `yaml:"max_search_results"`
	MaxEntityDetailChars int `yaml:"max_entity_detail_chars"`
	MaxClaimPreviewChars int `yaml:"max_claim_preview_chars"`
}

// CircuitBreakerConfig sets the shared failure/recovery thresholds used to
// build a circuit.Registry.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
	CooldownSeconds  int           `yaml:"cooldown_seconds"`
}

// Breaker converts this into a circuit.Config.
func (c CircuitBreakerConfig) Breaker() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.FailureThreshold,
		HalfOpenProbes:   c.HalfOpenProbes,
		Cooldown:         time.Duration(c.CooldownSeconds) * time.Second,
	}
}

// StoreConfig holds connection settings for the relational and graph stores
// and the queue. These are sourced from env vars by convention (matching the
// teacher's env-var-name-constants pattern) rather than the YAML document,
// since they are deployment-environment secrets, not tunable behavior.
type StoreConfig struct {
	RelationalDSNEnv string `yaml:"relational_dsn_env"`
	GraphURIEnv      string `yaml:"graph_uri_env"`
	GraphUserEnv     string `yaml:"graph_user_env"`
	GraphPasswordEnv string `yaml:"graph_password_env"`
	RedisAddrEnv     string `yaml:"redis_addr_env"`
}

// ExternalModuleConfig holds the base URLs for the soft-dependency modules.
type ExternalModuleConfig struct {
	FetchBaseURL  string `yaml:"fetch_base_url"`
	GeoBaseURL    string `yaml:"geo_base_url"`
	ScribeBaseURL string `yaml:"scribe_base_url"`
}

// Config is the fully validated system configuration document.
type Config struct {
	Safety          SafetyLimits          `yaml:"safety"`
	Concurrency     ConcurrencyConfig     `yaml:"concurrency"`
	LLM             LLMConfig             `yaml:"llm"`
	Embeddings      EmbeddingConfig       `yaml:"embeddings"`
	Dedup           DedupConfig           `yaml:"dedup"`
	Retry           RetryDefaults         `yaml:"retry"`
	Cache           CacheConfig           `yaml:"cache"`
	ToolResults     ToolResultLimits      `yaml:"tool_results"`
	CircuitBreaker  CircuitBreakerConfig  `yaml:"circuit_breaker"`
	Stores          StoreConfig           `yaml:"stores"`
	ExternalModules ExternalModuleConfig  `yaml:"external_modules"`
}

//nolint:gochecknoglobals // package-level singleton, mirrors the teacher's config package
var (
	mu  sync.RWMutex
	cfg *Config
)

// Load reads and validates the system configuration document at path,
// applies defaults for anything left unset, and installs it as the process
// singleton. It does not create a default file when one is missing — the
// engine refuses to start without an explicit configuration, unlike the
// teacher's auto-provisioning loader.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(&c)

	if err := validate(&c); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	mu.Lock()
	cfg = &c
	mu.Unlock()

	return &c, nil
}

// Get returns the currently loaded configuration. Panics if Load has not
// been called — matching the teacher's MustGetProjectDir fail-loudly style,
// since the engine cannot run without a validated configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()

	if cfg == nil {
		panic("config: Get called before Load")
	}
	return cfg
}

// SetForTesting installs c as the singleton, for use by package tests that
// need a Config without reading a file from disk.
func SetForTesting(c *Config) {
	mu.Lock()
	cfg = c
	mu.Unlock()
}

func applyDefaults(c *Config) {
	if c.Safety.HeartbeatTTLSeconds == 0 {
		c.Safety.HeartbeatTTLSeconds = 30
	}
	if c.Concurrency.ProcessorPoolSize == 0 {
		c.Concurrency.ProcessorPoolSize = 4
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if c.Embeddings.APIKeyEnv == "" {
		c.Embeddings.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.HalfOpenProbes == 0 {
		c.CircuitBreaker.HalfOpenProbes = 3
	}
	if c.CircuitBreaker.CooldownSeconds == 0 {
		c.CircuitBreaker.CooldownSeconds = 30
	}
	if c.Stores.RelationalDSNEnv == "" {
		c.Stores.RelationalDSNEnv = "AUTOSINT_RELATIONAL_DSN"
	}
	if c.Stores.GraphURIEnv == "" {
		c.Stores.GraphURIEnv = "AUTOSINT_GRAPH_URI"
	}
	if c.Stores.GraphUserEnv == "" {
		c.Stores.GraphUserEnv = "AUTOSINT_GRAPH_USER"
	}
	if c.Stores.GraphPasswordEnv == "" {
		c.Stores.GraphPasswordEnv = "AUTOSINT_GRAPH_PASSWORD"
	}
	if c.Stores.RedisAddrEnv == "" {
		c.Stores.RedisAddrEnv = "AUTOSINT_REDIS_ADDR"
	}
}

func validate(c *Config) error {
	if c.Safety.MaxCyclesPerInvestigation <= 0 {
		return fmt.Errorf("safety.max_cycles_per_investigation must be > 0")
	}
	if c.Safety.MaxTurnsPerAnalystSession <= 0 {
		return fmt.Errorf("safety.max_turns_per_analyst_session must be > 0")
	}
	if c.Safety.MaxTurnsPerProcessorSession <= 0 {
		return fmt.Errorf("safety.max_turns_per_processor_session must be > 0")
	}
	if c.Safety.MaxConsecutiveMalformedToolCall <= 0 {
		return fmt.Errorf("safety.max_consecutive_malformed_tool_calls must be > 0")
	}
	if c.Concurrency.ProcessorPoolSize <= 0 {
		return fmt.Errorf("concurrency.processor_pool_size must be > 0")
	}

	for _, role := range []struct {
		name string
		cfg  LLMRoleConfig
	}{{"analyst", c.LLM.Analyst}, {"processor", c.LLM.Processor}} {
		switch role.cfg.Provider {
		case "anthropic", "openai", "gemini":
		default:
			return fmt.Errorf("llm.%s.provider %q unsupported (want anthropic, openai, or gemini)", role.name, role.cfg.Provider)
		}
		if role.cfg.Model == "" {
			return fmt.Errorf("llm.%s.model must not be empty", role.name)
		}
		if role.cfg.MaxTokens <= 0 {
			return fmt.Errorf("llm.%s.max_tokens must be > 0", role.name)
		}
		if role.cfg.Temperature != nil && (*role.cfg.Temperature < 0 || *role.cfg.Temperature > 1) {
			return fmt.Errorf("llm.%s.temperature must be in [0,1]", role.name)
		}
	}

	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be > 0")
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be > 0")
	}

	if c.Dedup.FuzzyThreshold < 0 || c.Dedup.FuzzyThreshold > 1 {
		return fmt.Errorf("dedup.fuzzy_threshold must be in [0,1]")
	}
	if c.Dedup.EmbeddingThreshold < 0 || c.Dedup.EmbeddingThreshold > 1 {
		return fmt.Errorf("dedup.embedding_threshold must be in [0,1]")
	}

	for _, t := range []struct {
		name string
		cfg  RetryTargetConfig
	}{{"llm_api", c.Retry.LLMAPI}, {"databases", c.Retry.Databases}, {"external_modules", c.Retry.ExternalModules}} {
		if t.cfg.MaxAttempts <= 0 {
			return fmt.Errorf("retry.%s.max_attempts must be > 0", t.name)
		}
	}

	if c.ToolResults.MaxSearchResults <= 0 {
		return fmt.Errorf("tool_results.max_search_results must be > 0")
	}
	if c.ToolResults.MaxEntityDetailChars <= 0 {
		return fmt.Errorf("tool_results.max_entity_detail_chars must be > 0")
	}
	if c.ToolResults.MaxClaimPreviewChars <= 0 {
		return fmt.Errorf("tool_results.max_claim_preview_chars must be > 0")
	}

	return nil
}
