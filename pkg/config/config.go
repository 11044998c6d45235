package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to every dotted key when read from the environment,
	// e.g. AGENTCTX_TOKEN_BUDGET_MAX_TOKENS.
	EnvPrefix = "AGENTCTX"

	configName = "agentctx"
	configDir  = ".agentctx"
)

// Config holds the application configuration
type Config struct {
	Timeout     TimeoutConfig     `mapstructure:"timeout" yaml:"timeout"`
	Degradation DegradationConfig `mapstructure:"degradation" yaml:"degradation"`
	Events      EventsConfig      `mapstructure:"events" yaml:"events"`
	Memory      MemoryConfig      `mapstructure:"memory" yaml:"memory"`
	TokenBudget TokenBudgetConfig `mapstructure:"token_budget" yaml:"token_budget"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
}

// TimeoutConfig contains the tier durations and breaker tuning
type TimeoutConfig struct {
	Operations     OperationsConfig     `mapstructure:"operations" yaml:"operations"`
	GraceMS        int                  `mapstructure:"grace_ms" yaml:"grace_ms"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Fallback       FallbackConfig       `mapstructure:"fallback" yaml:"fallback"`
}

// OperationsConfig holds the T1..T5 durations in milliseconds
type OperationsConfig struct {
	CacheLookup int `mapstructure:"cache_lookup" yaml:"cache_lookup"`
	FileRead    int `mapstructure:"file_read" yaml:"file_read"`
	LayerLoad   int `mapstructure:"layer_load" yaml:"layer_load"`
	FullLoad    int `mapstructure:"full_load" yaml:"full_load"`
	Analysis    int `mapstructure:"analysis" yaml:"analysis"`
}

// Durations returns the tier durations ordered T1..T5.
func (o OperationsConfig) Durations() []time.Duration {
	return []time.Duration{
		ms(o.CacheLookup),
		ms(o.FileRead),
		ms(o.LayerLoad),
		ms(o.FullLoad),
		ms(o.Analysis),
	}
}

// CircuitBreakerConfig contains breaker thresholds
type CircuitBreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold" yaml:"success_threshold"`
	ResetTimeoutMS   int `mapstructure:"reset_timeout_ms" yaml:"reset_timeout_ms"`
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// FallbackConfig selects what a timed out call hands back
type FallbackConfig struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}

// DegradationConfig declares the features each level disables
type DegradationConfig struct {
	// Levels is keyed l1..l4; viper lowercases keys.
	Levels             map[string][]string `mapstructure:"levels" yaml:"levels"`
	RecoveryIntervalMS int                 `mapstructure:"recovery_interval_ms" yaml:"recovery_interval_ms"`
}

// EventsConfig contains event bus configuration
type EventsConfig struct {
	HandlerTimeoutMS int `mapstructure:"handler_timeout_ms" yaml:"handler_timeout_ms"`
}

// MemoryConfig contains persistence and retention configuration
type MemoryConfig struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
}

// CacheConfig selects the checkpoint cache. The redis cache shares the
// store's redis_addr and redis_db.
type CacheConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	TTLMS      int    `mapstructure:"ttl_ms" yaml:"ttl_ms"`
	MaxEntries int    `mapstructure:"max_entries" yaml:"max_entries"`
}

// StoreConfig selects and addresses the persistence backend
type StoreConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Path      string `mapstructure:"path" yaml:"path"`
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db" yaml:"redis_db"`
	Retries   int    `mapstructure:"retries" yaml:"retries"`
}

// RetentionConfig contains eviction policy
type RetentionConfig struct {
	MaxAgeDays  int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxEntries  int    `mapstructure:"max_entries" yaml:"max_entries"`
	MinPriority int    `mapstructure:"min_priority" yaml:"min_priority"`
	Strategy    string `mapstructure:"strategy" yaml:"strategy"`
}

// TokenBudgetConfig contains context window accounting
type TokenBudgetConfig struct {
	MaxTokens        int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	ReservedTokens   int               `mapstructure:"reserved_tokens" yaml:"reserved_tokens"`
	SummaryMaxTokens int               `mapstructure:"summary_max_tokens" yaml:"summary_max_tokens"`
	HandoffMaxTokens int               `mapstructure:"handoff_max_tokens" yaml:"handoff_max_tokens"`
	Thresholds       ThresholdsConfig  `mapstructure:"thresholds" yaml:"thresholds"`
	AutoActions      AutoActionsConfig `mapstructure:"auto_actions" yaml:"auto_actions"`
}

// ThresholdsConfig holds usage fractions
type ThresholdsConfig struct {
	Caution  float64 `mapstructure:"caution" yaml:"caution"`
	Warning  float64 `mapstructure:"warning" yaml:"warning"`
	Critical float64 `mapstructure:"critical" yaml:"critical"`
	Overflow float64 `mapstructure:"overflow" yaml:"overflow"`
}

// AutoActionsConfig toggles automatic budget actions
type AutoActionsConfig struct {
	AutoSummarize bool `mapstructure:"auto_summarize" yaml:"auto_summarize"`
	AutoPrune     bool `mapstructure:"auto_prune" yaml:"auto_prune"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig contains Prometheus exposition configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint" yaml:"jaeger_endpoint"`
	SamplingRate   float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
}

// Load reads configuration from an optional file, a .env file in the working
// directory and AGENTCTX_* environment variables, in increasing precedence.
// An empty path searches ./agentctx.* and ~/.agentctx/agentctx.*.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, configDir))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates a populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// SetDefaults registers every known key. AutomaticEnv only binds keys viper
// already knows about, so each key needs a default here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("timeout.operations.cache_lookup", 100)
	v.SetDefault("timeout.operations.file_read", 500)
	v.SetDefault("timeout.operations.layer_load", 2000)
	v.SetDefault("timeout.operations.full_load", 5000)
	v.SetDefault("timeout.operations.analysis", 30000)
	v.SetDefault("timeout.grace_ms", 50)
	v.SetDefault("timeout.circuit_breaker.failure_threshold", 5)
	v.SetDefault("timeout.circuit_breaker.success_threshold", 2)
	v.SetDefault("timeout.circuit_breaker.reset_timeout_ms", 30000)
	v.SetDefault("timeout.circuit_breaker.half_open_max_calls", 1)
	v.SetDefault("timeout.fallback.strategy", "graceful")

	v.SetDefault("degradation.levels", map[string][]string{
		"l1": {"analysis", "doc_generation"},
		"l2": {"full_load", "plugin_discovery"},
		"l3": {"layer_load", "semantic_search"},
		"l4": {"memory_write", "auto_summarize"},
	})
	v.SetDefault("degradation.recovery_interval_ms", 30000)

	v.SetDefault("events.handler_timeout_ms", 5000)

	defaultPath := filepath.Join(configDir, "memory")
	if home, err := os.UserHomeDir(); err == nil {
		defaultPath = filepath.Join(home, configDir, "memory")
	}
	v.SetDefault("memory.store.backend", "file")
	v.SetDefault("memory.store.path", defaultPath)
	v.SetDefault("memory.store.dsn", "")
	v.SetDefault("memory.store.redis_addr", "localhost:6379")
	v.SetDefault("memory.store.redis_db", 0)
	v.SetDefault("memory.store.retries", 2)
	v.SetDefault("memory.retention.max_age_days", 30)
	v.SetDefault("memory.retention.max_entries", 10000)
	v.SetDefault("memory.retention.min_priority", 75)
	v.SetDefault("memory.retention.strategy", "lru")
	v.SetDefault("memory.cache.backend", "memory")
	v.SetDefault("memory.cache.ttl_ms", 3600000)
	v.SetDefault("memory.cache.max_entries", 256)

	v.SetDefault("token_budget.max_tokens", 128000)
	v.SetDefault("token_budget.reserved_tokens", 4000)
	v.SetDefault("token_budget.summary_max_tokens", 512)
	v.SetDefault("token_budget.handoff_max_tokens", 8000)
	v.SetDefault("token_budget.thresholds.caution", 0.70)
	v.SetDefault("token_budget.thresholds.warning", 0.80)
	v.SetDefault("token_budget.thresholds.critical", 0.90)
	v.SetDefault("token_budget.thresholds.overflow", 0.95)
	v.SetDefault("token_budget.auto_actions.auto_summarize", true)
	v.SetDefault("token_budget.auto_actions.auto_prune", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "agentctx")
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "agentctx")
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sampling_rate", 1.0)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	durations := c.Timeout.Operations.Durations()
	for i, d := range durations {
		if d <= 0 {
			return fmt.Errorf("timeout tier T%d must be positive", i+1)
		}
		if i > 0 && d <= durations[i-1] {
			return fmt.Errorf("timeout tier T%d (%s) must be longer than T%d (%s)", i+1, d, i, durations[i-1])
		}
	}
	if c.Timeout.GraceMS < 0 {
		return fmt.Errorf("timeout grace must not be negative")
	}

	cb := c.Timeout.CircuitBreaker
	if cb.FailureThreshold < 1 || cb.SuccessThreshold < 1 || cb.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit breaker thresholds must be at least 1")
	}
	if cb.ResetTimeoutMS <= 0 {
		return fmt.Errorf("circuit breaker reset timeout must be positive")
	}

	switch c.Timeout.Fallback.Strategy {
	case "graceful", "strict", "none":
	default:
		return fmt.Errorf("unsupported fallback strategy: %s", c.Timeout.Fallback.Strategy)
	}

	if c.Degradation.RecoveryIntervalMS <= 0 {
		return fmt.Errorf("degradation recovery_interval_ms must be positive")
	}
	if c.Events.HandlerTimeoutMS <= 0 {
		return fmt.Errorf("events handler_timeout_ms must be positive")
	}

	for key := range c.Degradation.Levels {
		switch strings.ToLower(key) {
		case "l1", "l2", "l3", "l4":
		default:
			return fmt.Errorf("unknown degradation level %q", key)
		}
	}

	switch c.Memory.Store.Backend {
	case "memory", "file", "sqlite", "postgres", "mysql", "redis":
	default:
		return fmt.Errorf("unsupported memory backend: %s", c.Memory.Store.Backend)
	}
	if (c.Memory.Store.Backend == "file" || c.Memory.Store.Backend == "sqlite") && c.Memory.Store.Path == "" && c.Memory.Store.DSN == "" {
		return fmt.Errorf("memory store path is required for the %s backend", c.Memory.Store.Backend)
	}
	if (c.Memory.Store.Backend == "postgres" || c.Memory.Store.Backend == "mysql") && c.Memory.Store.DSN == "" {
		return fmt.Errorf("memory store dsn is required for the %s backend", c.Memory.Store.Backend)
	}

	switch c.Memory.Cache.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("unsupported memory cache backend: %s", c.Memory.Cache.Backend)
	}
	if c.Memory.Cache.TTLMS <= 0 {
		return fmt.Errorf("memory cache ttl_ms must be positive")
	}

	r := c.Memory.Retention
	if r.MinPriority < 10 || r.MinPriority > 100 {
		return fmt.Errorf("retention min_priority must be within 10..100")
	}
	switch r.Strategy {
	case "lru", "lfu", "fifo":
	default:
		return fmt.Errorf("unsupported retention strategy: %s", r.Strategy)
	}

	tb := c.TokenBudget
	if tb.MaxTokens <= 0 || tb.ReservedTokens < 0 || tb.ReservedTokens >= tb.MaxTokens {
		return fmt.Errorf("token budget requires 0 <= reserved_tokens < max_tokens")
	}
	if tb.HandoffMaxTokens <= 0 {
		return fmt.Errorf("token budget handoff_max_tokens must be positive")
	}
	th := tb.Thresholds
	if !(0 < th.Caution && th.Caution < th.Warning && th.Warning < th.Critical && th.Critical < th.Overflow && th.Overflow <= 1) {
		return fmt.Errorf("token budget thresholds must be ascending within (0, 1]")
	}

	return nil
}

// DegradationLevels returns the declared feature sets indexed by level 1..4.
func (c *Config) DegradationLevels() map[int][]string {
	out := make(map[int][]string, len(c.Degradation.Levels))
	for key, features := range c.Degradation.Levels {
		var n int
		if _, err := fmt.Sscanf(strings.ToLower(key), "l%d", &n); err == nil {
			sorted := append([]string(nil), features...)
			sort.Strings(sorted)
			out[n] = sorted
		}
	}
	return out
}

// WriteYAML renders the configuration as a YAML document.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
