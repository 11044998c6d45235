package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		500 * time.Millisecond,
		2 * time.Second,
		5 * time.Second,
		30 * time.Second,
	}, cfg.Timeout.Operations.Durations())
	assert.Equal(t, 5, cfg.Timeout.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "graceful", cfg.Timeout.Fallback.Strategy)
	assert.Equal(t, "file", cfg.Memory.Store.Backend)
	assert.Equal(t, 128000, cfg.TokenBudget.MaxTokens)
	assert.InDelta(t, 0.90, cfg.TokenBudget.Thresholds.Critical, 1e-9)
	assert.True(t, cfg.TokenBudget.AutoActions.AutoSummarize)
	assert.False(t, cfg.TokenBudget.AutoActions.AutoPrune)

	levels := cfg.DegradationLevels()
	assert.Equal(t, []string{"analysis", "doc_generation"}, levels[1])
	assert.Equal(t, []string{"auto_summarize", "memory_write"}, levels[4])
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentctx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeout:
  operations:
    cache_lookup: 50
  circuit_breaker:
    failure_threshold: 3
memory:
  store:
    backend: memory
token_budget:
  max_tokens: 10000
  reserved_tokens: 1000
`), 0644))

	t.Setenv("AGENTCTX_TOKEN_BUDGET_RESERVED_TOKENS", "2000")
	t.Setenv("AGENTCTX_TIMEOUT_FALLBACK_STRATEGY", "strict")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Timeout.Operations.CacheLookup)
	assert.Equal(t, 500, cfg.Timeout.Operations.FileRead)
	assert.Equal(t, 3, cfg.Timeout.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "memory", cfg.Memory.Store.Backend)
	assert.Equal(t, 10000, cfg.TokenBudget.MaxTokens)
	assert.Equal(t, 2000, cfg.TokenBudget.ReservedTokens)
	assert.Equal(t, "strict", cfg.Timeout.Fallback.Strategy)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiers not ascending", func(c *Config) { c.Timeout.Operations.LayerLoad = 400 }},
		{"zero tier", func(c *Config) { c.Timeout.Operations.CacheLookup = 0 }},
		{"breaker threshold", func(c *Config) { c.Timeout.CircuitBreaker.FailureThreshold = 0 }},
		{"reset timeout", func(c *Config) { c.Timeout.CircuitBreaker.ResetTimeoutMS = 0 }},
		{"strategy", func(c *Config) { c.Timeout.Fallback.Strategy = "lenient" }},
		{"unknown level", func(c *Config) { c.Degradation.Levels["l9"] = []string{"x"} }},
		{"zero recovery interval", func(c *Config) { c.Degradation.RecoveryIntervalMS = 0 }},
		{"negative recovery interval", func(c *Config) { c.Degradation.RecoveryIntervalMS = -1 }},
		{"zero handler timeout", func(c *Config) { c.Events.HandlerTimeoutMS = 0 }},
		{"negative handler timeout", func(c *Config) { c.Events.HandlerTimeoutMS = -5 }},
		{"backend", func(c *Config) { c.Memory.Store.Backend = "s3" }},
		{"postgres without dsn", func(c *Config) { c.Memory.Store.Backend = "postgres" }},
		{"mysql without dsn", func(c *Config) { c.Memory.Store.Backend = "mysql" }},
		{"min priority", func(c *Config) { c.Memory.Retention.MinPriority = 5 }},
		{"retention strategy", func(c *Config) { c.Memory.Retention.Strategy = "random" }},
		{"cache backend", func(c *Config) { c.Memory.Cache.Backend = "memcached" }},
		{"cache ttl", func(c *Config) { c.Memory.Cache.TTLMS = 0 }},
		{"handoff limit", func(c *Config) { c.TokenBudget.HandoffMaxTokens = 0 }},
		{"reserved exceeds max", func(c *Config) { c.TokenBudget.ReservedTokens = c.TokenBudget.MaxTokens }},
		{"thresholds out of order", func(c *Config) { c.TokenBudget.Thresholds.Warning = 0.95 }},
		{"threshold above one", func(c *Config) { c.TokenBudget.Thresholds.Overflow = 1.2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Memory.Store.Backend = "sqlite"
	cfg.TokenBudget.MaxTokens = 64000

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "cache_lookup: 100")

	path := filepath.Join(t.TempDir(), "agentctx.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", loaded.Memory.Store.Backend)
	assert.Equal(t, 64000, loaded.TokenBudget.MaxTokens)
	assert.Equal(t, cfg.DegradationLevels(), loaded.DegradationLevels())
}
