package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/internal/validation"
	"github.com/rendis/bulwark/pkg/schema"
)

const sampleConfig = `
log_level: debug
listen_addr: ":9090"
redis:
  addr: localhost:6379
  ttl: 12h
boundary:
  max_retry_attempts: 5
  backoff:
    base_delays:
      low: 200ms
    max_delay: 20s
limits:
  search:
    max_execution_time: 1m
recovery:
  pool_size: 2
  type_strategies:
    search: escalate
policies:
  search:
    default_strategy: retry
    max_attempts: 2
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func newValidator(t *testing.T) *validation.JSONSchemaValidator {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestDecodeConfig_Defaults(t *testing.T) {
	cfg, err := decodeConfig(map[string]any{})
	require.NoError(t, err)

	def := defaultConfig()
	assert.Equal(t, def.ListenAddr, cfg.ListenAddr)
	assert.Equal(t, def.Boundary, cfg.Boundary)
	assert.Equal(t, def.Recovery.PoolSize, cfg.Recovery.PoolSize)
	assert.True(t, cfg.Orchestrator.AutoRecover)
	assert.Nil(t, cfg.Redis)
	assert.Empty(t, cfg.Limits)
}

func TestLoadConfig_FileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleConfig)

	cfg, result, err := loadConfig(path, true, newValidator(t), envMap(nil))
	require.NoError(t, err)
	assert.True(t, result.Valid())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 12*time.Hour, cfg.Redis.TTL)

	assert.Equal(t, 5, cfg.Boundary.MaxRetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Boundary.Backoff.BaseDelays[schema.SeverityLow])
	assert.Equal(t, time.Second, cfg.Boundary.Backoff.BaseDelays[schema.SeverityMedium], "unset severities keep their default")
	assert.Equal(t, 20*time.Second, cfg.Boundary.Backoff.MaxDelay)
	assert.Equal(t, defaultConfig().Boundary.Breaker, cfg.Boundary.Breaker)

	assert.Equal(t, time.Minute, cfg.Limits["search"].MaxExecutionTime)
	assert.Equal(t, 2, cfg.Recovery.PoolSize)
	assert.Equal(t, schema.StrategyEscalate, cfg.Recovery.TypeStrategies["search"])
	assert.Equal(t, schema.StrategyFallback, cfg.Recovery.TypeStrategies["briefing"])

	// redis without db_path warns but loads.
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "NO_DURABLE_STORE", result.Warnings[0].Code)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleConfig)

	cfg, _, err := loadConfig(path, true, newValidator(t), envMap(map[string]string{
		"BULWARK_LISTEN_ADDR":        ":7000",
		"BULWARK_DB_PATH":            "file:/tmp/bulwark.db",
		"BULWARK_REDIS_ADDR":         "redis:6380",
		"BULWARK_AUTO_RECOVER":       "false",
		"BULWARK_RECOVERY_POOL_SIZE": "9",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "file:/tmp/bulwark.db", cfg.DBPath)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 12*time.Hour, cfg.Redis.TTL)
	assert.False(t, cfg.Orchestrator.AutoRecover)
	assert.Equal(t, 9, cfg.Recovery.PoolSize)
}

func TestLoadConfig_BadEnvValue(t *testing.T) {
	_, _, err := loadConfig(filepath.Join(t.TempDir(), "none.yaml"), false, newValidator(t), envMap(map[string]string{
		"BULWARK_RECOVERY_POOL_SIZE": "many",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BULWARK_RECOVERY_POOL_SIZE")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")

	cfg, _, err := loadConfig(missing, false, newValidator(t), envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig().ListenAddr, cfg.ListenAddr)

	_, _, err = loadConfig(missing, true, newValidator(t), envMap(nil))
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeFile(t, "config.yaml", `
boundary:
  max_retry_attempts: 0
unknown_key: true
`)
	_, result, err := loadConfig(path, true, newValidator(t), envMap(nil))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	require.NotNil(t, result)
	assert.GreaterOrEqual(t, len(result.Errors), 2)
}

func TestResolveConfigPath(t *testing.T) {
	path, explicit := resolveConfigPath("/etc/bulwark.yaml", envMap(map[string]string{"BULWARK_CONFIG": "/x.yaml"}))
	assert.Equal(t, "/etc/bulwark.yaml", path)
	assert.True(t, explicit)

	path, explicit = resolveConfigPath("", envMap(map[string]string{"BULWARK_CONFIG": "/x.yaml"}))
	assert.Equal(t, "/x.yaml", path)
	assert.True(t, explicit)

	path, explicit = resolveConfigPath("", envMap(nil))
	assert.Equal(t, defaultConfigPath(), path)
	assert.False(t, explicit)
}

func TestLoadPolicies(t *testing.T) {
	cfg := defaultConfig()
	cfg.Policies = map[string]any{
		"search": map[string]any{"default_strategy": "fallback", "max_attempts": 4},
	}
	policies, err := loadPolicies(cfg)
	require.NoError(t, err)
	assert.Equal(t, schema.StrategyFallback, policies["search"].DefaultStrategy)
	assert.Equal(t, 4, policies["search"].MaxAttempts)

	cfg.PoliciesFile = writeFile(t, "policies.yaml", "task:\n  default_strategy: escalate\n")
	policies, err = loadPolicies(cfg)
	require.NoError(t, err)
	assert.NotContains(t, policies, "search", "the file replaces inline policies")
	assert.Equal(t, schema.StrategyEscalate, policies["task"].DefaultStrategy)

	cfg.PoliciesFile = writeFile(t, "bad.yaml", "task:\n  default_strategy: pray\n")
	_, err = loadPolicies(cfg)
	assert.Error(t, err)
}

func TestDiffPolicies(t *testing.T) {
	old := map[string]recovery.Policy{
		"search": {DefaultStrategy: schema.StrategyRetry},
		"task":   {DefaultStrategy: schema.StrategyEscalate},
	}
	next := map[string]recovery.Policy{
		"search":   {DefaultStrategy: schema.StrategyRetry},
		"task":     {DefaultStrategy: schema.StrategyFailFast},
		"briefing": {DefaultStrategy: schema.StrategyFallback},
	}
	assert.Equal(t, []string{"briefing", "task"}, diffPolicies(old, next))
	assert.Equal(t, []string{"briefing", "search", "task"}, diffPolicies(nil, next))
	assert.Equal(t, []string{"search", "task"}, diffPolicies(old, nil))
	assert.Empty(t, diffPolicies(old, old))
}
