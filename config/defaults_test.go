package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, NATSConfig{}, cfg.NATS)
	assert.NotEqual(t, LLMConfig{}, cfg.LLM)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, WorkflowConfig{}, cfg.Workflow)
	assert.NotEqual(t, JudgmentConfig{}, cfg.Judgment)
	assert.NotEqual(t, CanaryConfig{}, cfg.Canary)
	assert.NotEqual(t, BreakerConfig{}, cfg.Breaker)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.AllowQueryAPIKey)
	assert.Empty(t, cfg.APIKeys)
	assert.False(t, cfg.JWT.Enabled())
	assert.InDelta(t, 100, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, 200, cfg.RateLimitBurst)
}

func TestDefaultJudgmentConfig(t *testing.T) {
	cfg := DefaultJudgmentConfig()
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Zero(t, cfg.CacheMinConfidence)
	assert.Equal(t, "GATE", cfg.DefaultPolicy)
	assert.InDelta(t, 1.0, cfg.RuleWeight+cfg.LLMWeight, 1e-9)
}

func TestDefaultCanaryConfig(t *testing.T) {
	cfg := DefaultCanaryConfig()
	assert.Equal(t, []int{10, 50, 100}, cfg.Steps)
	assert.Equal(t, 20, cfg.MinSamples)
	assert.Equal(t, 5, cfg.ConsecutiveFailureThreshold)
	assert.True(t, cfg.AutoPromote)
}

func TestDefaultWorkflowAndBreaker(t *testing.T) {
	wf := DefaultWorkflowConfig()
	assert.Equal(t, 30*time.Second, wf.NodeTimeout)
	assert.Equal(t, 64, wf.MaxWorkers)
	assert.False(t, wf.WatchDefinitions)

	br := DefaultBreakerConfig()
	assert.InDelta(t, 0.5, br.FailureRateThreshold, 1e-9)
	assert.Equal(t, 30*time.Second, br.CoolDown)
}

func TestDefaultDatabaseAndNATS(t *testing.T) {
	db := DefaultDatabaseConfig()
	assert.Equal(t, "postgres", db.Driver)
	assert.Equal(t, "judgeflow", db.Name)

	nc := DefaultNATSConfig()
	assert.False(t, nc.Enabled)
	assert.Equal(t, "nats://localhost:4222", nc.URL)
}
