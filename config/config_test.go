package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	logger := zap.NewNop().Sugar()

	t.Run("defaults without a file", func(t *testing.T) {
		config, err := Load("", logger)
		require.NoError(t, err)
		assert.Equal(t, 8080, config.Port)
		assert.Equal(t, 60*time.Second, config.RoutingTTL)
		assert.Equal(t, 1000, config.QueueCapacity)
		assert.Equal(t, 8, config.QueueWorkers)
		assert.Empty(t, config.Providers)
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
port: 9090
routing_ttl: 30s
queue_capacity: 50
weights:
  success_rate: 0.5
  latency: 0.2
  cost: 0.2
  priority: 0.1
providers:
  - id: openai
    name: OpenAI
    api_base_url: https://api.openai.com/v1
    supported_models:
      - gpt-4o
      - gpt-4o-mini
    cost_per_token: 0.00002
    max_tokens: 8192
    priority: 1
    is_active: true
`)
		config, err := Load(path, logger)
		require.NoError(t, err)
		assert.Equal(t, 9090, config.Port)
		assert.Equal(t, 30*time.Second, config.RoutingTTL)
		assert.Equal(t, 50, config.QueueCapacity)
		assert.Equal(t, 0.5, config.Weights.SuccessRate)
		// Untouched fields keep their defaults.
		assert.Equal(t, 30*time.Second, config.StatusTTL)

		require.Len(t, config.Providers, 1)
		provider := config.Providers[0]
		assert.Equal(t, "openai", provider.ID)
		assert.True(t, provider.Supports("gpt-4o-mini"))
		assert.Equal(t, 0.00002, provider.CostPerToken)
	})

	t.Run("environment wins over yaml", func(t *testing.T) {
		path := writeConfig(t, "port: 9090\nqueue_workers: 4\n")
		t.Setenv("PORT", "7070")
		t.Setenv("ROUTING_TTL", "90s")

		config, err := Load(path, logger)
		require.NoError(t, err)
		assert.Equal(t, 7070, config.Port)
		assert.Equal(t, 90*time.Second, config.RoutingTTL)
		assert.Equal(t, 4, config.QueueWorkers)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load("/nonexistent/config.yaml", logger)
		assert.ErrorContains(t, err, "failed to read config")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "port: [not a port\n")
		_, err := Load(path, logger)
		assert.ErrorContains(t, err, "failed to parse config")
	})
}

func TestValidate(t *testing.T) {
	t.Run("rejects non-positive capacities", func(t *testing.T) {
		config := Default()
		config.QueueCapacity = 0
		assert.ErrorContains(t, config.Validate(), "queue_capacity")

		config = Default()
		config.QueueWorkers = -1
		assert.ErrorContains(t, config.Validate(), "queue_workers")

		config = Default()
		config.MetricsWindow = 0
		assert.ErrorContains(t, config.Validate(), "metrics_window")
	})

	t.Run("rejects non-positive durations", func(t *testing.T) {
		config := Default()
		config.RequestDeadline = 0
		assert.ErrorContains(t, config.Validate(), "request_deadline")

		config = Default()
		config.ProbeTimeout = -time.Second
		assert.ErrorContains(t, config.Validate(), "probe_timeout")

		config = Default()
		config.HealthInterval = 0
		assert.ErrorContains(t, config.Validate(), "health_interval")
	})

	t.Run("rejects duplicate provider ids", func(t *testing.T) {
		path := writeConfig(t, `
providers:
  - id: openai
  - id: openai
`)
		_, err := Load(path, zap.NewNop().Sugar())
		assert.ErrorContains(t, err, "duplicate provider id")
	})

	t.Run("rejects empty provider ids", func(t *testing.T) {
		path := writeConfig(t, "providers:\n  - name: anonymous\n")
		_, err := Load(path, zap.NewNop().Sugar())
		assert.ErrorContains(t, err, "empty id")
	})
}
