package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.QueueDriver)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout())
	assert.Equal(t, time.Second, cfg.OutboxRelayInterval())
	assert.Equal(t, 25, cfg.OutboxRelayBatch)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, "step.dlq", cfg.DLQTopic)
	assert.Equal(t, 60*time.Second, cfg.RedisQueueLockDuration)
	assert.True(t, cfg.HealthCheckEnabled)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.EventBridgeEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_DRIVER", "redis")
	t.Setenv("STEP_TIMEOUT_MS", "500")
	t.Setenv("APP_ENV", "test")
	t.Setenv("EVENT_BRIDGE_BROKERS", "localhost:9092,localhost:9093")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.QueueDriver)
	assert.Equal(t, 500*time.Millisecond, cfg.StepTimeout())
	assert.True(t, cfg.IsTest())
	assert.True(t, cfg.EventBridgeEnabled())
	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, cfg.EventBridgeBrokers)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("QUEUE_DRIVER", "rabbitmq")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_DRIVER")
}
