package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcastTarget records tasks forwarded from the bridge.
type mockBroadcastTarget struct {
	received []types.BroadcastTask
}

func (m *mockBroadcastTarget) BroadcastToLocal(task types.BroadcastTask) {
	m.received = append(m.received, task)
}

func TestRedisEnvelopeSerialization(t *testing.T) {
	task := types.BroadcastTask{
		Type:       types.MessageStatus,
		Event:      types.EventStatusUpdate,
		Data:       map[string]any{"key": "value"},
		Priority:   types.PriorityNormal,
		EnqueuedAt: time.Now().Truncate(time.Second),
	}

	env := redisEnvelope{
		InstanceID: "instance-abc",
		Task:       task,
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded redisEnvelope
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, env.InstanceID, decoded.InstanceID)
	assert.Equal(t, task.Type, decoded.Task.Type)
	assert.Equal(t, task.Event, decoded.Task.Event)
	assert.Equal(t, task.Priority, decoded.Task.Priority)
	assert.Equal(t, "value", decoded.Task.Data["key"])
}

func TestRedisEnvelopeRoundTrip(t *testing.T) {
	task := types.BroadcastTask{
		Type:       types.MessageHealth,
		Event:      types.EventHealthAlert,
		Data:       map[string]any{"component": "cpu", "value": float64(91)},
		Priority:   types.PriorityHigh,
		EnqueuedAt: time.Now().Truncate(time.Millisecond),
	}

	env := redisEnvelope{
		InstanceID: "node-1",
		Task:       task,
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var out redisEnvelope
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "node-1", out.InstanceID)
	assert.Equal(t, types.MessageHealth, out.Task.Type)
	assert.Equal(t, types.EventHealthAlert, out.Task.Event)
	assert.Equal(t, "cpu", out.Task.Data["component"])
	assert.Equal(t, float64(91), out.Task.Data["value"])
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "presencehub:ws:", cfg.Prefix)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_WS_PREFIX", "test:ws:")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:ws:", cfg.Prefix)
}

func TestRedisConfigFromEnvDefaults(t *testing.T) {
	// No env vars set, should return defaults.
	cfg := RedisConfigFromEnv()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "presencehub:ws:", cfg.Prefix)
}

func TestRedisConfigFromEnvInvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, 0, cfg.DB) // falls back to default
}

func TestRedisBridgeAvailableFalseBeforeStart(t *testing.T) {
	target := &mockBroadcastTarget{}
	cfg := DefaultRedisConfig()
	rb := NewRedisBridge(cfg, target, testLogger())
	assert.False(t, rb.Available())
}

func TestRedisBridgeInstanceIDUnique(t *testing.T) {
	target := &mockBroadcastTarget{}
	cfg := DefaultRedisConfig()
	b1 := NewRedisBridge(cfg, target, testLogger())
	b2 := NewRedisBridge(cfg, target, testLogger())
	assert.NotEqual(t, b1.instanceID, b2.instanceID)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
