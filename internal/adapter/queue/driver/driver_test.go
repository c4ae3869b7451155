package driver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampAttempt(t *testing.T) {
	out, err := StampAttempt(json.RawMessage(`{"runId":"r1","stepId":"s1"}`), 2)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.EqualValues(t, 2, m["__attempt"])
	assert.Equal(t, "r1", m["runId"])

	// Restamping overwrites.
	out, err = StampAttempt(out, 3)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &m))
	assert.EqualValues(t, 3, m["__attempt"])

	_, err = StampAttempt(json.RawMessage(`[1,2]`), 1)
	assert.Error(t, err, "non-object payloads are undeliverable")
}

func TestExponentialBackoff(t *testing.T) {
	b := Exponential(time.Second, 30*time.Second)
	assert.Equal(t, time.Second, b(1))
	assert.Equal(t, 2*time.Second, b(2))
	assert.Equal(t, 4*time.Second, b(3))
	assert.Equal(t, 16*time.Second, b(5))
	assert.Equal(t, 30*time.Second, b(6))
	assert.Equal(t, 30*time.Second, b(100))
	assert.Equal(t, time.Second, b(0), "failures below 1 clamp to the base")
}

func TestFixedBackoff(t *testing.T) {
	b := Fixed(2*time.Second, 3*time.Second)
	assert.Equal(t, 2*time.Second, b(1))
	assert.Equal(t, 3*time.Second, b(2))
	assert.Equal(t, 3*time.Second, b(9), "schedule repeats its last entry")

	assert.Equal(t, time.Duration(0), Fixed()(1))
}
