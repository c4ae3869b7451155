package postgresq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/stepflow/internal/domain"
)

func TestOptionDefaults(t *testing.T) {
	d := New(nil, Options{})
	assert.Equal(t, "postgres", d.Name())
	assert.Equal(t, time.Second, d.poll)
	assert.Equal(t, 60*time.Second, d.lockDur)
	assert.Equal(t, domain.TopicStepDLQ, d.dlqTopic)
	assert.NotEmpty(t, d.workerID)

	// Exponential default: 1s, 2s, 4s ... capped at 30s.
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 30*time.Second, d.backoff(10))
}

func TestDLQFilterResolvesSourceTopic(t *testing.T) {
	d := New(nil, Options{})

	_, arg := d.dlqFilter(domain.TopicStepDLQ)
	assert.Equal(t, domain.TopicStepReady, arg)

	_, arg = d.dlqFilter("step.ready")
	assert.Equal(t, "step.ready", arg)
}

func TestHasSubscribersDefaultsFalse(t *testing.T) {
	d := New(nil, Options{})
	assert.False(t, d.HasSubscribers("step.ready"))
}
