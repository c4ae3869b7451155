package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/stepflow/internal/adapter/queue/driver"
	"github.com/fairyhunter13/stepflow/internal/domain"
)

func newTestDriver(t *testing.T, opts Options) *Driver {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, opts)
}

type recorder struct {
	mu       sync.Mutex
	attempts []int
	fail     int
}

func (r *recorder) handle(_ context.Context, payload json.RawMessage) error {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	att, _ := m["__attempt"].(float64)
	r.attempts = append(r.attempts, int(att))
	if len(r.attempts) <= r.fail {
		return errors.New("transient")
	}
	return nil
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts...)
}

func TestDriverDeliversAndStampsAttempt(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	require.NoError(t, d.Subscribe(ctx, "step.ready", rec.handle))
	require.NoError(t, d.Enqueue(ctx, "step.ready", json.RawMessage(`{"runId":"r1","stepId":"s1"}`), domain.EnqueueOptions{}))

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []int{1}, rec.seen())

	c, err := d.Counts(ctx, "step.ready")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Completed)
	assert.Zero(t, c.Pending)
	assert.Zero(t, c.DLQ)
}

func TestDriverRetriesThenDLQ(t *testing.T) {
	d := newTestDriver(t, Options{Backoff: driver.Fixed(30 * time.Millisecond)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{fail: 10} // always fail
	require.NoError(t, d.Subscribe(ctx, "step.ready", rec.handle))
	require.NoError(t, d.Enqueue(ctx, "step.ready", json.RawMessage(`{"runId":"r1","stepId":"s1"}`), domain.EnqueueOptions{MaxAttempts: 2}))

	require.Eventually(t, func() bool {
		c, err := d.Counts(ctx, "step.ready")
		return err == nil && c.DLQ == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.seen())

	dead, err := d.ListDLQ(ctx, domain.TopicStepDLQ, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "transient", dead[0].Error)
	assert.Equal(t, "step.ready", dead[0].Topic)
}

func TestDriverRehydrateResetsJob(t *testing.T) {
	d := newTestDriver(t, Options{Backoff: driver.Fixed(10 * time.Millisecond)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{fail: 1}
	require.NoError(t, d.Enqueue(ctx, "step.ready", json.RawMessage(`{"runId":"r1","stepId":"s1"}`), domain.EnqueueOptions{MaxAttempts: 1}))
	require.NoError(t, d.Subscribe(ctx, "step.ready", rec.handle))

	require.Eventually(t, func() bool {
		c, err := d.Counts(ctx, "step.ready")
		return err == nil && c.DLQ == 1
	}, 5*time.Second, 20*time.Millisecond)

	moved, err := d.RehydrateDLQ(ctx, domain.TopicStepDLQ, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	// The rehydrated job starts over at attempt 1 and now succeeds.
	require.Eventually(t, func() bool {
		c, err := d.Counts(ctx, "step.ready")
		return err == nil && c.Completed == 1
	}, 5*time.Second, 20*time.Millisecond)
	seen := rec.seen()
	assert.Equal(t, 1, seen[len(seen)-1])
}

func TestDriverHonorsDelay(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	require.NoError(t, d.Subscribe(ctx, "step.ready", rec.handle))
	require.NoError(t, d.Enqueue(ctx, "step.ready", json.RawMessage(`{"runId":"r1","stepId":"s1"}`), domain.EnqueueOptions{Delay: 400 * time.Millisecond}))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.seen(), "job visible before its ready time")

	c, err := d.Counts(ctx, "step.ready")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Delayed)

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestDriverOldestAge(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx := context.Background()

	_, ok, err := d.OldestAge(ctx, "step.ready")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Enqueue(ctx, "step.ready", json.RawMessage(`{"runId":"r1"}`), domain.EnqueueOptions{}))
	age, ok, err := d.OldestAge(ctx, "step.ready")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, age, time.Duration(0))
}

func TestDriverHeartbeat(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx := context.Background()

	_, err := d.LastBeat(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, d.Beat(ctx, "worker-1", 10*time.Second))
	ts, err := d.LastBeat(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 2*time.Second)
}

func TestSweepExpiredReclaimsOrphanedClaims(t *testing.T) {
	d := newTestDriver(t, Options{LockDuration: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, "step.ready", json.RawMessage(`{"runId":"r1","stepId":"s1"}`), domain.EnqueueOptions{}))

	// Simulate a worker that claimed the job and crashed before finishing.
	id, err := d.rdb.LMove(ctx, pendingKey("step.ready"), processingKey("step.ready"), "RIGHT", "LEFT").Result()
	require.NoError(t, err)
	expired := float64(time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, d.rdb.ZAdd(ctx, claimsKey("step.ready"), redis.Z{Score: expired, Member: id}).Err())

	c, err := d.Counts(ctx, "step.ready")
	require.NoError(t, err)
	require.Equal(t, 1, c.Processing)

	d.sweepExpired(ctx, "step.ready")

	c, err = d.Counts(ctx, "step.ready")
	require.NoError(t, err)
	assert.Zero(t, c.Processing)
	assert.Equal(t, 1, c.Pending, "orphaned job is claimable again")
}

func TestSweepExpiredLeavesLiveClaimsAlone(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, "step.ready", json.RawMessage(`{"runId":"r1","stepId":"s1"}`), domain.EnqueueOptions{}))
	id, err := d.rdb.LMove(ctx, pendingKey("step.ready"), processingKey("step.ready"), "RIGHT", "LEFT").Result()
	require.NoError(t, err)
	deadline := float64(time.Now().Add(time.Minute).UnixMilli())
	require.NoError(t, d.rdb.ZAdd(ctx, claimsKey("step.ready"), redis.Z{Score: deadline, Member: id}).Err())

	d.sweepExpired(ctx, "step.ready")

	c, err := d.Counts(ctx, "step.ready")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Processing, "unexpired claims stay put")
	assert.Zero(t, c.Pending)
}

func TestDeliveryClearsClaim(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	require.NoError(t, d.Subscribe(ctx, "step.ready", rec.handle))
	require.NoError(t, d.Enqueue(ctx, "step.ready", json.RawMessage(`{"runId":"r1","stepId":"s1"}`), domain.EnqueueOptions{}))

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := d.rdb.ZCard(ctx, claimsKey("step.ready")).Result()
		return err == nil && n == 0
	}, time.Second, 20*time.Millisecond)
}

func TestDriverHasSubscribers(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.False(t, d.HasSubscribers("step.ready"))
	require.NoError(t, d.Subscribe(ctx, "step.ready", func(context.Context, json.RawMessage) error { return nil }))
	assert.True(t, d.HasSubscribers("step.ready"))
}
