// Package redisq implements the queue driver port on Redis: one pending list
// per topic plus a delayed sorted set, a processing list, and a DLQ list.
// Retries re-enqueue through the delayed set with exponential backoff.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/stepflow/internal/adapter/queue/driver"
	"github.com/fairyhunter13/stepflow/internal/domain"
)

const (
	keyPrefix    = "stepflow:q:"
	heartbeatKey = "stepflow:worker:heartbeat"
	pollInterval = 100 * time.Millisecond
)

// Options tune a Redis driver.
type Options struct {
	// Backoff overrides the retry schedule; defaults to 1s·2^(n-1) capped at 30s.
	Backoff driver.BackoffFunc
	// Concurrency is the number of consumer goroutines per Subscribe call.
	Concurrency int
	// Now overrides the clock; used by tests.
	Now func() time.Time
	// DLQTopic names the dead-letter topic. Default step.dlq.
	DLQTopic string
	// LockDuration bounds how long a claimed job may sit on the processing
	// list before the sweeper re-pends it. Default 60s.
	LockDuration time.Duration
}

// Driver is the Redis-backed queue driver.
type Driver struct {
	rdb      *redis.Client
	backoff  driver.BackoffFunc
	conc     int
	now      func() time.Time
	dlqTopic string
	lockDur  time.Duration

	mu   sync.Mutex
	subs map[string]int
}

// New constructs a Redis driver over an existing client.
func New(rdb *redis.Client, opts Options) *Driver {
	if opts.Backoff == nil {
		opts.Backoff = driver.Exponential(time.Second, 30*time.Second)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now() }
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = domain.TopicStepDLQ
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 60 * time.Second
	}
	return &Driver{
		rdb:      rdb,
		backoff:  opts.Backoff,
		conc:     opts.Concurrency,
		now:      opts.Now,
		dlqTopic: opts.DLQTopic,
		lockDur:  opts.LockDuration,
		subs:     make(map[string]int),
	}
}

// Name identifies the driver.
func (d *Driver) Name() string { return "redis" }

func pendingKey(topic string) string    { return keyPrefix + topic + ":pending" }
func delayedKey(topic string) string    { return keyPrefix + topic + ":delayed" }
func processingKey(topic string) string { return keyPrefix + topic + ":processing" }
func dlqKey(topic string) string        { return keyPrefix + topic + ":dlq" }
func claimsKey(topic string) string     { return keyPrefix + topic + ":claims" }
func jobKey(id string) string           { return keyPrefix + "job:" + id }
func counterKey(topic, kind string) string {
	return keyPrefix + topic + ":" + kind
}

func (d *Driver) saveJob(ctx context.Context, j domain.QueueJob) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=redisq.save_job: %w", err)
	}
	return d.rdb.Set(ctx, jobKey(j.ID), b, 0).Err()
}

func (d *Driver) loadJob(ctx context.Context, id string) (domain.QueueJob, error) {
	b, err := d.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.QueueJob{}, fmt.Errorf("op=redisq.load_job: %w", domain.ErrNotFound)
		}
		return domain.QueueJob{}, fmt.Errorf("op=redisq.load_job: %w", err)
	}
	var j domain.QueueJob
	if err := json.Unmarshal(b, &j); err != nil {
		return domain.QueueJob{}, fmt.Errorf("op=redisq.load_job: %w", err)
	}
	return j, nil
}

// Enqueue adds a job, claimable after opts.Delay.
func (d *Driver) Enqueue(ctx domain.Context, topic string, payload json.RawMessage, opts domain.EnqueueOptions) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = driver.DefaultMaxAttempts
	}
	now := d.now().UTC()
	j := domain.QueueJob{
		ID:          uuid.New().String(),
		Topic:       topic,
		Payload:     payload,
		Status:      domain.JobPending,
		MaxAttempts: opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.saveJob(ctx, j); err != nil {
		return err
	}
	if opts.Delay > 0 {
		score := float64(now.Add(opts.Delay).UnixMilli())
		if err := d.rdb.ZAdd(ctx, delayedKey(topic), redis.Z{Score: score, Member: j.ID}).Err(); err != nil {
			return fmt.Errorf("op=redisq.enqueue: %w", err)
		}
		return nil
	}
	if err := d.rdb.LPush(ctx, pendingKey(topic), j.ID).Err(); err != nil {
		return fmt.Errorf("op=redisq.enqueue: %w", err)
	}
	return nil
}

// promoteDue moves delayed jobs whose ready time has passed onto the pending
// list. Read-and-move; a duplicate promotion is harmless because ZRem reports
// whether this caller won.
func (d *Driver) promoteDue(ctx context.Context, topic string) {
	maxScore := strconv.FormatInt(d.now().UnixMilli(), 10)
	ids, err := d.rdb.ZRangeByScore(ctx, delayedKey(topic), &redis.ZRangeBy{Min: "0", Max: maxScore}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		removed, err := d.rdb.ZRem(ctx, delayedKey(topic), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		_ = d.rdb.LPush(ctx, pendingKey(topic), id).Err()
	}
}

// Subscribe starts consumer goroutines for topic until ctx is done. The first
// subscription per topic also starts the stale-claim sweeper.
func (d *Driver) Subscribe(ctx domain.Context, topic string, h domain.JobHandler) error {
	d.mu.Lock()
	d.subs[topic]++
	first := d.subs[topic] == 1
	d.mu.Unlock()
	for i := 0; i < d.conc; i++ {
		go d.consume(ctx, topic, h)
	}
	if first {
		go d.sweepLoop(ctx, topic)
	}
	return nil
}

func (d *Driver) sweepLoop(ctx context.Context, topic string) {
	ticker := time.NewTicker(d.lockDur / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpired(ctx, topic)
		}
	}
}

// sweepExpired re-pends jobs whose claim deadline has passed: a crashed
// worker leaves its jobs on the processing list, and without this pass they
// would be neither delivered nor dead-lettered.
func (d *Driver) sweepExpired(ctx context.Context, topic string) {
	maxScore := strconv.FormatInt(d.now().UnixMilli(), 10)
	ids, err := d.rdb.ZRangeByScore(ctx, claimsKey(topic), &redis.ZRangeBy{Min: "0", Max: maxScore}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	swept := 0
	for _, id := range ids {
		removed, err := d.rdb.ZRem(ctx, claimsKey(topic), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if n, err := d.rdb.LRem(ctx, processingKey(topic), 1, id).Result(); err != nil || n == 0 {
			// Already finished by its worker between the range read and now.
			continue
		}
		if err := d.rdb.LPush(ctx, pendingKey(topic), id).Err(); err != nil {
			slog.Error("redis sweep re-pend failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		swept++
	}
	if swept > 0 {
		slog.Warn("re-pended expired processing jobs",
			slog.String("topic", topic), slog.Int("count", swept))
	}
}

func (d *Driver) consume(ctx context.Context, topic string, h domain.JobHandler) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.promoteDue(ctx, topic)
		for {
			id, err := d.rdb.LMove(ctx, pendingKey(topic), processingKey(topic), "RIGHT", "LEFT").Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					slog.Error("redis claim failed", slog.String("topic", topic), slog.Any("error", err))
				}
				break
			}
			deadline := float64(d.now().Add(d.lockDur).UnixMilli())
			_ = d.rdb.ZAdd(ctx, claimsKey(topic), redis.Z{Score: deadline, Member: id}).Err()
			d.deliver(ctx, topic, id, h)
		}
	}
}

func (d *Driver) deliver(ctx context.Context, topic, id string, h domain.JobHandler) {
	j, err := d.loadJob(ctx, id)
	if err != nil {
		slog.Error("redis job record missing", slog.String("job_id", id), slog.Any("error", err))
		_ = d.rdb.LRem(ctx, processingKey(topic), 1, id).Err()
		return
	}
	j.Attempts++
	j.Status = domain.JobProcessing
	j.UpdatedAt = d.now().UTC()
	_ = d.saveJob(ctx, j)

	payload, err := driver.StampAttempt(j.Payload, j.Attempts)
	if err == nil {
		err = h(ctx, payload)
	}

	_ = d.rdb.LRem(ctx, processingKey(topic), 1, id).Err()
	_ = d.rdb.ZRem(ctx, claimsKey(topic), id).Err()
	j.UpdatedAt = d.now().UTC()
	if err == nil {
		_ = d.rdb.Del(ctx, jobKey(id)).Err()
		_ = d.rdb.Incr(ctx, counterKey(topic, "completed")).Err()
		return
	}
	j.Error = err.Error()
	if j.Attempts >= j.MaxAttempts {
		j.Status = domain.JobDLQ
		_ = d.saveJob(ctx, j)
		_ = d.rdb.LPush(ctx, dlqKey(topic), id).Err()
		_ = d.rdb.Incr(ctx, counterKey(topic, "failed")).Err()
		slog.Warn("job moved to dlq",
			slog.String("topic", topic),
			slog.String("job_id", id),
			slog.Int("attempts", j.Attempts),
			slog.String("error", j.Error))
		return
	}
	j.Status = domain.JobPending
	_ = d.saveJob(ctx, j)
	delay := d.backoff(j.Attempts)
	score := float64(d.now().Add(delay).UnixMilli())
	_ = d.rdb.ZAdd(ctx, delayedKey(topic), redis.Z{Score: score, Member: id}).Err()
}

// Counts reports the topic's depth snapshot.
func (d *Driver) Counts(ctx domain.Context, topic string) (domain.QueueCounts, error) {
	var c domain.QueueCounts
	pending, err := d.rdb.LLen(ctx, pendingKey(topic)).Result()
	if err != nil {
		return c, fmt.Errorf("op=redisq.counts: %w", err)
	}
	processing, _ := d.rdb.LLen(ctx, processingKey(topic)).Result()
	delayed, _ := d.rdb.ZCard(ctx, delayedKey(topic)).Result()
	dead, _ := d.rdb.LLen(ctx, dlqKey(topic)).Result()
	completed, _ := d.rdb.Get(ctx, counterKey(topic, "completed")).Int()
	failed, _ := d.rdb.Get(ctx, counterKey(topic, "failed")).Int()
	c.Pending = int(pending)
	c.Processing = int(processing)
	c.Delayed = int(delayed)
	c.DLQ = int(dead)
	c.Completed = completed
	c.Failed = failed
	return c, nil
}

// dlqSourceTopics resolves which source topics a DLQ request addresses.
func (d *Driver) dlqSourceTopics(topic string) []string {
	if topic == d.dlqTopic {
		// The control surface addresses the DLQ by its own topic name; the
		// step.ready DLQ is the one it means.
		return []string{domain.TopicStepReady}
	}
	return []string{topic}
}

// ListDLQ returns up to limit dead jobs.
func (d *Driver) ListDLQ(ctx domain.Context, topic string, limit int) ([]domain.QueueJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.QueueJob
	for _, src := range d.dlqSourceTopics(topic) {
		ids, err := d.rdb.LRange(ctx, dlqKey(src), 0, int64(limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("op=redisq.list_dlq: %w", err)
		}
		for _, id := range ids {
			j, err := d.loadJob(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, j)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// RehydrateDLQ moves up to max dead jobs back to pending with attempts reset
// and error cleared.
func (d *Driver) RehydrateDLQ(ctx domain.Context, topic string, max int) (int, error) {
	moved := 0
	for _, src := range d.dlqSourceTopics(topic) {
		for moved < max {
			id, err := d.rdb.RPop(ctx, dlqKey(src)).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return moved, fmt.Errorf("op=redisq.rehydrate: %w", err)
			}
			j, err := d.loadJob(ctx, id)
			if err != nil {
				continue
			}
			j.Status = domain.JobPending
			j.Attempts = 0
			j.Error = ""
			j.UpdatedAt = d.now().UTC()
			if err := d.saveJob(ctx, j); err != nil {
				return moved, err
			}
			if err := d.rdb.LPush(ctx, pendingKey(src), id).Err(); err != nil {
				return moved, fmt.Errorf("op=redisq.rehydrate: %w", err)
			}
			moved++
		}
	}
	return moved, nil
}

// OldestAge returns the age of the oldest pending job.
func (d *Driver) OldestAge(ctx domain.Context, topic string) (time.Duration, bool, error) {
	id, err := d.rdb.LIndex(ctx, pendingKey(topic), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("op=redisq.oldest_age: %w", err)
	}
	j, err := d.loadJob(ctx, id)
	if err != nil {
		return 0, false, nil
	}
	return d.now().UTC().Sub(j.CreatedAt), true, nil
}

// HasSubscribers reports whether Subscribe was called for topic in this
// process.
func (d *Driver) HasSubscribers(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[topic] > 0
}

// Beat writes the worker liveness timestamp with a TTL (SET EX).
func (d *Driver) Beat(ctx domain.Context, workerID string, ttl time.Duration) error {
	val := fmt.Sprintf("%s|%d", workerID, d.now().UnixMilli())
	return d.rdb.Set(ctx, heartbeatKey, val, ttl).Err()
}

// LastBeat reads the worker liveness timestamp.
func (d *Driver) LastBeat(ctx domain.Context) (time.Time, error) {
	val, err := d.rdb.Get(ctx, heartbeatKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, fmt.Errorf("op=redisq.last_beat: %w", domain.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("op=redisq.last_beat: %w", err)
	}
	// Value format is worker|millis.
	var ms int64
	for i := len(val) - 1; i >= 0; i-- {
		if val[i] == '|' {
			ms, _ = strconv.ParseInt(val[i+1:], 10, 64)
			break
		}
	}
	if ms == 0 {
		return time.Time{}, fmt.Errorf("op=redisq.last_beat: %w", domain.ErrInvalidArgument)
	}
	return time.UnixMilli(ms), nil
}

var (
	_ domain.QueueDriver = (*Driver)(nil)
	_ domain.Beater      = (*Driver)(nil)
)
