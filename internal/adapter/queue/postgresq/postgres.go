// Package postgresq implements the queue driver port on PostgreSQL. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED inside a transaction so concurrent workers
// never double-claim; a background sweep returns jobs whose lock expired.
package postgresq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/stepflow/internal/adapter/queue/driver"
	"github.com/fairyhunter13/stepflow/internal/domain"
)

// Schema is applied idempotently at startup, alongside the store schema.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
    id           TEXT PRIMARY KEY,
    topic        TEXT NOT NULL,
    payload      JSONB NOT NULL,
    status       TEXT NOT NULL,
    attempts     INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    ready_at     TIMESTAMPTZ NOT NULL,
    locked_until TIMESTAMPTZ,
    worker_id    TEXT,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_jobs_claim_idx
    ON queue_jobs(topic, ready_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    worker_id  TEXT PRIMARY KEY,
    beat_at    TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// Options tune a Postgres driver.
type Options struct {
	// Backoff overrides the retry schedule; defaults to 1s·2^(n-1) capped at 30s.
	Backoff driver.BackoffFunc
	// Concurrency is the number of consumer goroutines per Subscribe call.
	Concurrency int
	// PollInterval is the claim poll cadence. Default 1s.
	PollInterval time.Duration
	// LockDuration is how long a claim holds before the sweep returns the job
	// to pending. Default 60s.
	LockDuration time.Duration
	// DLQTopic names the dead-letter topic. Default step.dlq.
	DLQTopic string
}

// Driver is the Postgres-backed queue driver.
type Driver struct {
	pool     *pgxpool.Pool
	backoff  driver.BackoffFunc
	conc     int
	poll     time.Duration
	lockDur  time.Duration
	dlqTopic string
	workerID string

	mu   sync.Mutex
	subs map[string]int
}

// New constructs a Postgres driver over an existing pool.
func New(pool *pgxpool.Pool, opts Options) *Driver {
	if opts.Backoff == nil {
		opts.Backoff = driver.Exponential(time.Second, 30*time.Second)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 60 * time.Second
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = domain.TopicStepDLQ
	}
	return &Driver{
		pool:     pool,
		backoff:  opts.Backoff,
		conc:     opts.Concurrency,
		poll:     opts.PollInterval,
		lockDur:  opts.LockDuration,
		dlqTopic: opts.DLQTopic,
		workerID: uuid.New().String(),
		subs:     make(map[string]int),
	}
}

// Name identifies the driver.
func (d *Driver) Name() string { return "postgres" }

// Migrate applies the queue schema.
func (d *Driver) Migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("op=postgresq.migrate: %w", err)
	}
	return nil
}

// Enqueue adds a job to the topic, claimable after opts.Delay.
func (d *Driver) Enqueue(ctx domain.Context, topic string, payload json.RawMessage, opts domain.EnqueueOptions) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = driver.DefaultMaxAttempts
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO queue_jobs (id, topic, payload, status, attempts, max_attempts, ready_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, now() + $5::interval, now(), now())`,
		uuid.New().String(), topic, payload, opts.MaxAttempts,
		fmt.Sprintf("%d milliseconds", opts.Delay.Milliseconds()))
	if err != nil {
		return fmt.Errorf("op=postgresq.enqueue: %w", err)
	}
	return nil
}

// claim locks and returns the next ready job for topic, or false.
func (d *Driver) claim(ctx context.Context, topic string) (domain.QueueJob, bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return domain.QueueJob{}, false, fmt.Errorf("op=postgresq.claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var j domain.QueueJob
	err = tx.QueryRow(ctx, `
		SELECT id, topic, payload, attempts, max_attempts, created_at
		FROM queue_jobs
		WHERE topic = $1 AND status = 'pending' AND ready_at <= now()
		ORDER BY ready_at, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, topic).
		Scan(&j.ID, &j.Topic, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QueueJob{}, false, nil
		}
		return domain.QueueJob{}, false, fmt.Errorf("op=postgresq.claim: %w", err)
	}
	j.Attempts++
	j.Status = domain.JobProcessing
	_, err = tx.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'processing', attempts = $2, locked_until = now() + $3::interval,
		    worker_id = $4, updated_at = now()
		WHERE id = $1`,
		j.ID, j.Attempts, fmt.Sprintf("%d milliseconds", d.lockDur.Milliseconds()), d.workerID)
	if err != nil {
		return domain.QueueJob{}, false, fmt.Errorf("op=postgresq.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.QueueJob{}, false, fmt.Errorf("op=postgresq.claim: %w", err)
	}
	return j, true, nil
}

func (d *Driver) finish(ctx context.Context, j domain.QueueJob, herr error) {
	if herr == nil {
		_, err := d.pool.Exec(ctx,
			`UPDATE queue_jobs SET status = 'completed', locked_until = NULL, updated_at = now() WHERE id = $1`, j.ID)
		if err != nil {
			slog.Error("postgres queue finish failed", slog.String("job_id", j.ID), slog.Any("error", err))
		}
		return
	}
	if j.Attempts >= j.MaxAttempts {
		_, err := d.pool.Exec(ctx,
			`UPDATE queue_jobs SET status = 'dlq', error = $2, locked_until = NULL, updated_at = now() WHERE id = $1`,
			j.ID, herr.Error())
		if err != nil {
			slog.Error("postgres queue dlq move failed", slog.String("job_id", j.ID), slog.Any("error", err))
		}
		slog.Warn("job moved to dlq",
			slog.String("topic", j.Topic),
			slog.String("job_id", j.ID),
			slog.Int("attempts", j.Attempts),
			slog.String("error", herr.Error()))
		return
	}
	delay := d.backoff(j.Attempts)
	_, err := d.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', error = $2, ready_at = now() + $3::interval,
		    locked_until = NULL, worker_id = NULL, updated_at = now()
		WHERE id = $1`,
		j.ID, herr.Error(), fmt.Sprintf("%d milliseconds", delay.Milliseconds()))
	if err != nil {
		slog.Error("postgres queue retry schedule failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

// sweepExpired returns processing jobs whose lock lapsed to pending. Their
// attempt already counted, so a crash-looping job still drains to the DLQ.
func (d *Driver) sweepExpired(ctx context.Context) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', locked_until = NULL, worker_id = NULL, updated_at = now()
		WHERE status = 'processing' AND locked_until < now()`)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("postgres queue sweep failed", slog.Any("error", err))
		}
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Warn("requeued jobs with expired locks", slog.Int64("count", n))
	}
}

// Subscribe starts consumer goroutines plus one lock sweeper for topic until
// ctx is done.
func (d *Driver) Subscribe(ctx domain.Context, topic string, h domain.JobHandler) error {
	d.mu.Lock()
	first := len(d.subs) == 0
	d.subs[topic]++
	d.mu.Unlock()
	for i := 0; i < d.conc; i++ {
		go d.consume(ctx, topic, h)
	}
	if first {
		go d.sweepLoop(ctx)
	}
	return nil
}

func (d *Driver) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.lockDur / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpired(ctx)
		}
	}
}

func (d *Driver) consume(ctx context.Context, topic string, h domain.JobHandler) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			j, ok, err := d.claim(ctx, topic)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("postgres queue claim failed", slog.String("topic", topic), slog.Any("error", err))
				}
				break
			}
			if !ok {
				break
			}
			payload, err := driver.StampAttempt(j.Payload, j.Attempts)
			if err == nil {
				err = h(ctx, payload)
			}
			d.finish(ctx, j, err)
		}
	}
}

// Counts reports the topic's depth snapshot.
func (d *Driver) Counts(ctx domain.Context, topic string) (domain.QueueCounts, error) {
	var c domain.QueueCounts
	rows, err := d.pool.Query(ctx, `
		SELECT status, ready_at > now() AS delayed, count(*)
		FROM queue_jobs WHERE topic = $1
		GROUP BY status, delayed`, topic)
	if err != nil {
		return c, fmt.Errorf("op=postgresq.counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var delayed bool
		var n int
		if err := rows.Scan(&status, &delayed, &n); err != nil {
			return c, fmt.Errorf("op=postgresq.counts: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			if delayed {
				c.Delayed += n
			} else {
				c.Pending += n
			}
		case domain.JobProcessing:
			c.Processing += n
		case domain.JobCompleted:
			c.Completed += n
		case domain.JobDLQ:
			c.DLQ += n
			c.Failed += n
		}
	}
	return c, rows.Err()
}

func (d *Driver) dlqFilter(topic string) (clause string, arg any) {
	if topic == d.dlqTopic {
		return "status = 'dlq' AND topic = $1", domain.TopicStepReady
	}
	return "status = 'dlq' AND topic = $1", topic
}

// ListDLQ returns up to limit dead jobs.
func (d *Driver) ListDLQ(ctx domain.Context, topic string, limit int) ([]domain.QueueJob, error) {
	if limit <= 0 {
		limit = 50
	}
	clause, arg := d.dlqFilter(topic)
	rows, err := d.pool.Query(ctx, `
		SELECT id, topic, payload, attempts, max_attempts, error, created_at, updated_at
		FROM queue_jobs WHERE `+clause+`
		ORDER BY updated_at LIMIT $2`, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("op=postgresq.list_dlq: %w", err)
	}
	defer rows.Close()
	var out []domain.QueueJob
	for rows.Next() {
		j := domain.QueueJob{Status: domain.JobDLQ}
		if err := rows.Scan(&j.ID, &j.Topic, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=postgresq.list_dlq: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RehydrateDLQ moves up to max dead jobs back to pending with attempts reset
// and error cleared.
func (d *Driver) RehydrateDLQ(ctx domain.Context, topic string, max int) (int, error) {
	clause, arg := d.dlqFilter(topic)
	tag, err := d.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', attempts = 0, error = '', ready_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM queue_jobs WHERE `+clause+`
			ORDER BY updated_at LIMIT $2
		)`, arg, max)
	if err != nil {
		return 0, fmt.Errorf("op=postgresq.rehydrate: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// OldestAge returns the age of the oldest claimable job.
func (d *Driver) OldestAge(ctx domain.Context, topic string) (time.Duration, bool, error) {
	var created time.Time
	err := d.pool.QueryRow(ctx, `
		SELECT created_at FROM queue_jobs
		WHERE topic = $1 AND status = 'pending' AND ready_at <= now()
		ORDER BY created_at LIMIT 1`, topic).Scan(&created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("op=postgresq.oldest_age: %w", err)
	}
	return time.Since(created), true, nil
}

// HasSubscribers reports whether Subscribe was called for topic in this
// process.
func (d *Driver) HasSubscribers(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[topic] > 0
}

// Beat upserts the worker liveness row with an expiry.
func (d *Driver) Beat(ctx domain.Context, workerID string, ttl time.Duration) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, beat_at, expires_at)
		VALUES ($1, now(), now() + $2::interval)
		ON CONFLICT (worker_id) DO UPDATE SET beat_at = EXCLUDED.beat_at, expires_at = EXCLUDED.expires_at`,
		workerID, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return fmt.Errorf("op=postgresq.beat: %w", err)
	}
	return nil
}

// LastBeat reads the most recent unexpired worker heartbeat.
func (d *Driver) LastBeat(ctx domain.Context) (time.Time, error) {
	var ts time.Time
	err := d.pool.QueryRow(ctx,
		`SELECT beat_at FROM worker_heartbeats WHERE expires_at > now() ORDER BY beat_at DESC LIMIT 1`).
		Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, fmt.Errorf("op=postgresq.last_beat: %w", domain.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("op=postgresq.last_beat: %w", err)
	}
	return ts, nil
}

var (
	_ domain.QueueDriver = (*Driver)(nil)
	_ domain.Beater      = (*Driver)(nil)
)
