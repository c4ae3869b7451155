package domain

import (
	"encoding/json"
	"time"
)

//go:generate mockery --name=Store --with-expecter --filename=store_mock.go
//go:generate mockery --name=QueueDriver --with-expecter --filename=queue_driver_mock.go

// Store is the durable persistence port. It exclusively owns runs, steps,
// events, the inbox, the outbox, and HTTP idempotency responses. It carries
// no queue logic.
//
// Transient I/O failures bubble as retryable errors; unknown ids surface as
// ErrNotFound. No operation silently swallows.
type Store interface {
	CreateRun(ctx Context, r Run) (string, error)
	GetRun(ctx Context, id string) (Run, error)
	UpdateRun(ctx Context, id string, p RunPatch) error

	CreateStep(ctx Context, s Step) (string, error)
	GetStep(ctx Context, id string) (Step, error)
	UpdateStep(ctx Context, id string, p StepPatch) error
	ListStepsByRun(ctx Context, runID string) ([]Step, error)
	// CountRemainingSteps counts steps of the run whose status is non-terminal.
	CountRemainingSteps(ctx Context, runID string) (int, error)

	RecordEvent(ctx Context, e Event) error
	ListEventsByRun(ctx Context, runID string) ([]Event, error)

	// InboxMarkIfNew atomically inserts key and reports whether it was absent.
	// At any instant, at most one concurrent caller observes true per key.
	InboxMarkIfNew(ctx Context, key string) (bool, error)
	InboxDelete(ctx Context, key string) error

	OutboxAdd(ctx Context, topic string, payload json.RawMessage) (OutboxRow, error)
	OutboxListUnsent(ctx Context, limit int) ([]OutboxRow, error)
	OutboxMarkSent(ctx Context, id string) error
	OutboxBacklog(ctx Context) (int, error)

	GetIdemResponse(ctx Context, key string) (IdemResponse, error)
	PutIdemResponse(ctx Context, r IdemResponse) error
}

// EnqueueOptions tune a single enqueue. Delay is the minimum wall-clock delay
// before the job becomes claimable; MaxAttempts is the total delivery budget
// (0 means the driver default of 3).
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// JobHandler consumes one delivered payload. A returned error schedules a
// retry; exhausting the attempt budget moves the job to the DLQ.
type JobHandler func(ctx Context, payload json.RawMessage) error

// QueueDriver is the topic-based at-least-once delivery port. Drivers stamp
// the 1-based delivery counter into the payload's `__attempt` field before
// each delivery. Delayed jobs are never visible before their ready time.
type QueueDriver interface {
	Enqueue(ctx Context, topic string, payload json.RawMessage, opts EnqueueOptions) error
	// Subscribe starts a consumer loop for topic that runs until ctx is done.
	Subscribe(ctx Context, topic string, h JobHandler) error
	Counts(ctx Context, topic string) (QueueCounts, error)
	ListDLQ(ctx Context, topic string, limit int) ([]QueueJob, error)
	// RehydrateDLQ moves up to max DLQ jobs back to pending, resetting
	// attempts to 0 and clearing the stored error. Returns the count moved.
	RehydrateDLQ(ctx Context, topic string, max int) (int, error)
	// OldestAge returns the age of the oldest pending job, and false when the
	// topic has no pending jobs.
	OldestAge(ctx Context, topic string) (time.Duration, bool, error)
	HasSubscribers(topic string) bool
	Name() string
}

// Beater is the optional liveness interface for non-memory drivers. Workers
// write a heartbeat every few seconds; the health surface reads it back.
type Beater interface {
	Beat(ctx Context, workerID string, ttl time.Duration) error
	LastBeat(ctx Context) (time.Time, error)
}
