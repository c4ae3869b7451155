// Package outbox implements the transactional-outbox relay: a background loop
// that drains unsent rows into the queue, plus an optional bridge that fans
// domain events out to Kafka.
package outbox

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/stepflow/internal/adapter/observability"
	"github.com/fairyhunter13/stepflow/internal/domain"
	obsctx "github.com/fairyhunter13/stepflow/internal/observability"
)

// Relay drains unsent outbox rows into the queue driver. It never blocks on a
// bad row and never lets an error escape the loop; an enqueue failure simply
// leaves the row unsent for the next tick.
type Relay struct {
	store    domain.Store
	queue    domain.QueueDriver
	interval time.Duration
	batch    int
}

// NewRelay constructs a relay. interval defaults to 1s and batch to 25 when
// non-positive.
func NewRelay(store domain.Store, queue domain.QueueDriver, interval time.Duration, batch int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 25
	}
	return &Relay{store: store, queue: queue, interval: interval, batch: batch}
}

// Start runs the relay loop until ctx is done. It returns after the loop
// stops; callers run it on its own goroutine.
func (r *Relay) Start(ctx domain.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick processes one batch. Exported so tests drive the relay without the
// timer.
func (r *Relay) Tick(ctx domain.Context) {
	log := obsctx.LoggerFromContext(ctx)
	rows, err := r.store.OutboxListUnsent(ctx, r.batch)
	if err != nil {
		log.Error("outbox list unsent failed", slog.Any("error", err))
		return
	}
	for _, row := range rows {
		if row.Topic == domain.TopicOutbox {
			if _, err := domain.ParseOutboxEnvelope(row.Payload); err != nil {
				// Programmer error. Reject loudly and retire the row so it
				// cannot clog subsequent batches.
				log.Error("malformed outbox row rejected",
					slog.String("outbox_id", row.ID),
					slog.Any("error", err))
				if err := r.store.OutboxMarkSent(ctx, row.ID); err != nil {
					log.Error("outbox retire failed", slog.String("outbox_id", row.ID), slog.Any("error", err))
				}
				continue
			}
		}
		if err := r.queue.Enqueue(ctx, row.Topic, row.Payload, domain.EnqueueOptions{}); err != nil {
			// Leave the row unsent; the next tick re-covers it.
			log.Warn("outbox enqueue failed",
				slog.String("outbox_id", row.ID),
				slog.String("topic", row.Topic),
				slog.Any("error", err))
			continue
		}
		if err := r.store.OutboxMarkSent(ctx, row.ID); err != nil {
			// The enqueue already happened; a re-send on the next tick is an
			// acceptable at-least-once duplicate.
			log.Warn("outbox mark sent failed", slog.String("outbox_id", row.ID), slog.Any("error", err))
		}
	}
	if backlog, err := r.store.OutboxBacklog(ctx); err == nil {
		observability.OutboxBacklog.Set(float64(backlog))
	}
}
