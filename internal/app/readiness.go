package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/stepflow/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the store and queue readiness probes. pool is
// nil for the memory store; the queue probe asks the driver for a depth
// snapshot, which exercises its backend connection.
func BuildReadinessChecks(pool Pinger, queue domain.QueueDriver) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	storeCheck := func(ctx context.Context) error {
		if pool == nil {
			return nil
		}
		return pool.Ping(ctx)
	}
	queueCheck := func(ctx context.Context) error {
		if queue == nil {
			return fmt.Errorf("queue driver not configured")
		}
		_, err := queue.Counts(ctx, domain.TopicStepReady)
		return err
	}
	return storeCheck, queueCheck
}
