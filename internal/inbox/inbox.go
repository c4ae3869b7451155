// Package inbox wraps the store's atomic mark-if-new primitive into the
// idempotency guard used around every step execution. The inbox is the sole
// cross-process mutex in the system.
package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/stepflow/internal/domain"
	"github.com/fairyhunter13/stepflow/internal/observability"
)

// ExecLeasePrefix namespaces the per-delivery execution lease, a second-layer
// guard distinct from the envelope key.
const ExecLeasePrefix = "step-exec:"

// DeriveKey builds the envelope idempotency key for a step execution when the
// envelope does not carry one: "{runId}:{stepName}:{hash}" where hash is a
// 12-char prefix of the SHA-256 of the step's canonicalized inputs.
func DeriveKey(runID, stepName string, inputs json.RawMessage) string {
	return fmt.Sprintf("%s:%s:%s", runID, stepName, hashInputs(inputs))
}

// hashInputs canonicalizes inputs by decoding and re-encoding, which sorts
// object keys, so semantically equal documents hash equal.
func hashInputs(inputs json.RawMessage) string {
	canon := []byte("null")
	if len(inputs) > 0 {
		var v any
		if err := json.Unmarshal(inputs, &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				canon = b
			}
		} else {
			canon = inputs
		}
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:12]
}

// Guard is the usage-pattern wrapper: mark, act, delete.
type Guard struct {
	store domain.Store
}

// NewGuard wraps a store.
func NewGuard(store domain.Store) *Guard {
	return &Guard{store: store}
}

// Acquire atomically marks key and reports whether this caller won it. A
// false return means a duplicate delivery; callers record
// inbox.duplicate.ignored and return without side effects.
func (g *Guard) Acquire(ctx domain.Context, key string) (bool, error) {
	fresh, err := g.store.InboxMarkIfNew(ctx, key)
	if err != nil {
		return false, fmt.Errorf("op=inbox.acquire: %w", err)
	}
	return fresh, nil
}

// Release deletes key. Failures during cleanup are logged, never re-thrown;
// a lingering key is safe because terminal step state is itself a sink.
func (g *Guard) Release(ctx domain.Context, key string) {
	if err := g.store.InboxDelete(ctx, key); err != nil {
		observability.LoggerFromContext(ctx).Warn("inbox release failed",
			slog.String("key", key), slog.Any("error", err))
	}
}
