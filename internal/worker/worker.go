// Package worker consumes step.ready deliveries: envelope inbox guard,
// timeout race around the runner, outbox emission, and a liveness heartbeat
// for networked drivers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/stepflow/internal/adapter/observability"
	"github.com/fairyhunter13/stepflow/internal/domain"
	"github.com/fairyhunter13/stepflow/internal/inbox"
	obsctx "github.com/fairyhunter13/stepflow/internal/observability"
	"github.com/fairyhunter13/stepflow/internal/runner"
)

const (
	heartbeatInterval = 3 * time.Second
	heartbeatTTL      = 10 * time.Second
)

// Worker ties the queue subscription to the runner.
type Worker struct {
	store   domain.Store
	queue   domain.QueueDriver
	runner  *runner.Runner
	guard   *inbox.Guard
	timeout time.Duration
	id      string
}

// New constructs a worker. timeout caps each step's wall-clock execution;
// non-positive means the 30s default.
func New(store domain.Store, queue domain.QueueDriver, r *runner.Runner, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{
		store:   store,
		queue:   queue,
		runner:  r,
		guard:   inbox.NewGuard(store),
		timeout: timeout,
		id:      uuid.New().String(),
	}
}

// ID is this worker's process-unique identifier, carried in heartbeats.
func (w *Worker) ID() string { return w.id }

// Start subscribes to step.ready and, for non-memory drivers, starts the
// heartbeat loop. Returns once the subscription is installed.
func (w *Worker) Start(ctx domain.Context) error {
	if err := w.queue.Subscribe(ctx, domain.TopicStepReady, w.Handle); err != nil {
		return fmt.Errorf("op=worker.start: %w", err)
	}
	if b, ok := w.queue.(domain.Beater); ok && w.queue.Name() != "memory" {
		go w.heartbeatLoop(ctx, b)
	}
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context, b domain.Beater) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Beat(ctx, w.id, heartbeatTTL); err != nil && ctx.Err() == nil {
				obsctx.LoggerFromContext(ctx).Warn("heartbeat write failed", slog.Any("error", err))
			}
		}
	}
}

// Handle processes one step.ready delivery. A returned error triggers the
// driver's retry path.
func (w *Worker) Handle(ctx domain.Context, payload json.RawMessage) error {
	env, err := domain.ParseStepReady(payload)
	if err != nil {
		// Malformed envelopes cannot be repaired by retrying.
		obsctx.LoggerFromContext(ctx).Error("malformed step.ready envelope dropped", slog.Any("error", err))
		return nil
	}
	retryCount := env.Attempt - 1
	if retryCount < 0 {
		retryCount = 0
	}
	log := obsctx.LoggerFromContext(ctx).With(
		slog.String("run_id", env.RunID),
		slog.String("step_id", env.StepID),
		slog.Int("retry_count", retryCount))
	ctx = obsctx.ContextWithLogger(ctx, log)

	observability.InFlight.Inc()
	defer observability.InFlight.Dec()

	key := env.IdempotencyKey
	if key == "" {
		step, err := w.store.GetStep(ctx, env.StepID)
		if err != nil {
			return fmt.Errorf("op=worker.handle: load step for key derivation: %w", err)
		}
		key = inbox.DeriveKey(env.RunID, step.Name, step.Inputs)
	}

	fresh, err := w.guard.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("op=worker.handle: %w", err)
	}
	if !fresh {
		log.Info("duplicate delivery ignored", slog.String("key", key))
		w.recordEvent(ctx, env.RunID, env.StepID, domain.EventInboxDupeIgnored, map[string]any{"key": key})
		return nil
	}
	defer w.guard.Release(ctx, key)

	completed, execErr := w.raceTimeout(ctx, env)
	if execErr == nil {
		// Gated, deferred, and already-terminal deliveries return nil without
		// completing the step; only an actual success fans out.
		if completed {
			w.emitOutbox(ctx, env, domain.EventStepSucceeded, "")
			observability.ProcessedTotal.Inc()
		}
		return nil
	}

	observability.ErrorsTotal.Inc()
	if errors.Is(execErr, domain.ErrStepTimeout) {
		w.MarkStepTimedOut(ctx, env.RunID, env.StepID, w.timeout)
	}
	w.emitOutbox(ctx, env, domain.EventStepFailed, execErr.Error())
	return execErr
}

// raceTimeout runs the step against the wall-clock cap. The cap also cancels
// the execution context so cooperative handlers unwind promptly; a handler
// that ignores cancellation leaks its goroutine but not the delivery slot.
func (w *Worker) raceTimeout(ctx domain.Context, env domain.StepReadyEnvelope) (bool, error) {
	type result struct {
		completed bool
		err       error
	}
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan result, 1)
	go func() {
		completed, err := w.runner.RunStep(execCtx, env.RunID, env.StepID)
		done <- result{completed: completed, err: err}
	}()
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.completed, res.err
	case <-timer.C:
		cancel()
		return false, domain.ErrStepTimeout
	}
}

// MarkStepTimedOut applies the timeout transition: the step moves to
// timed_out with its outputs merged, and the run fails, each only when not
// already terminal.
func (w *Worker) MarkStepTimedOut(ctx domain.Context, runID, stepID string, timeout time.Duration) {
	log := obsctx.LoggerFromContext(ctx)
	timeoutMS := timeout.Milliseconds()

	step, err := w.store.GetStep(ctx, stepID)
	if err != nil {
		log.Error("timeout mark: load step failed", slog.Any("error", err))
		return
	}
	if !step.Status.Terminal() {
		outputs := make(map[string]any, len(step.Outputs)+2)
		for k, v := range step.Outputs {
			outputs[k] = v
		}
		outputs["error"] = "timeout"
		outputs["timeoutMs"] = timeoutMS
		timedOut := domain.StepTimedOut
		ended := time.Now().UTC()
		if err := w.store.UpdateStep(ctx, stepID, domain.StepPatch{
			Status:  &timedOut,
			Outputs: outputs,
			EndedAt: &ended,
		}); err != nil {
			log.Error("timeout mark: step update failed", slog.Any("error", err))
			return
		}
		w.recordEvent(ctx, runID, stepID, domain.EventStepTimeout, map[string]any{"timeoutMs": timeoutMS})
	}

	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		log.Error("timeout mark: load run failed", slog.Any("error", err))
		return
	}
	if run.Status.Terminal() {
		return
	}
	failed := domain.RunFailed
	ended := time.Now().UTC()
	if err := w.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &failed, EndedAt: &ended}); err != nil {
		log.Error("timeout mark: run update failed", slog.Any("error", err))
		return
	}
	w.recordEvent(ctx, runID, "", domain.EventRunFailed, map[string]any{
		"reason":    "timeout",
		"stepId":    stepID,
		"timeoutMs": timeoutMS,
	})
}

// emitOutbox appends the fan-out row. Failures here are log-and-continue;
// the relay only sees what made it into the outbox, and the event log
// remains the source of truth.
func (w *Worker) emitOutbox(ctx domain.Context, env domain.StepReadyEnvelope, typ, errMsg string) {
	out := domain.OutboxEnvelope{RunID: env.RunID, Type: typ, StepID: env.StepID}
	if errMsg != "" {
		out.Payload = map[string]any{"error": errMsg}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		obsctx.LoggerFromContext(ctx).Error("outbox envelope marshal failed", slog.Any("error", err))
		return
	}
	if _, err := w.store.OutboxAdd(ctx, domain.TopicOutbox, payload); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("outbox add failed",
			slog.String("type", typ), slog.Any("error", err))
	}
}

func (w *Worker) recordEvent(ctx domain.Context, runID, stepID, typ string, payload map[string]any) {
	err := w.store.RecordEvent(ctx, domain.Event{RunID: runID, StepID: stepID, Type: typ, Payload: payload})
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("event record failed",
			slog.String("type", typ), slog.Any("error", err))
	}
}
