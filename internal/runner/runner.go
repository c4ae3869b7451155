package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/stepflow/internal/adapter/observability"
	"github.com/fairyhunter13/stepflow/internal/domain"
	"github.com/fairyhunter13/stepflow/internal/inbox"
	obsctx "github.com/fairyhunter13/stepflow/internal/observability"
)

// DepsRequeueDelay is the re-enqueue delay when a step's dependencies are not
// yet terminal.
const DepsRequeueDelay = 2 * time.Second

// Runner drives one step execution end to end.
type Runner struct {
	store    domain.Store
	queue    domain.QueueDriver
	registry *Registry
	guard    *inbox.Guard
	now      func() time.Time
}

// New constructs a Runner.
func New(store domain.Store, queue domain.QueueDriver, registry *Registry) *Runner {
	return &Runner{
		store:    store,
		queue:    queue,
		registry: registry,
		guard:    inbox.NewGuard(store),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock; used by tests.
func (r *Runner) WithNow(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunStep executes one step. The bool reports whether this delivery drove the
// step to succeeded; dup-guarded, already-terminal, deferred, and denied
// deliveries return false. A returned error signals the queue driver to retry
// the delivery; deterministic denials (policy, dependencies not ready) return
// nil because a retry cannot change the outcome.
func (r *Runner) RunStep(ctx domain.Context, runID, stepID string) (bool, error) {
	log := obsctx.LoggerFromContext(ctx).With(
		slog.String("run_id", runID),
		slog.String("step_id", stepID))

	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return false, fmt.Errorf("op=runner.run_step: load step: %w", err)
	}

	lease := inbox.ExecLeasePrefix + stepID
	fresh, err := r.guard.Acquire(ctx, lease)
	if err != nil {
		return false, fmt.Errorf("op=runner.run_step: %w", err)
	}
	if !fresh {
		log.Info("duplicate step execution ignored", slog.String("lease", lease))
		r.recordEvent(ctx, runID, stepID, domain.EventInboxDupeIgnored, map[string]any{"key": lease})
		return false, nil
	}
	// The worker's timeout race cancels ctx while the handler is still
	// running; the lease release and the completion writes must land anyway,
	// so they run on a detached context.
	cleanup := context.WithoutCancel(ctx)
	defer r.guard.Release(cleanup, lease)

	// Redelivery of an already-terminal step is a no-op; terminal state is a
	// sink.
	if step.Status.Terminal() {
		log.Info("step already terminal", slog.String("status", string(step.Status)))
		return false, nil
	}

	if done, err := r.gateDependencies(ctx, step, log); err != nil || done {
		return false, err
	}
	if denied, err := r.gatePolicy(ctx, step, log); err != nil || denied {
		return false, err
	}

	h, ok := r.registry.Find(step.Tool)
	if !ok {
		failed := domain.StepFailed
		ended := r.now()
		if err := r.store.UpdateStep(ctx, stepID, domain.StepPatch{
			Status:  &failed,
			Outputs: map[string]any{"error": domain.ErrNoHandler.Error(), "tool": step.Tool},
			EndedAt: &ended,
		}); err != nil {
			return false, fmt.Errorf("op=runner.run_step: %w", err)
		}
		r.recordEvent(ctx, runID, stepID, domain.EventStepFailed, map[string]any{
			"error": domain.ErrNoHandler.Error(),
			"tool":  step.Tool,
		})
		return false, fmt.Errorf("op=runner.run_step: tool=%s: %w", step.Tool, domain.ErrNoHandler)
	}

	started := r.now()
	running := domain.StepRunning
	if err := r.store.UpdateStep(ctx, stepID, domain.StepPatch{Status: &running, StartedAt: &started}); err != nil {
		return false, fmt.Errorf("op=runner.run_step: %w", err)
	}
	r.markRunRunning(ctx, runID, started)
	r.recordEvent(ctx, runID, stepID, domain.EventStepStarted, map[string]any{"tool": step.Tool})

	execErr := h.Execute(ctx, runID, step)
	dur := r.now().Sub(started)
	if execErr != nil {
		observability.ObserveStep(step.Tool, string(domain.StepFailed), dur)
		return false, r.completeFailure(cleanup, runID, step, execErr, log)
	}
	observability.ObserveStep(step.Tool, string(domain.StepSucceeded), dur)
	return r.completeSuccess(cleanup, runID, stepID, log)
}

// gateDependencies requeues the step with a delay when any named dependency
// is not yet in {succeeded, cancelled}. Returns done=true when the step was
// deferred.
func (r *Runner) gateDependencies(ctx domain.Context, step domain.Step, log *slog.Logger) (bool, error) {
	deps := step.DependsOn()
	if len(deps) == 0 {
		return false, nil
	}
	siblings, err := r.store.ListStepsByRun(ctx, step.RunID)
	if err != nil {
		return false, fmt.Errorf("op=runner.deps: %w", err)
	}
	byName := make(map[string]domain.Step, len(siblings))
	for _, s := range siblings {
		byName[s.Name] = s
	}
	var unmet []string
	for _, name := range deps {
		dep, ok := byName[name]
		if !ok || (dep.Status != domain.StepSucceeded && dep.Status != domain.StepCancelled) {
			unmet = append(unmet, name)
		}
	}
	if len(unmet) == 0 {
		return false, nil
	}
	env := domain.StepReadyEnvelope{
		RunID:          step.RunID,
		StepID:         step.ID,
		IdempotencyKey: step.IdempotencyKey,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("op=runner.deps: %w", err)
	}
	if err := r.queue.Enqueue(ctx, domain.TopicStepReady, payload, domain.EnqueueOptions{Delay: DepsRequeueDelay}); err != nil {
		return false, fmt.Errorf("op=runner.deps: requeue: %w", err)
	}
	log.Info("step waiting on dependencies", slog.Any("deps", unmet))
	r.recordEvent(ctx, step.RunID, step.ID, domain.EventStepWaiting, map[string]any{
		"reason": "deps_not_ready",
		"deps":   unmet,
	})
	return true, nil
}

// gatePolicy fails the step and the run when `_policy.tools_allowed` excludes
// the step's tool. Deterministic; no retry.
func (r *Runner) gatePolicy(ctx domain.Context, step domain.Step, log *slog.Logger) (bool, error) {
	policy := step.Policy()
	if policy == nil || len(policy.ToolsAllowed) == 0 {
		return false, nil
	}
	for _, allowed := range policy.ToolsAllowed {
		if allowed == step.Tool {
			return false, nil
		}
	}
	log.Warn("policy denied tool",
		slog.String("tool", step.Tool),
		slog.Any("tools_allowed", policy.ToolsAllowed))
	failed := domain.StepFailed
	ended := r.now()
	if err := r.store.UpdateStep(ctx, step.ID, domain.StepPatch{
		Status: &failed,
		Outputs: map[string]any{
			"error":        domain.ErrPolicyDenied.Error(),
			"tool":         step.Tool,
			"toolsAllowed": policy.ToolsAllowed,
		},
		EndedAt: &ended,
	}); err != nil {
		return false, fmt.Errorf("op=runner.policy: %w", err)
	}
	r.recordEvent(ctx, step.RunID, step.ID, domain.EventPolicyDenied, map[string]any{
		"tool":         step.Tool,
		"toolsAllowed": policy.ToolsAllowed,
	})
	r.recordEvent(ctx, step.RunID, step.ID, domain.EventStepFailed, map[string]any{
		"error": domain.ErrPolicyDenied.Error(),
	})
	r.failRun(ctx, step.RunID, map[string]any{"reason": "policy_denied", "stepId": step.ID})
	return true, nil
}

func (r *Runner) completeSuccess(ctx domain.Context, runID, stepID string, log *slog.Logger) (bool, error) {
	// timed_out precedence: the worker's timeout race may have already marked
	// the step; a handler that succeeds late must not overwrite a terminal
	// state.
	current, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return false, fmt.Errorf("op=runner.complete: %w", err)
	}
	if current.Status.Terminal() {
		log.Info("late success ignored", slog.String("status", string(current.Status)))
		return false, nil
	}

	succeeded := domain.StepSucceeded
	ended := r.now()
	if err := r.store.UpdateStep(ctx, stepID, domain.StepPatch{Status: &succeeded, EndedAt: &ended}); err != nil {
		return false, fmt.Errorf("op=runner.complete: %w", err)
	}
	r.recordEvent(ctx, runID, stepID, domain.EventStepSucceeded, nil)

	remaining, err := r.store.CountRemainingSteps(ctx, runID)
	if err != nil {
		return true, fmt.Errorf("op=runner.complete: %w", err)
	}
	if remaining > 0 {
		return true, nil
	}
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return true, fmt.Errorf("op=runner.complete: %w", err)
	}
	// A cancelled (or otherwise terminal) run keeps its status; completion
	// callbacks skip run-level transitions.
	if run.Status.Terminal() {
		return true, nil
	}
	runSucceeded := domain.RunSucceeded
	if err := r.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &runSucceeded, EndedAt: &ended}); err != nil {
		return true, fmt.Errorf("op=runner.complete: %w", err)
	}
	r.recordEvent(ctx, runID, "", domain.EventRunSucceeded, nil)
	log.Info("run succeeded")
	return true, nil
}

func (r *Runner) completeFailure(ctx domain.Context, runID string, step domain.Step, execErr error, log *slog.Logger) error {
	log.Warn("step handler failed", slog.Any("error", execErr))

	// timed_out precedence: the worker's timeout race may have already marked
	// the step; a later handler error must not overwrite a terminal state.
	current, err := r.store.GetStep(ctx, step.ID)
	if err == nil && current.Status.Terminal() {
		return fmt.Errorf("op=runner.run_step: tool=%s: %w", step.Tool, execErr)
	}

	failed := domain.StepFailed
	ended := r.now()
	if err := r.store.UpdateStep(ctx, step.ID, domain.StepPatch{
		Status:  &failed,
		Outputs: map[string]any{"error": execErr.Error()},
		EndedAt: &ended,
	}); err != nil {
		return errors.Join(execErr, err)
	}
	r.recordEvent(ctx, runID, step.ID, domain.EventStepFailed, map[string]any{"error": execErr.Error()})
	r.failRun(ctx, runID, map[string]any{"reason": "step failed", "stepId": step.ID})
	return fmt.Errorf("op=runner.run_step: tool=%s: %w", step.Tool, execErr)
}

// failRun transitions a non-terminal run to failed. Failures here are logged
// and swallowed; the step-level state already reflects the truth.
func (r *Runner) failRun(ctx domain.Context, runID string, payload map[string]any) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil || run.Status.Terminal() {
		return
	}
	runFailed := domain.RunFailed
	ended := r.now()
	if err := r.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &runFailed, EndedAt: &ended}); err != nil {
		obsctx.LoggerFromContext(ctx).Error("run fail transition failed",
			slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	r.recordEvent(ctx, runID, "", domain.EventRunFailed, payload)
}

func (r *Runner) markRunRunning(ctx domain.Context, runID string, started time.Time) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil || run.Status != domain.RunQueued {
		return
	}
	running := domain.RunRunning
	patch := domain.RunPatch{Status: &running}
	if run.StartedAt == nil {
		patch.StartedAt = &started
	}
	if err := r.store.UpdateRun(ctx, runID, patch); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("run running transition failed",
			slog.String("run_id", runID), slog.Any("error", err))
	}
}

// recordEvent appends to the event log. Event-log failures never abort the
// execution path.
func (r *Runner) recordEvent(ctx domain.Context, runID, stepID, typ string, payload map[string]any) {
	err := r.store.RecordEvent(ctx, domain.Event{
		RunID:   runID,
		StepID:  stepID,
		Type:    typ,
		Payload: payload,
	})
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("event record failed",
			slog.String("type", typ), slog.Any("error", err))
	}
}
