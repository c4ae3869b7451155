package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/stepflow/internal/adapter/queue/memoryq"
	"github.com/fairyhunter13/stepflow/internal/adapter/store/memory"
	"github.com/fairyhunter13/stepflow/internal/domain"
	"github.com/fairyhunter13/stepflow/internal/inbox"
)

type fixture struct {
	store  *memory.Store
	queue  *memoryq.Driver
	runner *Runner
}

func newFixture(t *testing.T, extra ...Handler) *fixture {
	t.Helper()
	store := memory.New()
	queue := memoryq.New(memoryq.Options{})
	handlers := append([]Handler{EchoHandler{Store: store}, FailHandler{}, SleepHandler{}}, extra...)
	return &fixture{
		store:  store,
		queue:  queue,
		runner: New(store, queue, NewRegistry(handlers...)),
	}
}

func (f *fixture) seedRun(t *testing.T, steps ...domain.Step) (string, []string) {
	t.Helper()
	ctx := context.Background()
	runID, err := f.store.CreateRun(ctx, domain.Run{Status: domain.RunQueued, Goal: "test"})
	require.NoError(t, err)
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		s.RunID = runID
		s.Status = domain.StepQueued
		id, err := f.store.CreateStep(ctx, s)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return runID, ids
}

func (f *fixture) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := f.store.ListEventsByRun(context.Background(), runID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestRunStepSuccessCompletesRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runID, ids := f.seedRun(t, domain.Step{Name: "echo", Tool: "test:echo", Inputs: json.RawMessage(`{"msg":"hi"}`)})

	completed, err := f.runner.RunStep(ctx, runID, ids[0])
	require.NoError(t, err)
	assert.True(t, completed)

	step, err := f.store.GetStep(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StepSucceeded, step.Status)
	require.NotNil(t, step.EndedAt)
	assert.Equal(t, map[string]any{"msg": "hi"}, step.Outputs["echo"])

	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)

	assert.Subset(t, f.eventTypes(t, runID),
		[]string{domain.EventStepStarted, domain.EventStepSucceeded, domain.EventRunSucceeded})
}

func TestRunStepHandlerFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runID, ids := f.seedRun(t, domain.Step{Name: "boom", Tool: "test:fail", Inputs: json.RawMessage(`{"message":"kaput"}`)})

	completed, err := f.runner.RunStep(ctx, runID, ids[0])
	require.Error(t, err, "handler failures propagate so the queue retries")
	assert.False(t, completed)

	step, _ := f.store.GetStep(ctx, ids[0])
	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Equal(t, "kaput", step.Outputs["error"])

	run, _ := f.store.GetRun(ctx, runID)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, f.eventTypes(t, runID), domain.EventStepFailed)
	assert.Contains(t, f.eventTypes(t, runID), domain.EventRunFailed)
}

func TestRunStepUnknownToolIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runID, ids := f.seedRun(t, domain.Step{Name: "mystery", Tool: "no:such"})

	_, err := f.runner.RunStep(ctx, runID, ids[0])
	require.ErrorIs(t, err, domain.ErrNoHandler)

	step, _ := f.store.GetStep(ctx, ids[0])
	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Equal(t, domain.ErrNoHandler.Error(), step.Outputs["error"])
}

func TestRunStepPolicyDenialIsDeterministic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runID, ids := f.seedRun(t, domain.Step{
		Name:   "restricted",
		Tool:   "test:echo",
		Inputs: json.RawMessage(`{"_policy":{"tools_allowed":["test:sleep"]}}`),
	})

	completed, err := f.runner.RunStep(ctx, runID, ids[0])
	require.NoError(t, err, "policy denial must not trigger queue retry")
	assert.False(t, completed, "a denied step is not a success")

	step, _ := f.store.GetStep(ctx, ids[0])
	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Equal(t, domain.ErrPolicyDenied.Error(), step.Outputs["error"])
	assert.Equal(t, "test:echo", step.Outputs["tool"])

	run, _ := f.store.GetRun(ctx, runID)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, f.eventTypes(t, runID), domain.EventPolicyDenied)
}

func TestRunStepDependencyGateRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runID, ids := f.seedRun(t,
		domain.Step{Name: "first", Tool: "test:echo"},
		domain.Step{Name: "second", Tool: "test:echo", Inputs: json.RawMessage(`{"_dependsOn":["first"]}`)},
	)

	completed, err := f.runner.RunStep(ctx, runID, ids[1])
	require.NoError(t, err)
	assert.False(t, completed, "a deferred step is not a success")

	step, _ := f.store.GetStep(ctx, ids[1])
	assert.Equal(t, domain.StepQueued, step.Status, "deferred step is untouched")
	assert.Contains(t, f.eventTypes(t, runID), domain.EventStepWaiting)

	c, err := f.queue.Counts(ctx, domain.TopicStepReady)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Delayed, "requeue carries the 2s delay")

	// Once the dependency succeeds the deferred step runs through.
	_, err = f.runner.RunStep(ctx, runID, ids[0])
	require.NoError(t, err)
	completed, err = f.runner.RunStep(ctx, runID, ids[1])
	require.NoError(t, err)
	assert.True(t, completed)
	step, _ = f.store.GetStep(ctx, ids[1])
	assert.Equal(t, domain.StepSucceeded, step.Status)
}

func TestRunStepExecLeaseBlocksConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runID, ids := f.seedRun(t, domain.Step{Name: "echo", Tool: "test:echo"})

	// Simulate a concurrent worker holding the execution lease.
	fresh, err := f.store.InboxMarkIfNew(ctx, inbox.ExecLeasePrefix+ids[0])
	require.NoError(t, err)
	require.True(t, fresh)

	completed, err := f.runner.RunStep(ctx, runID, ids[0])
	require.NoError(t, err)
	assert.False(t, completed)

	step, _ := f.store.GetStep(ctx, ids[0])
	assert.Equal(t, domain.StepQueued, step.Status, "guarded delivery has no side effects")
	assert.Contains(t, f.eventTypes(t, runID), domain.EventInboxDupeIgnored)
}

type timeoutMarkingHandler struct {
	store  domain.Store
	stepID *string
}

func (timeoutMarkingHandler) Matches(tool string) bool { return tool == "test:mark-timeout" }

func (h timeoutMarkingHandler) Execute(ctx domain.Context, _ string, step domain.Step) error {
	timedOut := domain.StepTimedOut
	if err := h.store.UpdateStep(ctx, step.ID, domain.StepPatch{
		Status:  &timedOut,
		Outputs: map[string]any{"error": "timeout"},
	}); err != nil {
		return err
	}
	*h.stepID = step.ID
	return errors.New("handler error after timeout")
}

func TestRunStepTimedOutPrecedence(t *testing.T) {
	ctx := context.Background()
	var marked string
	store := memory.New()
	h := timeoutMarkingHandler{store: store, stepID: &marked}
	queue := memoryq.New(memoryq.Options{})
	f := &fixture{
		store:  store,
		queue:  queue,
		runner: New(store, queue, NewRegistry(h)),
	}
	runID, ids := f.seedRun(t, domain.Step{Name: "slow", Tool: "test:mark-timeout"})

	_, err := f.runner.RunStep(ctx, runID, ids[0])
	require.Error(t, err)

	step, _ := f.store.GetStep(ctx, ids[0])
	assert.Equal(t, domain.StepTimedOut, step.Status, "timed_out must not be overwritten by a later failure")
	assert.Equal(t, "timeout", step.Outputs["error"])
}

// timeoutThenSucceedHandler simulates a handler raced to timeout that still
// returns nil afterwards.
type timeoutThenSucceedHandler struct {
	store domain.Store
}

func (timeoutThenSucceedHandler) Matches(tool string) bool { return tool == "test:late-success" }

func (h timeoutThenSucceedHandler) Execute(ctx domain.Context, _ string, step domain.Step) error {
	timedOut := domain.StepTimedOut
	return h.store.UpdateStep(ctx, step.ID, domain.StepPatch{
		Status:  &timedOut,
		Outputs: map[string]any{"error": "timeout", "timeoutMs": int64(50)},
	})
}

func TestRunStepLateSuccessDoesNotOverwriteTimedOut(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	queue := memoryq.New(memoryq.Options{})
	f := &fixture{
		store:  store,
		queue:  queue,
		runner: New(store, queue, NewRegistry(timeoutThenSucceedHandler{store: store})),
	}
	runID, ids := f.seedRun(t, domain.Step{Name: "slow", Tool: "test:late-success"})

	completed, err := f.runner.RunStep(ctx, runID, ids[0])
	require.NoError(t, err)
	assert.False(t, completed, "a handler finishing after the timeout did not complete the step")

	step, _ := f.store.GetStep(ctx, ids[0])
	assert.Equal(t, domain.StepTimedOut, step.Status, "timed_out must not be overwritten by a late success")
	assert.Equal(t, "timeout", step.Outputs["error"])

	run, _ := f.store.GetRun(ctx, runID)
	assert.NotEqual(t, domain.RunSucceeded, run.Status, "run must not be promoted off a timed-out step")
	assert.NotContains(t, f.eventTypes(t, runID), domain.EventStepSucceeded)
}

// cancelSensitiveStore fails writes once the request context is cancelled,
// the way a networked store would.
type cancelSensitiveStore struct {
	domain.Store
}

func (s cancelSensitiveStore) InboxDelete(ctx domain.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.InboxDelete(ctx, key)
}

func (s cancelSensitiveStore) UpdateStep(ctx domain.Context, id string, patch domain.StepPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateStep(ctx, id, patch)
}

func (s cancelSensitiveStore) GetStep(ctx domain.Context, id string) (domain.Step, error) {
	if err := ctx.Err(); err != nil {
		return domain.Step{}, err
	}
	return s.Store.GetStep(ctx, id)
}

// cancellingHandler cancels the execution context mid-flight, mimicking the
// worker's timeout, then reports an error.
type cancellingHandler struct {
	cancel context.CancelFunc
}

func (cancellingHandler) Matches(tool string) bool { return tool == "test:cancel" }

func (h cancellingHandler) Execute(domain.Context, string, domain.Step) error {
	h.cancel()
	return errors.New("boom")
}

func TestRunStepReleasesLeaseOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := memory.New()
	store := cancelSensitiveStore{Store: mem}
	queue := memoryq.New(memoryq.Options{})
	r := New(store, queue, NewRegistry(cancellingHandler{cancel: cancel}))

	runID, err := mem.CreateRun(ctx, domain.Run{Status: domain.RunQueued})
	require.NoError(t, err)
	stepID, err := mem.CreateStep(ctx, domain.Step{RunID: runID, Name: "c", Tool: "test:cancel", Status: domain.StepQueued})
	require.NoError(t, err)

	_, err = r.RunStep(ctx, runID, stepID)
	require.Error(t, err)

	// The failure transition landed despite the cancelled request context.
	step, err := mem.GetStep(context.Background(), stepID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Equal(t, "boom", step.Outputs["error"])

	// The execution lease was released, so a recovery delivery can claim it.
	fresh, err := mem.InboxMarkIfNew(context.Background(), inbox.ExecLeasePrefix+stepID)
	require.NoError(t, err)
	assert.True(t, fresh, "lease must not linger after a cancelled delivery")
}

func TestRunStepCancelledRunSkipsRunTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runID, ids := f.seedRun(t, domain.Step{Name: "echo", Tool: "test:echo"})

	cancelled := domain.RunCancelled
	require.NoError(t, f.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &cancelled}))

	completed, err := f.runner.RunStep(ctx, runID, ids[0])
	require.NoError(t, err)
	assert.True(t, completed)

	run, _ := f.store.GetRun(ctx, runID)
	assert.Equal(t, domain.RunCancelled, run.Status, "completion callback observes the cancelled run")
}

func TestRunStepTerminalStepIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runID, ids := f.seedRun(t, domain.Step{Name: "echo", Tool: "test:echo"})

	succeeded := domain.StepSucceeded
	require.NoError(t, f.store.UpdateStep(ctx, ids[0], domain.StepPatch{Status: &succeeded}))

	completed, err := f.runner.RunStep(ctx, runID, ids[0])
	require.NoError(t, err)
	assert.False(t, completed, "redelivery of a terminal step is not a success")
	assert.NotContains(t, f.eventTypes(t, runID), domain.EventStepStarted)
}

func TestRegistryFirstMatchWins(t *testing.T) {
	store := memory.New()
	r := DefaultRegistry(store)
	require.Equal(t, 3, r.Len())

	h, ok := r.Find("test:echo")
	require.True(t, ok)
	assert.IsType(t, EchoHandler{}, h)

	_, ok = r.Find("no:such")
	assert.False(t, ok)
}
