package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/stepflow/internal/adapter/queue/memoryq"
	"github.com/fairyhunter13/stepflow/internal/adapter/store/memory"
	"github.com/fairyhunter13/stepflow/internal/domain"
)

func newService(t *testing.T, softLimit int) (*Service, *memory.Store, *memoryq.Driver) {
	t.Helper()
	store := memory.New()
	queue := memoryq.New(memoryq.Options{})
	return NewService(store, queue, softLimit), store, queue
}

func twoStepPlan() Plan {
	return Plan{
		Goal: "ship it",
		Steps: []PlanStep{
			{Name: "build", Tool: "test:echo", Inputs: json.RawMessage(`{"target":"all"}`)},
			{Name: "deploy", Tool: "test:echo", Inputs: json.RawMessage(`{"_dependsOn":["build"]}`)},
		},
	}
}

func TestCreateRunEnqueuesEveryStep(t *testing.T) {
	ctx := context.Background()
	svc, store, queue := newService(t, 0)

	run, err := svc.CreateRun(ctx, twoStepPlan())
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.Status)
	assert.Equal(t, "ship it", run.Goal)

	steps, err := store.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		assert.Equal(t, domain.StepQueued, s.Status)
	}

	c, err := queue.Counts(ctx, domain.TopicStepReady)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Pending, "all steps enqueue at admission; ordering is the runner's job")

	events, err := store.ListEventsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventRunCreated, events[0].Type)

	backlog, err := store.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog, "run.created fan-out row")
}

func TestCreateRunRejectsInvalidPlans(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 0)

	_, err := svc.CreateRun(ctx, Plan{Goal: "no steps"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.CreateRun(ctx, Plan{
		Goal: "dup names",
		Steps: []PlanStep{
			{Name: "a", Tool: "test:echo"},
			{Name: "a", Tool: "test:echo"},
		},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.CreateRun(ctx, Plan{
		Goal:  "missing tool",
		Steps: []PlanStep{{Name: "a"}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreateRunSoftLimitRejects(t *testing.T) {
	ctx := context.Background()
	svc, _, queue := newService(t, 1)

	require.NoError(t, queue.Enqueue(ctx, domain.TopicStepReady, json.RawMessage(`{"runId":"x","stepId":"y"}`), domain.EnqueueOptions{}))

	_, err := svc.CreateRun(ctx, twoStepPlan())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRetryStepResetsAndResumes(t *testing.T) {
	ctx := context.Background()
	svc, store, queue := newService(t, 0)

	run, err := svc.CreateRun(ctx, twoStepPlan())
	require.NoError(t, err)
	steps, err := store.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	stepID := steps[0].ID

	failedStep := domain.StepFailed
	require.NoError(t, store.UpdateStep(ctx, stepID, domain.StepPatch{
		Status:  &failedStep,
		Outputs: map[string]any{"error": "boom"},
	}))
	failedRun := domain.RunFailed
	require.NoError(t, store.UpdateRun(ctx, run.ID, domain.RunPatch{Status: &failedRun}))

	require.NoError(t, svc.RetryStep(ctx, run.ID, stepID))

	step, err := store.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepQueued, step.Status)
	assert.Empty(t, step.Outputs, "retry clears outputs")
	assert.Nil(t, step.EndedAt)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, got.Status, "terminal-failed run resumes")

	var types []string
	events, _ := store.ListEventsByRun(ctx, run.ID)
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, domain.EventRunResumed)
	assert.Contains(t, types, domain.EventStepRetry)

	c, err := queue.Counts(ctx, domain.TopicStepReady)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Pending, "retry re-enqueues on top of admission")

	// Idempotent: a second retry re-enqueues but never errors.
	require.NoError(t, svc.RetryStep(ctx, run.ID, stepID))
}

func TestRetryStepWrongRunIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t, 0)

	run, err := svc.CreateRun(ctx, twoStepPlan())
	require.NoError(t, err)
	steps, _ := store.ListStepsByRun(ctx, run.ID)

	err = svc.RetryStep(ctx, "other-run", steps[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelRunMarksNonTerminalSteps(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t, 0)

	run, err := svc.CreateRun(ctx, twoStepPlan())
	require.NoError(t, err)
	steps, _ := store.ListStepsByRun(ctx, run.ID)

	succeeded := domain.StepSucceeded
	require.NoError(t, store.UpdateStep(ctx, steps[0].ID, domain.StepPatch{Status: &succeeded}))

	require.NoError(t, svc.CancelRun(ctx, run.ID))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, got.Status)

	first, _ := store.GetStep(ctx, steps[0].ID)
	assert.Equal(t, domain.StepSucceeded, first.Status, "terminal steps keep their status")
	second, _ := store.GetStep(ctx, steps[1].ID)
	assert.Equal(t, domain.StepCancelled, second.Status)

	// Idempotent for cancelled; conflicting for other terminal states.
	require.NoError(t, svc.CancelRun(ctx, run.ID))
}

func TestCancelRunConflictsWhenSucceeded(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t, 0)

	run, err := svc.CreateRun(ctx, twoStepPlan())
	require.NoError(t, err)
	done := domain.RunSucceeded
	require.NoError(t, store.UpdateRun(ctx, run.ID, domain.RunPatch{Status: &done}))

	err = svc.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestGetRunDetailProgress(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t, 0)

	run, err := svc.CreateRun(ctx, twoStepPlan())
	require.NoError(t, err)
	steps, _ := store.ListStepsByRun(ctx, run.ID)
	succeeded := domain.StepSucceeded
	require.NoError(t, store.UpdateStep(ctx, steps[0].ID, domain.StepPatch{Status: &succeeded}))

	detail, err := svc.GetRunDetail(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 2, Terminal: 1, Succeeded: 1}, detail.Progress)
	assert.Len(t, detail.Steps, 2)
}

func TestQueueStatsReportsOldestAge(t *testing.T) {
	ctx := context.Background()
	svc, _, queue := newService(t, 0)

	stats, err := svc.QueueStatsFor(ctx, domain.TopicStepReady)
	require.NoError(t, err)
	assert.Nil(t, stats.OldestAgeMS, "empty topic has no oldest age")

	require.NoError(t, queue.Enqueue(ctx, domain.TopicStepReady, json.RawMessage(`{"runId":"r","stepId":"s"}`), domain.EnqueueOptions{}))
	stats, err = svc.QueueStatsFor(ctx, domain.TopicStepReady)
	require.NoError(t, err)
	require.NotNil(t, stats.OldestAgeMS)
	assert.Equal(t, 1, stats.Counts.Pending)
}

func TestRehydrateDLQClampsMax(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 0)

	moved, err := svc.RehydrateDLQ(ctx, domain.TopicStepDLQ, -5)
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = svc.RehydrateDLQ(ctx, domain.TopicStepDLQ, 10_000)
	require.NoError(t, err)
	assert.Zero(t, moved, "clamped to 500 but the DLQ is empty")
}
