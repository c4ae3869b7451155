// Package usecase contains the application services behind the control HTTP
// surface: plan admission, recovery, cancellation, and the dev/queue
// inspection operations.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/stepflow/internal/adapter/observability"
	"github.com/fairyhunter13/stepflow/internal/domain"
	obsctx "github.com/fairyhunter13/stepflow/internal/observability"
)

// Plan is the admission payload for POST /runs.
type Plan struct {
	Goal  string     `json:"goal" validate:"required"`
	Steps []PlanStep `json:"steps" validate:"required,min=1,dive"`
}

// PlanStep declares one step of a plan. Inputs is an opaque JSON object;
// reserved keys `_dependsOn` and `_policy` are interpreted at execution time.
type PlanStep struct {
	Name   string          `json:"name" validate:"required"`
	Tool   string          `json:"tool" validate:"required"`
	Inputs json.RawMessage `json:"inputs"`
}

// RunDetail is the GET /runs/{id} projection.
type RunDetail struct {
	Run      domain.Run    `json:"run"`
	Steps    []domain.Step `json:"steps"`
	Progress Progress      `json:"progress"`
}

// Progress summarizes step completion for a run.
type Progress struct {
	Total     int `json:"total"`
	Terminal  int `json:"terminal"`
	Succeeded int `json:"succeeded"`
}

// QueueStats is the GET /dev/queue projection.
type QueueStats struct {
	Topic       string             `json:"topic"`
	Counts      domain.QueueCounts `json:"counts"`
	OldestAgeMS *int64             `json:"oldestAgeMs"`
}

// Service is the application service over the store and the queue driver.
type Service struct {
	store     domain.Store
	queue     domain.QueueDriver
	softLimit int
	validate  *validator.Validate
	now       func() time.Time
}

// NewService constructs a Service. softLimit caps pending+processing on the
// step.ready topic; 0 disables the check.
func NewService(store domain.Store, queue domain.QueueDriver, softLimit int) *Service {
	return &Service{
		store:     store,
		queue:     queue,
		softLimit: softLimit,
		validate:  validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun admits a plan: it creates the run and all of its steps, then
// enqueues every step. Dependency ordering is enforced at execution time by
// the runner's gate, so enqueue order does not matter.
func (s *Service) CreateRun(ctx domain.Context, plan Plan) (domain.Run, error) {
	if err := s.validate.Struct(plan); err != nil {
		return domain.Run{}, fmt.Errorf("op=usecase.create_run: %w: %v", domain.ErrInvalidArgument, err)
	}
	seen := make(map[string]struct{}, len(plan.Steps))
	for _, ps := range plan.Steps {
		if _, dup := seen[ps.Name]; dup {
			return domain.Run{}, fmt.Errorf("op=usecase.create_run: %w: duplicate step name %q", domain.ErrInvalidArgument, ps.Name)
		}
		seen[ps.Name] = struct{}{}
	}
	if err := s.checkSoftLimit(ctx); err != nil {
		return domain.Run{}, err
	}

	runID, err := s.store.CreateRun(ctx, domain.Run{
		Status:    domain.RunQueued,
		Goal:      plan.Goal,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=usecase.create_run: %w", err)
	}
	stepIDs := make([]string, 0, len(plan.Steps))
	for _, ps := range plan.Steps {
		stepID, err := s.store.CreateStep(ctx, domain.Step{
			RunID:     runID,
			Name:      ps.Name,
			Tool:      ps.Tool,
			Inputs:    ps.Inputs,
			Status:    domain.StepQueued,
			CreatedAt: s.now(),
		})
		if err != nil {
			return domain.Run{}, fmt.Errorf("op=usecase.create_run: step %q: %w", ps.Name, err)
		}
		stepIDs = append(stepIDs, stepID)
	}

	s.recordEvent(ctx, runID, "", domain.EventRunCreated, map[string]any{
		"goal":  plan.Goal,
		"steps": len(plan.Steps),
	})
	s.addOutbox(ctx, domain.OutboxEnvelope{RunID: runID, Type: domain.EventRunCreated})

	for _, stepID := range stepIDs {
		if err := s.enqueueStep(ctx, runID, stepID, ""); err != nil {
			return domain.Run{}, err
		}
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=usecase.create_run: %w", err)
	}
	return run, nil
}

func (s *Service) checkSoftLimit(ctx domain.Context) error {
	if s.softLimit <= 0 {
		return nil
	}
	counts, err := s.queue.Counts(ctx, domain.TopicStepReady)
	if err != nil {
		return fmt.Errorf("op=usecase.soft_limit: %w", err)
	}
	if counts.Pending+counts.Processing >= s.softLimit {
		return fmt.Errorf("op=usecase.soft_limit: queue depth %d at ceiling %d: %w",
			counts.Pending+counts.Processing, s.softLimit, domain.ErrRateLimited)
	}
	return nil
}

// RetryStep re-admits a step after failure. Idempotent: calling it with the
// step already queued re-enqueues, and the inbox guards cover duplicate
// executions.
func (s *Service) RetryStep(ctx domain.Context, runID, stepID string) error {
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("op=usecase.retry_step: %w", err)
	}
	if step.RunID != runID {
		return fmt.Errorf("op=usecase.retry_step: step %s not in run %s: %w", stepID, runID, domain.ErrNotFound)
	}

	queued := domain.StepQueued
	if err := s.store.UpdateStep(ctx, stepID, domain.StepPatch{Status: &queued, Reset: true}); err != nil {
		return fmt.Errorf("op=usecase.retry_step: %w", err)
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("op=usecase.retry_step: %w", err)
	}
	if run.Status == domain.RunFailed {
		runQueued := domain.RunQueued
		if err := s.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &runQueued, Reset: true}); err != nil {
			return fmt.Errorf("op=usecase.retry_step: %w", err)
		}
		s.recordEvent(ctx, runID, "", domain.EventRunResumed, map[string]any{"stepId": stepID})
	}

	s.recordEvent(ctx, runID, stepID, domain.EventStepRetry, nil)
	return s.enqueueStep(ctx, runID, stepID, step.IdempotencyKey)
}

// CancelRun marks the run and all of its non-terminal steps cancelled.
// Cancelling an already-cancelled run is a no-op; other terminal states
// conflict.
func (s *Service) CancelRun(ctx domain.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("op=usecase.cancel_run: %w", err)
	}
	if run.Status == domain.RunCancelled {
		return nil
	}
	if run.Status.Terminal() {
		return fmt.Errorf("op=usecase.cancel_run: run is %s: %w", run.Status, domain.ErrConflict)
	}

	cancelled := domain.RunCancelled
	ended := s.now()
	if err := s.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &cancelled, EndedAt: &ended}); err != nil {
		return fmt.Errorf("op=usecase.cancel_run: %w", err)
	}
	steps, err := s.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("op=usecase.cancel_run: %w", err)
	}
	stepCancelled := domain.StepCancelled
	for _, step := range steps {
		if step.Status.Terminal() || step.Status == domain.StepRunning {
			// In-flight handlers are not pre-empted; their completion
			// callbacks observe the cancelled run.
			continue
		}
		if err := s.store.UpdateStep(ctx, step.ID, domain.StepPatch{Status: &stepCancelled, EndedAt: &ended}); err != nil {
			return fmt.Errorf("op=usecase.cancel_run: step %s: %w", step.ID, err)
		}
	}
	s.recordEvent(ctx, runID, "", domain.EventRunCancelled, nil)
	s.addOutbox(ctx, domain.OutboxEnvelope{RunID: runID, Type: domain.EventRunCancelled})
	return nil
}

// GetRunDetail returns the run with its steps and derived progress.
func (s *Service) GetRunDetail(ctx domain.Context, runID string) (RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("op=usecase.get_run: %w", err)
	}
	steps, err := s.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("op=usecase.get_run: %w", err)
	}
	p := Progress{Total: len(steps)}
	for _, step := range steps {
		if step.Status.Terminal() {
			p.Terminal++
		}
		if step.Status == domain.StepSucceeded {
			p.Succeeded++
		}
	}
	return RunDetail{Run: run, Steps: steps, Progress: p}, nil
}

// QueueStatsFor snapshots the topic and refreshes the depth gauge.
func (s *Service) QueueStatsFor(ctx domain.Context, topic string) (QueueStats, error) {
	counts, err := s.queue.Counts(ctx, topic)
	if err != nil {
		return QueueStats{}, fmt.Errorf("op=usecase.queue_stats: %w", err)
	}
	stats := QueueStats{Topic: topic, Counts: counts}
	age, ok, err := s.queue.OldestAge(ctx, topic)
	if err != nil {
		return QueueStats{}, fmt.Errorf("op=usecase.queue_stats: %w", err)
	}
	if ok {
		ms := age.Milliseconds()
		stats.OldestAgeMS = &ms
	}
	observability.QueueDepth.WithLabelValues(topic).Set(float64(counts.Pending + counts.Delayed))
	return stats, nil
}

// ListDLQ returns up to limit dead jobs for topic.
func (s *Service) ListDLQ(ctx domain.Context, topic string, limit int) ([]domain.QueueJob, error) {
	jobs, err := s.queue.ListDLQ(ctx, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.list_dlq: %w", err)
	}
	return jobs, nil
}

// RehydrateDLQ re-admits up to max dead jobs, with max clamped to [0, 500].
func (s *Service) RehydrateDLQ(ctx domain.Context, topic string, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	if max > 500 {
		max = 500
	}
	if max == 0 {
		return 0, nil
	}
	moved, err := s.queue.RehydrateDLQ(ctx, topic, max)
	if err != nil {
		return 0, fmt.Errorf("op=usecase.rehydrate_dlq: %w", err)
	}
	return moved, nil
}

func (s *Service) enqueueStep(ctx domain.Context, runID, stepID, idemKey string) error {
	payload, err := json.Marshal(domain.StepReadyEnvelope{
		RunID:          runID,
		StepID:         stepID,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		return fmt.Errorf("op=usecase.enqueue_step: %w", err)
	}
	if err := s.queue.Enqueue(ctx, domain.TopicStepReady, payload, domain.EnqueueOptions{}); err != nil {
		return fmt.Errorf("op=usecase.enqueue_step: %w", err)
	}
	return nil
}

// addOutbox is log-and-continue: the event log already holds the fact, and
// the relay only fans out what made it into the outbox.
func (s *Service) addOutbox(ctx domain.Context, env domain.OutboxEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		obsctx.LoggerFromContext(ctx).Error("outbox envelope marshal failed", slog.Any("error", err))
		return
	}
	if _, err := s.store.OutboxAdd(ctx, domain.TopicOutbox, payload); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("outbox add failed",
			slog.String("type", env.Type), slog.Any("error", err))
	}
}

func (s *Service) recordEvent(ctx domain.Context, runID, stepID, typ string, payload map[string]any) {
	err := s.store.RecordEvent(ctx, domain.Event{RunID: runID, StepID: stepID, Type: typ, Payload: payload})
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("event record failed",
			slog.String("type", typ), slog.Any("error", err))
	}
}
