// Package domain holds the core entities and ports of the step-execution
// control plane. It has no dependencies on adapters; adapters depend on it.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrPolicyDenied    = errors.New("policy: tool not allowed")
	ErrNoHandler       = errors.New("no handler for tool")
	ErrStepTimeout     = errors.New("step timeout")
	ErrInternal        = errors.New("internal error")
)

// RunStatus enumerates run lifecycle states.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run status admits no further non-recovery transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// StepStatus enumerates step lifecycle states.
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timed_out"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether a step status is a sink state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepTimedOut, StepCancelled:
		return true
	}
	return false
}

// Run is an ordered collection of steps sharing a goal and a lifecycle.
type Run struct {
	ID        string         `json:"id"`
	Status    RunStatus      `json:"status"`
	Goal      string         `json:"goal"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
}

// Step is the unit of scheduled work: one tool invocation with typed inputs.
// Inputs is an opaque JSON object; reserved keys `_dependsOn` and `_policy`
// are interpreted by the runner.
type Step struct {
	ID             string          `json:"id"`
	RunID          string          `json:"runId"`
	Name           string          `json:"name"`
	Tool           string          `json:"tool"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Status         StepStatus      `json:"status"`
	Outputs        map[string]any  `json:"outputs,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
}

// StepPolicy is the optional `_policy` object carried in step inputs.
type StepPolicy struct {
	ToolsAllowed []string `json:"tools_allowed"`
}

type stepInputMeta struct {
	DependsOn []string    `json:"_dependsOn"`
	Policy    *StepPolicy `json:"_policy"`
}

// DependsOn returns the `_dependsOn` step names declared in Inputs, or nil.
func (s Step) DependsOn() []string {
	if len(s.Inputs) == 0 {
		return nil
	}
	var meta stepInputMeta
	if err := json.Unmarshal(s.Inputs, &meta); err != nil {
		return nil
	}
	return meta.DependsOn
}

// Policy returns the `_policy` object declared in Inputs, or nil.
func (s Step) Policy() *StepPolicy {
	if len(s.Inputs) == 0 {
		return nil
	}
	var meta stepInputMeta
	if err := json.Unmarshal(s.Inputs, &meta); err != nil {
		return nil
	}
	return meta.Policy
}

// Event is one row of the append-only domain event log.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId"`
	StepID    string         `json:"stepId,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// Event types (closed set).
const (
	EventRunCreated       = "run.created"
	EventRunSucceeded     = "run.succeeded"
	EventRunFailed        = "run.failed"
	EventRunResumed       = "run.resumed"
	EventRunCancelled     = "run.cancelled"
	EventStepStarted      = "step.started"
	EventStepSucceeded    = "step.succeeded"
	EventStepFailed       = "step.failed"
	EventStepTimeout      = "step.timeout"
	EventStepWaiting      = "step.waiting"
	EventStepRetry        = "step.retry"
	EventPolicyDenied     = "policy.denied"
	EventInboxDupeIgnored = "inbox.duplicate.ignored"
)

// OutboxRow is one pending or delivered domain-event emission.
type OutboxRow struct {
	ID        string
	Topic     string
	Payload   json.RawMessage
	CreatedAt time.Time
	SentAt    *time.Time
}

// JobStatus enumerates queue job states across drivers.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDLQ        JobStatus = "dlq"
)

// QueueJob is the driver-owned wrapping record around an envelope.
type QueueJob struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	LockedUntil *time.Time      `json:"lockedUntil,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// QueueCounts is the per-topic depth snapshot exposed by every driver.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Delayed    int `json:"delayed"`
	DLQ        int `json:"dlq"`
}

// IdemResponse is a stored first response for an HTTP idempotency key.
type IdemResponse struct {
	Key       string
	Status    int
	Body      json.RawMessage
	CreatedAt time.Time
}

// RunPatch is a partial run update. Nil fields are left untouched.
// Reset clears EndedAt (recovery path).
type RunPatch struct {
	Status    *RunStatus
	StartedAt *time.Time
	EndedAt   *time.Time
	Reset     bool
}

// StepPatch is a partial step update. Nil fields are left untouched.
// Outputs, when non-nil, replaces the stored outputs wholesale.
// Reset clears Outputs and EndedAt (recovery path).
type StepPatch struct {
	Status    *StepStatus
	Outputs   map[string]any
	StartedAt *time.Time
	EndedAt   *time.Time
	Reset     bool
}

// Context is an alias so adapters and usecases share one context type.
type Context = context.Context
