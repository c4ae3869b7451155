package domain

import (
	"encoding/json"
	"fmt"
)

// Topic names. The DLQ topic is driver-level configuration; TopicStepDLQ is
// the default used when none is configured.
const (
	TopicStepReady = "step.ready"
	TopicStepDLQ   = "step.dlq"
	TopicOutbox    = "outbox"
)

// StepReadyEnvelope is the payload carried on the step.ready topic.
// Attempt is the 1-based delivery counter stamped by the queue driver.
type StepReadyEnvelope struct {
	RunID          string `json:"runId"`
	StepID         string `json:"stepId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Attempt        int    `json:"__attempt"`
}

// Validate checks the envelope's required fields.
func (e StepReadyEnvelope) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("%w: envelope missing runId", ErrInvalidArgument)
	}
	if e.StepID == "" {
		return fmt.Errorf("%w: envelope missing stepId", ErrInvalidArgument)
	}
	return nil
}

// ParseStepReady decodes and validates a step.ready payload.
func ParseStepReady(b []byte) (StepReadyEnvelope, error) {
	var e StepReadyEnvelope
	if err := json.Unmarshal(b, &e); err != nil {
		return StepReadyEnvelope{}, fmt.Errorf("%w: step.ready envelope: %v", ErrInvalidArgument, err)
	}
	if err := e.Validate(); err != nil {
		return StepReadyEnvelope{}, err
	}
	return e, nil
}

// OutboxEnvelope is the domain-event fan-out payload carried on the outbox
// topic. Type is drawn from the closed event-type set.
type OutboxEnvelope struct {
	RunID   string         `json:"runId"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Attempt int            `json:"__attempt,omitempty"`
}

// Validate checks the envelope's required fields.
func (e OutboxEnvelope) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("%w: outbox envelope missing runId", ErrInvalidArgument)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: outbox envelope missing type", ErrInvalidArgument)
	}
	return nil
}

// ParseOutboxEnvelope decodes and validates an outbox payload. Malformed rows
// are programmer errors: the relay logs them loudly and skips without
// blocking the loop.
func ParseOutboxEnvelope(b []byte) (OutboxEnvelope, error) {
	var e OutboxEnvelope
	if err := json.Unmarshal(b, &e); err != nil {
		return OutboxEnvelope{}, fmt.Errorf("%w: outbox envelope: %v", ErrInvalidArgument, err)
	}
	if err := e.Validate(); err != nil {
		return OutboxEnvelope{}, err
	}
	return e, nil
}
