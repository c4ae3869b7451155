package runner

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fairyhunter13/stepflow/internal/domain"
)

// Built-in handlers for the test: tool family. They exist so the control
// plane is exercisable end to end without any real tool integration.

// EchoHandler handles test:echo by copying the step's inputs into its
// outputs.
type EchoHandler struct {
	Store domain.Store
}

// Matches reports whether tool is test:echo.
func (EchoHandler) Matches(tool string) bool { return tool == "test:echo" }

// Execute copies inputs to outputs.
func (h EchoHandler) Execute(ctx domain.Context, _ string, step domain.Step) error {
	var inputs map[string]any
	if len(step.Inputs) > 0 {
		if err := json.Unmarshal(step.Inputs, &inputs); err != nil {
			return err
		}
	}
	return h.Store.UpdateStep(ctx, step.ID, domain.StepPatch{
		Outputs: map[string]any{"echo": inputs},
	})
}

// FailHandler handles test:fail by always returning an error; the message is
// taken from inputs.message when present.
type FailHandler struct{}

// Matches reports whether tool is test:fail.
func (FailHandler) Matches(tool string) bool { return tool == "test:fail" }

// Execute fails deterministically.
func (FailHandler) Execute(_ domain.Context, _ string, step domain.Step) error {
	msg := "test failure"
	var inputs struct {
		Message string `json:"message"`
	}
	if len(step.Inputs) > 0 {
		if err := json.Unmarshal(step.Inputs, &inputs); err == nil && inputs.Message != "" {
			msg = inputs.Message
		}
	}
	return errors.New(msg)
}

// SleepHandler handles test:sleep by blocking for inputs.ms milliseconds,
// honoring context cancellation. Used to exercise the worker's timeout race.
type SleepHandler struct{}

// Matches reports whether tool is test:sleep.
func (SleepHandler) Matches(tool string) bool { return tool == "test:sleep" }

// Execute sleeps.
func (SleepHandler) Execute(ctx domain.Context, _ string, step domain.Step) error {
	var inputs struct {
		MS int `json:"ms"`
	}
	if len(step.Inputs) > 0 {
		_ = json.Unmarshal(step.Inputs, &inputs)
	}
	select {
	case <-time.After(time.Duration(inputs.MS) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultRegistry returns the registry wired with the built-in handlers.
func DefaultRegistry(store domain.Store) *Registry {
	return NewRegistry(EchoHandler{Store: store}, FailHandler{}, SleepHandler{})
}
