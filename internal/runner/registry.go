// Package runner executes one step at a time: it guards the execution with
// the inbox lease, gates on dependencies and policy, picks a handler, and
// drives the step and run state machines.
package runner

import (
	"github.com/fairyhunter13/stepflow/internal/domain"
)

// Handler executes one tool. Matches is consulted in registration order and
// the first match wins.
type Handler interface {
	Matches(tool string) bool
	Execute(ctx domain.Context, runID string, step domain.Step) error
}

// Registry is the process-wide immutable handler list, loaded once at
// startup.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a registry. The slice is copied; later mutation of the
// argument does not leak in.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: append([]Handler(nil), handlers...)}
}

// Find returns the first handler matching tool.
func (r *Registry) Find(tool string) (Handler, bool) {
	for _, h := range r.handlers {
		if h.Matches(tool) {
			return h, true
		}
	}
	return nil, false
}

// Len reports the number of registered handlers.
func (r *Registry) Len() int { return len(r.handlers) }
