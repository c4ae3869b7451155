// Package memory provides a single-process Store backed by mutex-guarded
// maps. It is the authority for the inbox in memory mode and the fake used by
// runner, worker, and usecase tests.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/stepflow/internal/domain"
)

// Store implements domain.Store in process memory.
type Store struct {
	mu      sync.Mutex
	runs    map[string]domain.Run
	steps   map[string]domain.Step
	events  []domain.Event
	inbox   map[string]struct{}
	outbox  []domain.OutboxRow
	idem    map[string]domain.IdemResponse
	nowFunc func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:    make(map[string]domain.Run),
		steps:   make(map[string]domain.Step),
		inbox:   make(map[string]struct{}),
		idem:    make(map[string]domain.IdemResponse),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock; used by tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

func copyOutputs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CreateRun inserts a run, assigning an id when absent.
func (s *Store) CreateRun(_ domain.Context, r domain.Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if _, ok := s.runs[r.ID]; ok {
		return "", fmt.Errorf("op=run.create: %w", domain.ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.nowFunc()
	}
	s.runs[r.ID] = r
	return r.ID, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(_ domain.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("op=run.get: %w", domain.ErrNotFound)
	}
	return r, nil
}

// UpdateRun applies a partial update to a run.
func (s *Store) UpdateRun(_ domain.Context, id string, p domain.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("op=run.update: %w", domain.ErrNotFound)
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.EndedAt != nil {
		r.EndedAt = p.EndedAt
	}
	if p.Reset {
		r.EndedAt = nil
	}
	s.runs[id] = r
	return nil
}

// CreateStep inserts a step, assigning an id when absent.
func (s *Store) CreateStep(_ domain.Context, st domain.Step) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if _, ok := s.steps[st.ID]; ok {
		return "", fmt.Errorf("op=step.create: %w", domain.ErrConflict)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.nowFunc()
	}
	if st.Status == "" {
		st.Status = domain.StepQueued
	}
	s.steps[st.ID] = st
	return st.ID, nil
}

// GetStep loads a step by id.
func (s *Store) GetStep(_ domain.Context, id string) (domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return domain.Step{}, fmt.Errorf("op=step.get: %w", domain.ErrNotFound)
	}
	st.Outputs = copyOutputs(st.Outputs)
	return st, nil
}

// UpdateStep applies a partial update to a step.
func (s *Store) UpdateStep(_ domain.Context, id string, p domain.StepPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return fmt.Errorf("op=step.update: %w", domain.ErrNotFound)
	}
	if p.Status != nil {
		st.Status = *p.Status
	}
	if p.Outputs != nil {
		st.Outputs = copyOutputs(p.Outputs)
	}
	if p.StartedAt != nil {
		st.StartedAt = p.StartedAt
	}
	if p.EndedAt != nil {
		st.EndedAt = p.EndedAt
	}
	if p.Reset {
		st.Outputs = map[string]any{}
		st.EndedAt = nil
	}
	s.steps[id] = st
	return nil
}

// ListStepsByRun returns the run's steps ordered by creation time.
func (s *Store) ListStepsByRun(_ domain.Context, runID string) ([]domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Step
	for _, st := range s.steps {
		if st.RunID == runID {
			st.Outputs = copyOutputs(st.Outputs)
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CountRemainingSteps counts the run's steps whose status is non-terminal.
func (s *Store) CountRemainingSteps(_ domain.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.steps {
		if st.RunID == runID && !st.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// RecordEvent appends a domain event.
func (s *Store) RecordEvent(_ domain.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.nowFunc()
	}
	s.events = append(s.events, e)
	return nil
}

// ListEventsByRun returns the run's events in append order.
func (s *Store) ListEventsByRun(_ domain.Context, runID string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// InboxMarkIfNew atomically inserts key and reports whether it was absent.
func (s *Store) InboxMarkIfNew(_ domain.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbox[key]; ok {
		return false, nil
	}
	s.inbox[key] = struct{}{}
	return true, nil
}

// InboxDelete removes an inbox key. Deleting an absent key is a no-op.
func (s *Store) InboxDelete(_ domain.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbox, key)
	return nil
}

// OutboxAdd appends an unsent outbox row.
func (s *Store) OutboxAdd(_ domain.Context, topic string, payload json.RawMessage) (domain.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := domain.OutboxRow{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: s.nowFunc(),
	}
	s.outbox = append(s.outbox, row)
	return row, nil
}

// OutboxListUnsent returns up to limit unsent rows, oldest first.
func (s *Store) OutboxListUnsent(_ domain.Context, limit int) ([]domain.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxRow
	for _, row := range s.outbox {
		if row.SentAt == nil {
			out = append(out, row)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// OutboxMarkSent transitions sent_at from null to now.
func (s *Store) OutboxMarkSent(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			if s.outbox[i].SentAt == nil {
				now := s.nowFunc()
				s.outbox[i].SentAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("op=outbox.mark_sent: %w", domain.ErrNotFound)
}

// OutboxBacklog counts unsent rows.
func (s *Store) OutboxBacklog(_ domain.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.outbox {
		if row.SentAt == nil {
			n++
		}
	}
	return n, nil
}

// GetIdemResponse loads a stored idempotent response.
func (s *Store) GetIdemResponse(_ domain.Context, key string) (domain.IdemResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idem[key]
	if !ok {
		return domain.IdemResponse{}, fmt.Errorf("op=idem.get: %w", domain.ErrNotFound)
	}
	return r, nil
}

// PutIdemResponse stores the first response for a key; later writes keep the
// original.
func (s *Store) PutIdemResponse(_ domain.Context, r domain.IdemResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idem[r.Key]; ok {
		return nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.nowFunc()
	}
	s.idem[r.Key] = r
	return nil
}
