package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/stepflow/internal/domain"
)

// Store persists runs, steps, events, inbox, outbox, and idempotent responses
// in PostgreSQL.
type Store struct {
	pool PgxPool
}

// New constructs a Store over the given pool.
func New(pool PgxPool) *Store { return &Store{pool: pool} }

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

// CreateRun inserts a run and returns its id.
func (s *Store) CreateRun(ctx domain.Context, r domain.Run) (string, error) {
	tracer := otel.Tracer("store.runs")
	ctx, span := tracer.Start(ctx, "runs.Create")
	defer span.End()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(orEmptyMap(r.Metadata))
	if err != nil {
		return "", fmt.Errorf("op=run.create: %w", err)
	}
	q := `INSERT INTO runs (id, status, goal, metadata, created_at, started_at, ended_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := s.pool.Exec(ctx, q, r.ID, r.Status, r.Goal, meta, r.CreatedAt, r.StartedAt, r.EndedAt); err != nil {
		return "", fmt.Errorf("op=run.create: %w", err)
	}
	return r.ID, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx domain.Context, id string) (domain.Run, error) {
	tracer := otel.Tracer("store.runs")
	ctx, span := tracer.Start(ctx, "runs.Get")
	defer span.End()
	q := `SELECT id, status, goal, metadata, created_at, started_at, ended_at FROM runs WHERE id=$1`
	row := s.pool.QueryRow(ctx, q, id)
	var r domain.Run
	var meta []byte
	if err := row.Scan(&r.ID, &r.Status, &r.Goal, &meta, &r.CreatedAt, &r.StartedAt, &r.EndedAt); err != nil {
		return domain.Run{}, notFound("run.get", err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &r.Metadata)
	}
	return r, nil
}

// UpdateRun applies a partial update to a run.
func (s *Store) UpdateRun(ctx domain.Context, id string, p domain.RunPatch) error {
	tracer := otel.Tracer("store.runs")
	ctx, span := tracer.Start(ctx, "runs.Update")
	defer span.End()
	args := []any{id}
	q := `UPDATE runs SET id=id`
	n := 1
	if p.Status != nil {
		n++
		q += fmt.Sprintf(", status=$%d", n)
		args = append(args, *p.Status)
	}
	if p.StartedAt != nil {
		n++
		q += fmt.Sprintf(", started_at=$%d", n)
		args = append(args, *p.StartedAt)
	}
	if p.EndedAt != nil {
		n++
		q += fmt.Sprintf(", ended_at=$%d", n)
		args = append(args, *p.EndedAt)
	}
	if p.Reset {
		q += ", ended_at=NULL"
	}
	q += ` WHERE id=$1`
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=run.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=run.update: %w", domain.ErrNotFound)
	}
	return nil
}

// CreateStep inserts a step and returns its id.
func (s *Store) CreateStep(ctx domain.Context, st domain.Step) (string, error) {
	tracer := otel.Tracer("store.steps")
	ctx, span := tracer.Start(ctx, "steps.Create")
	defer span.End()
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	if st.Status == "" {
		st.Status = domain.StepQueued
	}
	inputs := st.Inputs
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}
	outputs, err := json.Marshal(orEmptyMap(st.Outputs))
	if err != nil {
		return "", fmt.Errorf("op=step.create: %w", err)
	}
	var idem *string
	if st.IdempotencyKey != "" {
		idem = &st.IdempotencyKey
	}
	q := `INSERT INTO steps (id, run_id, name, tool, inputs, status, outputs, idempotency_key, created_at, started_at, ended_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := s.pool.Exec(ctx, q, st.ID, st.RunID, st.Name, st.Tool, inputs, st.Status, outputs, idem, st.CreatedAt, st.StartedAt, st.EndedAt); err != nil {
		return "", fmt.Errorf("op=step.create: %w", err)
	}
	return st.ID, nil
}

func scanStep(row pgx.Row) (domain.Step, error) {
	var st domain.Step
	var inputs, outputs []byte
	var idem *string
	if err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Tool, &inputs, &st.Status, &outputs, &idem, &st.CreatedAt, &st.StartedAt, &st.EndedAt); err != nil {
		return domain.Step{}, err
	}
	st.Inputs = inputs
	if len(outputs) > 0 {
		_ = json.Unmarshal(outputs, &st.Outputs)
	}
	if idem != nil {
		st.IdempotencyKey = *idem
	}
	return st, nil
}

const stepCols = `id, run_id, name, tool, inputs, status, outputs, idempotency_key, created_at, started_at, ended_at`

// GetStep loads a step by id.
func (s *Store) GetStep(ctx domain.Context, id string) (domain.Step, error) {
	tracer := otel.Tracer("store.steps")
	ctx, span := tracer.Start(ctx, "steps.Get")
	defer span.End()
	st, err := scanStep(s.pool.QueryRow(ctx, `SELECT `+stepCols+` FROM steps WHERE id=$1`, id))
	if err != nil {
		return domain.Step{}, notFound("step.get", err)
	}
	return st, nil
}

// UpdateStep applies a partial update to a step.
func (s *Store) UpdateStep(ctx domain.Context, id string, p domain.StepPatch) error {
	tracer := otel.Tracer("store.steps")
	ctx, span := tracer.Start(ctx, "steps.Update")
	defer span.End()
	args := []any{id}
	q := `UPDATE steps SET id=id`
	n := 1
	if p.Status != nil {
		n++
		q += fmt.Sprintf(", status=$%d", n)
		args = append(args, *p.Status)
	}
	if p.Outputs != nil {
		outputs, err := json.Marshal(p.Outputs)
		if err != nil {
			return fmt.Errorf("op=step.update: %w", err)
		}
		n++
		q += fmt.Sprintf(", outputs=$%d", n)
		args = append(args, outputs)
	}
	if p.StartedAt != nil {
		n++
		q += fmt.Sprintf(", started_at=$%d", n)
		args = append(args, *p.StartedAt)
	}
	if p.EndedAt != nil {
		n++
		q += fmt.Sprintf(", ended_at=$%d", n)
		args = append(args, *p.EndedAt)
	}
	if p.Reset {
		q += `, outputs='{}', ended_at=NULL`
	}
	q += ` WHERE id=$1`
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=step.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=step.update: %w", domain.ErrNotFound)
	}
	return nil
}

// ListStepsByRun returns the run's steps ordered by creation.
func (s *Store) ListStepsByRun(ctx domain.Context, runID string) ([]domain.Step, error) {
	tracer := otel.Tracer("store.steps")
	ctx, span := tracer.Start(ctx, "steps.ListByRun")
	defer span.End()
	rows, err := s.pool.Query(ctx, `SELECT `+stepCols+` FROM steps WHERE run_id=$1 ORDER BY created_at, name`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=step.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("op=step.list: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CountRemainingSteps counts the run's non-terminal steps.
func (s *Store) CountRemainingSteps(ctx domain.Context, runID string) (int, error) {
	tracer := otel.Tracer("store.steps")
	ctx, span := tracer.Start(ctx, "steps.CountRemaining")
	defer span.End()
	q := `SELECT COUNT(*) FROM steps WHERE run_id=$1 AND status NOT IN ('succeeded','failed','timed_out','cancelled')`
	var n int
	if err := s.pool.QueryRow(ctx, q, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=step.count_remaining: %w", err)
	}
	return n, nil
}

// RecordEvent appends a domain event.
func (s *Store) RecordEvent(ctx domain.Context, e domain.Event) error {
	tracer := otel.Tracer("store.events")
	ctx, span := tracer.Start(ctx, "events.Record")
	defer span.End()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(orEmptyMap(e.Payload))
	if err != nil {
		return fmt.Errorf("op=event.record: %w", err)
	}
	var stepID *string
	if e.StepID != "" {
		stepID = &e.StepID
	}
	q := `INSERT INTO events (id, run_id, step_id, type, payload, ts) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := s.pool.Exec(ctx, q, e.ID, e.RunID, stepID, e.Type, payload, e.Timestamp); err != nil {
		return fmt.Errorf("op=event.record: %w", err)
	}
	return nil
}

// ListEventsByRun returns the run's events in append order.
func (s *Store) ListEventsByRun(ctx domain.Context, runID string) ([]domain.Event, error) {
	tracer := otel.Tracer("store.events")
	ctx, span := tracer.Start(ctx, "events.ListByRun")
	defer span.End()
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, COALESCE(step_id,''), type, payload, ts FROM events WHERE run_id=$1 ORDER BY ts, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("op=event.list: %w", err)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InboxMarkIfNew inserts the key via ON CONFLICT DO NOTHING; exactly one
// concurrent caller observes true.
func (s *Store) InboxMarkIfNew(ctx domain.Context, key string) (bool, error) {
	tracer := otel.Tracer("store.inbox")
	ctx, span := tracer.Start(ctx, "inbox.MarkIfNew")
	defer span.End()
	tag, err := s.pool.Exec(ctx, `INSERT INTO inbox (key) VALUES ($1) ON CONFLICT DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("op=inbox.mark_if_new: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InboxDelete removes an inbox key.
func (s *Store) InboxDelete(ctx domain.Context, key string) error {
	tracer := otel.Tracer("store.inbox")
	ctx, span := tracer.Start(ctx, "inbox.Delete")
	defer span.End()
	if _, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE key=$1`, key); err != nil {
		return fmt.Errorf("op=inbox.delete: %w", err)
	}
	return nil
}

// OutboxAdd appends an unsent outbox row.
func (s *Store) OutboxAdd(ctx domain.Context, topic string, payload json.RawMessage) (domain.OutboxRow, error) {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Add")
	defer span.End()
	row := domain.OutboxRow{ID: uuid.New().String(), Topic: topic, Payload: payload, CreatedAt: time.Now().UTC()}
	q := `INSERT INTO outbox (id, topic, payload, created_at) VALUES ($1,$2,$3,$4)`
	if _, err := s.pool.Exec(ctx, q, row.ID, row.Topic, row.Payload, row.CreatedAt); err != nil {
		return domain.OutboxRow{}, fmt.Errorf("op=outbox.add: %w", err)
	}
	return row, nil
}

// OutboxListUnsent returns up to limit unsent rows ordered by created_at.
func (s *Store) OutboxListUnsent(ctx domain.Context, limit int) ([]domain.OutboxRow, error) {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ListUnsent")
	defer span.End()
	rows, err := s.pool.Query(ctx, `SELECT id, topic, payload, created_at, sent_at FROM outbox WHERE sent_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.list_unsent: %w", err)
	}
	defer rows.Close()
	var out []domain.OutboxRow
	for rows.Next() {
		var row domain.OutboxRow
		var payload []byte
		if err := rows.Scan(&row.ID, &row.Topic, &payload, &row.CreatedAt, &row.SentAt); err != nil {
			return nil, fmt.Errorf("op=outbox.list_unsent: %w", err)
		}
		row.Payload = payload
		out = append(out, row)
	}
	return out, rows.Err()
}

// OutboxMarkSent transitions sent_at from null to now.
func (s *Store) OutboxMarkSent(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkSent")
	defer span.End()
	if _, err := s.pool.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1 AND sent_at IS NULL`, id); err != nil {
		return fmt.Errorf("op=outbox.mark_sent: %w", err)
	}
	return nil
}

// OutboxBacklog counts unsent rows.
func (s *Store) OutboxBacklog(ctx domain.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=outbox.backlog: %w", err)
	}
	return n, nil
}

// GetIdemResponse loads a stored idempotent response.
func (s *Store) GetIdemResponse(ctx domain.Context, key string) (domain.IdemResponse, error) {
	q := `SELECT key, status, body, created_at FROM idempotency_responses WHERE key=$1`
	var r domain.IdemResponse
	var body []byte
	if err := s.pool.QueryRow(ctx, q, key).Scan(&r.Key, &r.Status, &body, &r.CreatedAt); err != nil {
		return domain.IdemResponse{}, notFound("idem.get", err)
	}
	r.Body = body
	return r, nil
}

// PutIdemResponse stores the first response for a key.
func (s *Store) PutIdemResponse(ctx domain.Context, r domain.IdemResponse) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO idempotency_responses (key, status, body, created_at) VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, r.Key, r.Status, r.Body, r.CreatedAt); err != nil {
		return fmt.Errorf("op=idem.put: %w", err)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
