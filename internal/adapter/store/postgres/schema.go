package postgres

import "context"

// Schema is applied idempotently at startup. The inbox's primary key on key
// is the atomic primitive the whole control plane leans on; the outbox is
// ordered by created_at ascending.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    goal        TEXT NOT NULL DEFAULT '',
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL,
    started_at  TIMESTAMPTZ,
    ended_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS steps (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL REFERENCES runs(id),
    name            TEXT NOT NULL,
    tool            TEXT NOT NULL,
    inputs          JSONB NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL,
    outputs         JSONB NOT NULL DEFAULT '{}',
    idempotency_key TEXT,
    created_at      TIMESTAMPTZ NOT NULL,
    started_at      TIMESTAMPTZ,
    ended_at        TIMESTAMPTZ,
    UNIQUE (run_id, name)
);
CREATE INDEX IF NOT EXISTS steps_run_id_idx ON steps(run_id);

CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    step_id     TEXT,
    type        TEXT NOT NULL,
    payload     JSONB NOT NULL DEFAULT '{}',
    ts          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS events_run_id_idx ON events(run_id, ts);

CREATE TABLE IF NOT EXISTS inbox (
    key         TEXT PRIMARY KEY,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outbox (
    id          TEXT PRIMARY KEY,
    topic       TEXT NOT NULL,
    payload     JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    sent_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_unsent_idx ON outbox(created_at) WHERE sent_at IS NULL;

CREATE TABLE IF NOT EXISTS idempotency_responses (
    key         TEXT PRIMARY KEY,
    status      INT NOT NULL,
    body        JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}
