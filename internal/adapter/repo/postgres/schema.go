package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	parent_id           TEXT,
	input               JSONB NOT NULL DEFAULT '{}'::jsonb,
	output              JSONB,
	status_code         SMALLINT NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'waiting',
	progress            SMALLINT NOT NULL DEFAULT 0,
	state               JSONB,
	workspace_id        BIGINT NOT NULL DEFAULT 0,
	idempotency_key     TEXT UNIQUE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	scheduled_start_at  TIMESTAMPTZ,
	started_at          TIMESTAMPTZ,
	ended_at            TIMESTAMPTZ,
	processing_deadline TIMESTAMPTZ,
	attempts            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status_code);
CREATE INDEX IF NOT EXISTS idx_tasks_fifo ON tasks (name, status_code, scheduled_start_at);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_id);

CREATE TABLE IF NOT EXISTS consumers (
	topic        TEXT NOT NULL,
	endpoint_url TEXT NOT NULL,
	health_url   TEXT NOT NULL,
	ready        BOOLEAN NOT NULL DEFAULT TRUE,
	fail_count   INTEGER NOT NULL DEFAULT 0,
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (topic, endpoint_url)
);
CREATE INDEX IF NOT EXISTS idx_consumers_topic_ready ON consumers (topic, ready);
`

// EnsureSchema waits for the database to accept connections and applies the
// embedded schema idempotently.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		slog.Warn("database not ready, retrying", slog.Int("attempt", i+1), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	if err != nil {
		return fmt.Errorf("op=schema.ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=schema.apply: %w", err)
	}
	return nil
}
