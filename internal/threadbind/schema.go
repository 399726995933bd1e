package threadbind

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// thread_mappings DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlThreadMappings = `
CREATE TABLE IF NOT EXISTS thread_mappings (
    id             BIGSERIAL    PRIMARY KEY,
    external_id    TEXT         NOT NULL,
    external_type  TEXT         NOT NULL,
    thread_id      TEXT         NOT NULL,
    call_sid       TEXT         NOT NULL DEFAULT '',
    metadata       JSONB        NOT NULL DEFAULT '{}',
    is_active      BOOLEAN      NOT NULL DEFAULT true,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_thread_mappings_active_identity
    ON thread_mappings (external_id, external_type)
    WHERE is_active;

CREATE INDEX IF NOT EXISTS idx_thread_mappings_external
    ON thread_mappings (external_id, external_type);

CREATE INDEX IF NOT EXISTS idx_thread_mappings_thread_id
    ON thread_mappings (thread_id);

CREATE INDEX IF NOT EXISTS idx_thread_mappings_call_sid
    ON thread_mappings (call_sid);
`

// Migrate creates the thread_mappings table and its indexes if they do not
// already exist. Idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlThreadMappings); err != nil {
		return fmt.Errorf("threadbind migrate: %w", err)
	}
	return nil
}
