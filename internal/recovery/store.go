package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRecoverySnapshots = `
CREATE TABLE IF NOT EXISTS recovery_snapshots (
    id              BIGSERIAL    PRIMARY KEY,
    call_sid        TEXT         NOT NULL,
    thread_id       TEXT         NOT NULL DEFAULT '',
    cause           TEXT         NOT NULL,
    duration_ms     BIGINT       NOT NULL,
    transcript      JSONB        NOT NULL DEFAULT '[]',
    last_assistant  TEXT         NOT NULL DEFAULT '',
    call_context    JSONB        NOT NULL DEFAULT '{}',
    prior_retries   INT          NOT NULL DEFAULT 0,
    should_retry    BOOLEAN      NOT NULL DEFAULT false,
    next_attempt_at TIMESTAMPTZ,
    ended_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recovery_snapshots_call_sid ON recovery_snapshots (call_sid);
CREATE INDEX IF NOT EXISTS idx_recovery_snapshots_due_retry
    ON recovery_snapshots (next_attempt_at)
    WHERE should_retry;
`

// Migrate creates the recovery_snapshots table and its indexes if absent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRecoverySnapshots); err != nil {
		return fmt.Errorf("recovery migrate: %w", err)
	}
	return nil
}

// Store persists recovery snapshots and surfaces leads due for a retry.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool (the caller owns its lifecycle; cmd/server
// opens a dedicated pool for the Recovery store, separate from the Thread
// Binder's).
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Save persists a State snapshot.
func (s *Store) Save(ctx context.Context, st State) error {
	transcriptRaw, err := json.Marshal(st.Transcript)
	if err != nil {
		return fmt.Errorf("recovery: marshal transcript: %w", err)
	}
	callCtxRaw, err := json.Marshal(st.CallContext)
	if err != nil {
		return fmt.Errorf("recovery: marshal call context: %w", err)
	}

	var nextAttempt *time.Time
	if st.ShouldRetry {
		nextAttempt = &st.NextAttemptAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO recovery_snapshots
			(call_sid, thread_id, cause, duration_ms, transcript, last_assistant,
			 call_context, prior_retries, should_retry, next_attempt_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, st.CallSID, st.ThreadID, string(st.Cause), st.Duration.Milliseconds(),
		transcriptRaw, st.LastAssistant, callCtxRaw, st.PriorRetries, st.ShouldRetry,
		nextAttempt, st.EndedAt)
	if err != nil {
		return fmt.Errorf("recovery: save snapshot: %w", err)
	}
	return nil
}

// DueRetries returns the call SIDs of snapshots marked should_retry whose
// next_attempt_at has passed, oldest first. Snapshots are not marked once
// retried, so a due snapshot is returned again on every later call.
func (s *Store) DueRetries(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT call_sid FROM recovery_snapshots
		WHERE should_retry AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("recovery: query due retries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var callSID string
		if err := rows.Scan(&callSID); err != nil {
			return nil, fmt.Errorf("recovery: scan due retry: %w", err)
		}
		out = append(out, callSID)
	}
	return out, rows.Err()
}
