// Package threadbind persists the mapping from an external identity
// (a caller's phone number, or any other (external_id, external_type) pair
// the telephony provider hands us) to a conversation thread in the Agent
// Invoker's runtime, so a returning caller resumes the same thread instead
// of starting a new one.
//
// Usage:
//
//	store, err := threadbind.NewStore(ctx, dsn)
//	if err != nil { … }
//
//	mapping, err := store.GetOrCreateThread(ctx, "+15551234567", "phone", false)
package threadbind

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Mapping is one row of the persisted external-identity-to-thread binding.
type Mapping struct {
	ID           int64
	ExternalID   string
	ExternalType string
	ThreadID     string
	CallSID      string
	Metadata     map[string]any
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the Thread Binder's persistence interface.
type Store interface {
	// GetOrCreateThread returns the active thread mapping for
	// (externalID, externalType), creating one if none exists. When
	// forceNew is true, any existing active mapping is deactivated first
	// and a brand new thread is created, regardless of whether one existed.
	GetOrCreateThread(ctx context.Context, externalID, externalType string, forceNew bool) (*Mapping, error)

	GetByExternalID(ctx context.Context, externalID, externalType string) (*Mapping, error)
	GetByCallSID(ctx context.Context, callSID string) (*Mapping, error)
	GetByThreadID(ctx context.Context, threadID string) (*Mapping, error)

	UpdateCallSID(ctx context.Context, threadID, callSID string) error
	UpdateMetadata(ctx context.Context, threadID string, patch map[string]any) error
	DeactivateThread(ctx context.Context, threadID string) error

	Close()
}

// PostgresStore is a Store backed by a pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and migrates the thread_mappings schema.
func NewStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("threadbind: parsing dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("threadbind: connecting: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

const mappingColumns = `id, external_id, external_type, thread_id, call_sid, metadata, is_active, created_at, updated_at`

func scanMapping(row pgx.Row) (*Mapping, error) {
	var m Mapping
	var metadataRaw []byte
	if err := row.Scan(&m.ID, &m.ExternalID, &m.ExternalType, &m.ThreadID, &m.CallSID,
		&metadataRaw, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Metadata = map[string]any{}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &m.Metadata)
	}
	return &m, nil
}

// GetByExternalID returns the currently active mapping for an identity, if any.
func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID, externalType string) (*Mapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+mappingColumns+`
		FROM thread_mappings
		WHERE external_id = $1 AND external_type = $2 AND is_active
	`, externalID, externalType)

	m, err := scanMapping(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("threadbind: get by external id: %w", err)
	}
	return m, nil
}

// GetByCallSID looks up a mapping by its most recent call SID.
func (s *PostgresStore) GetByCallSID(ctx context.Context, callSID string) (*Mapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+mappingColumns+`
		FROM thread_mappings
		WHERE call_sid = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, callSID)

	m, err := scanMapping(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("threadbind: get by call sid: %w", err)
	}
	return m, nil
}

// GetByThreadID looks up a mapping by its thread ID.
func (s *PostgresStore) GetByThreadID(ctx context.Context, threadID string) (*Mapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+mappingColumns+`
		FROM thread_mappings
		WHERE thread_id = $1
	`, threadID)

	m, err := scanMapping(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("threadbind: get by thread id: %w", err)
	}
	return m, nil
}

// GetOrCreateThread implements the Store interface.
func (s *PostgresStore) GetOrCreateThread(ctx context.Context, externalID, externalType string, forceNew bool) (*Mapping, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("threadbind: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if forceNew {
		if _, err := tx.Exec(ctx, `
			UPDATE thread_mappings SET is_active = false, updated_at = now()
			WHERE external_id = $1 AND external_type = $2 AND is_active
		`, externalID, externalType); err != nil {
			return nil, fmt.Errorf("threadbind: deactivating for force_new: %w", err)
		}
	} else {
		row := tx.QueryRow(ctx, `
			SELECT `+mappingColumns+`
			FROM thread_mappings
			WHERE external_id = $1 AND external_type = $2 AND is_active
		`, externalID, externalType)

		if m, err := scanMapping(row); err == nil {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return nil, fmt.Errorf("threadbind: commit: %w", commitErr)
			}
			return m, nil
		} else if err != pgx.ErrNoRows {
			return nil, fmt.Errorf("threadbind: lookup existing: %w", err)
		}
	}

	threadID := uuid.New().String()
	row := tx.QueryRow(ctx, `
		INSERT INTO thread_mappings (external_id, external_type, thread_id, metadata, is_active)
		VALUES ($1, $2, $3, '{}', true)
		RETURNING `+mappingColumns, externalID, externalType, threadID)

	m, err := scanMapping(row)
	if err != nil {
		return nil, fmt.Errorf("threadbind: insert new mapping: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("threadbind: commit: %w", err)
	}
	return m, nil
}

// UpdateCallSID records the current call's SID against a thread mapping.
func (s *PostgresStore) UpdateCallSID(ctx context.Context, threadID, callSID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE thread_mappings SET call_sid = $2, updated_at = now()
		WHERE thread_id = $1
	`, threadID, callSID)
	if err != nil {
		return fmt.Errorf("threadbind: update call sid: %w", err)
	}
	return nil
}

// UpdateMetadata merges patch into the mapping's stored metadata JSON.
func (s *PostgresStore) UpdateMetadata(ctx context.Context, threadID string, patch map[string]any) error {
	patchRaw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("threadbind: marshal metadata patch: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE thread_mappings
		SET metadata = metadata || $2::jsonb, updated_at = now()
		WHERE thread_id = $1
	`, threadID, patchRaw)
	if err != nil {
		return fmt.Errorf("threadbind: update metadata: %w", err)
	}
	return nil
}

// DeactivateThread soft-deletes a mapping so a subsequent GetOrCreateThread
// call creates a fresh thread for the same identity.
func (s *PostgresStore) DeactivateThread(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE thread_mappings SET is_active = false, updated_at = now()
		WHERE thread_id = $1
	`, threadID)
	if err != nil {
		return fmt.Errorf("threadbind: deactivate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
