// Package sqlite provides a SQLite-backed implementation of sagastate.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/sqlitedb"
)

var _ sagastate.Store = (*Store)(nil)

// schema is applied by Migrate. The full instance lives in data as JSON;
// the other columns exist for the conditional write and for listing.
const schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
    correlation_id  TEXT    PRIMARY KEY,
    version         INTEGER NOT NULL,
    state           TEXT    NOT NULL,
    data            TEXT    NOT NULL,
    created_at      TEXT    NOT NULL,
    updated_at      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_instances_created_at ON saga_instances(created_at);
`

// Store is the SQLite implementation of sagastate.Store.
type Store struct {
	db *sql.DB
}

// New wraps db. Call Migrate once during bootstrap.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the table. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply saga_instances schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, correlationID string) (*sagastate.Instance, error) {
	const q = `SELECT version, data FROM saga_instances WHERE correlation_id = ?`

	var (
		version int
		data    string
	)
	err := s.db.QueryRowContext(ctx, q, correlationID).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sagastate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load saga %q: %w", correlationID, err)
	}

	inst, err := sagastate.Unmarshal([]byte(data))
	if err != nil {
		return nil, err
	}
	inst.Version = version
	return inst, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, initial *sagastate.Instance) (*sagastate.Instance, bool, error) {
	const q = `
		INSERT INTO saga_instances (correlation_id, version, state, data, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`

	stored := initial.Clone()
	stored.Version = 1
	data, err := sagastate.Marshal(stored)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, q,
		stored.CorrelationID,
		string(stored.State),
		string(data),
		sqlitedb.FormatTime(stored.CreatedAt),
		sqlitedb.FormatTime(stored.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: create saga %q: %w", stored.CorrelationID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return stored, true, nil
	}

	existing, err := s.Load(ctx, initial.CorrelationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) CompareAndSwapSave(ctx context.Context, inst *sagastate.Instance, expectedVersion int) error {
	const q = `
		UPDATE saga_instances
		SET    version = ?, state = ?, data = ?, updated_at = ?
		WHERE  correlation_id = ? AND version = ?`

	next := inst.Clone()
	next.Version = expectedVersion + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	data, err := sagastate.Marshal(next)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, q,
		next.Version,
		string(next.State),
		string(data),
		sqlitedb.FormatTime(next.UpdatedAt),
		next.CorrelationID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save saga %q: %w", inst.CorrelationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: save saga %q: %w", inst.CorrelationID, err)
	}
	if n == 0 {
		if _, err := s.Load(ctx, inst.CorrelationID); err != nil {
			return err
		}
		return sagastate.ErrVersionConflict
	}

	inst.Version = next.Version
	return nil
}

func (s *Store) List(ctx context.Context, page, pageSize int) ([]*sagastate.Instance, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saga_instances`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count sagas: %w", err)
	}

	const q = `
		SELECT version, data
		FROM   saga_instances
		ORDER  BY created_at DESC, correlation_id DESC
		LIMIT  ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, q, pageSize, sagastate.Offset(page, pageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list sagas: %w", err)
	}
	defer rows.Close()

	out := []*sagastate.Instance{}
	for rows.Next() {
		var (
			version int
			data    string
		)
		if err := rows.Scan(&version, &data); err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan saga: %w", err)
		}
		inst, err := sagastate.Unmarshal([]byte(data))
		if err != nil {
			return nil, 0, err
		}
		inst.Version = version
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: list sagas: %w", err)
	}
	return out, total, nil
}
