// Package postgres provides a PostgreSQL-backed implementation of
// sagastate.Store using lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Register the "postgres" driver.
	_ "github.com/lib/pq"

	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagastate"
)

var _ sagastate.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
    correlation_id  TEXT        PRIMARY KEY,
    version         INTEGER     NOT NULL,
    state           TEXT        NOT NULL,
    data            JSONB       NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_instances_created_at ON saga_instances(created_at DESC);
`

type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the table. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: apply saga_instances schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, correlationID string) (*sagastate.Instance, error) {
	var (
		version int
		data    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data FROM saga_instances WHERE correlation_id = $1`,
		correlationID,
	).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sagastate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load saga %q: %w", correlationID, err)
	}

	inst, err := sagastate.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	inst.Version = version
	return inst, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, initial *sagastate.Instance) (*sagastate.Instance, bool, error) {
	stored := initial.Clone()
	stored.Version = 1
	data, err := sagastate.Marshal(stored)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_instances (correlation_id, version, state, data, created_at, updated_at)
		VALUES ($1, 1, $2, $3, $4, $5)
		ON CONFLICT (correlation_id) DO NOTHING`,
		stored.CorrelationID, string(stored.State), data, stored.CreatedAt.UTC(), stored.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: create saga %q: %w", stored.CorrelationID, err)
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
	next := inst.Clone()
	next.Version = expectedVersion + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	data, err := sagastate.Marshal(next)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_instances
		SET    version = $1, state = $2, data = $3, updated_at = $4
		WHERE  correlation_id = $5 AND version = $6`,
		next.Version, string(next.State), data, next.UpdatedAt.UTC(), next.CorrelationID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: save saga %q: %w", inst.CorrelationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: save saga %q: %w", inst.CorrelationID, err)
	}
	if n == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM saga_instances WHERE correlation_id = $1)`,
			inst.CorrelationID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: save saga %q: %w", inst.CorrelationID, err)
		}
		if !exists {
			return sagastate.ErrNotFound
		}
		return sagastate.ErrVersionConflict
	}

	inst.Version = next.Version
	return nil
}

func (s *Store) List(ctx context.Context, page, pageSize int) ([]*sagastate.Instance, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saga_instances`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count sagas: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, data
		FROM   saga_instances
		ORDER  BY created_at DESC, correlation_id DESC
		LIMIT  $1 OFFSET $2`,
		pageSize, sagastate.Offset(page, pageSize),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list sagas: %w", err)
	}
	defer rows.Close()

	out := []*sagastate.Instance{}
	for rows.Next() {
		var (
			version int
			data    []byte
		)
		if err := rows.Scan(&version, &data); err != nil {
			return nil, 0, fmt.Errorf("postgres: scan saga: %w", err)
		}
		inst, err := sagastate.Unmarshal(data)
		if err != nil {
			return nil, 0, err
		}
		inst.Version = version
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: list sagas: %w", err)
	}
	return out, total, nil
}
