// Package sqlite provides a SQLite-backed implementation of sagalog.Repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/order-placement-saga/internal/coordinator/sagalog"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/sqlitedb"
)

// ErrNotFound is returned by GetLatest when a saga has no entries.
var ErrNotFound = errors.New("sqlite: saga log not found")

// schema is applied by Migrate. The table is append-only: each row is an
// immutable transition in the saga's lifecycle.
const schema = `
CREATE TABLE IF NOT EXISTS saga_transitions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,

    -- Correlation id (order id). Many rows per saga.
    saga_id         TEXT    NOT NULL,

    from_state      TEXT    NOT NULL,
    to_state        TEXT    NOT NULL,
    event_type      TEXT    NOT NULL,
    message_id      TEXT    NOT NULL DEFAULT '',

    -- Instance version written by the transition.
    version         INTEGER NOT NULL,

    -- Action failure, NULL on success.
    error           TEXT,

    -- W3C trace_id (32 hex chars) from the active OTel span.
    trace_id        TEXT    NOT NULL DEFAULT '',
    span_id         TEXT    NOT NULL DEFAULT '',

    recorded_at     TEXT    NOT NULL
);

-- "give me all transitions for saga X in order".
CREATE INDEX IF NOT EXISTS idx_saga_transitions_saga_id ON saga_transitions(saga_id, id);

-- "find the saga for trace Y".
CREATE INDEX IF NOT EXISTS idx_saga_transitions_trace_id ON saga_transitions(trace_id);
`

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db *sql.DB
}

var _ sagalog.Repository = (*Repository)(nil)

// New wraps db opened with sqlitedb.Open. Call Migrate once during bootstrap.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate runs the DDL. Idempotent due to IF NOT EXISTS.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply saga_transitions schema: %w", err)
	}
	return nil
}

// Save inserts a new entry. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, entry *sagalog.Entry) error {
	const q = `
		INSERT INTO saga_transitions
			(saga_id, from_state, to_state, event_type, message_id, version, error, trace_id, span_id, recorded_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.SagaID,
		entry.From,
		entry.To,
		entry.Event,
		entry.MessageID,
		entry.Version,
		nullableString(entry.Error),
		entry.TraceID,
		entry.SpanID,
		sqlitedb.FormatTime(entry.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save transition for %q: %w", entry.SagaID, err)
	}
	return nil
}

const selectColumns = `
	SELECT saga_id, from_state, to_state, event_type, message_id, version,
	       COALESCE(error, ''), trace_id, span_id, recorded_at
	FROM   saga_transitions`

// History returns every entry for sagaID in insertion order.
func (r *Repository) History(ctx context.Context, sagaID string) ([]*sagalog.Entry, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` WHERE saga_id = ? ORDER BY id ASC`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", sagaID, err)
	}
	defer rows.Close()

	out := []*sagalog.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", sagaID, err)
	}
	return out, nil
}

// GetLatest returns the most recent entry for sagaID.
func (r *Repository) GetLatest(ctx context.Context, sagaID string) (*sagalog.Entry, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE saga_id = ? ORDER BY id DESC LIMIT 1`, sagaID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, sagaID)
	}
	return entry, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*sagalog.Entry, error) {
	var (
		entry      sagalog.Entry
		recordedAt string
	)
	err := s.Scan(
		&entry.SagaID,
		&entry.From,
		&entry.To,
		&entry.Event,
		&entry.MessageID,
		&entry.Version,
		&entry.Error,
		&entry.TraceID,
		&entry.SpanID,
		&recordedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan transition: %w", err)
	}

	entry.RecordedAt, err = sqlitedb.ParseTime(recordedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// nullableString returns nil for empty strings so SQLite stores NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
