package sagalog

import "context"

// Repository is the port for persisting transition log entries.
type Repository interface {
	// Save appends an entry. The log is append-only.
	Save(ctx context.Context, entry *Entry) error

	// History returns every entry for sagaID, oldest first.
	History(ctx context.Context, sagaID string) ([]*Entry, error)
}
