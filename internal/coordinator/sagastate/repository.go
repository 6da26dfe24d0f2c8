package sagastate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no instance exists for a correlation id.
	ErrNotFound = errors.New("sagastate: instance not found")

	// ErrVersionConflict is returned by CompareAndSwapSave when the stored
	// version differs from the expected one.
	ErrVersionConflict = errors.New("sagastate: version conflict")
)

// Store is the port the coordinator persists instances through. The
// coordinator is the only writer; every mutation goes through
// CompareAndSwapSave.
type Store interface {
	// Load returns the instance for correlationID or ErrNotFound.
	Load(ctx context.Context, correlationID string) (*Instance, error)

	// CreateIfAbsent stores initial at version 1 unless an instance with the
	// same correlation id exists. It returns the stored instance and whether
	// this call created it.
	CreateIfAbsent(ctx context.Context, initial *Instance) (*Instance, bool, error)

	// CompareAndSwapSave writes inst only if the stored version equals
	// expectedVersion. On success inst.Version becomes expectedVersion+1.
	CompareAndSwapSave(ctx context.Context, inst *Instance, expectedVersion int) error

	// List returns a page of instances, newest first, and the total count.
	// Pages start at 1.
	List(ctx context.Context, page, pageSize int) ([]*Instance, int, error)
}

// Marshal encodes inst for adapters that store it as a document.
func Marshal(inst *Instance) ([]byte, error) {
	b, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("sagastate: marshal %q: %w", inst.CorrelationID, err)
	}
	return b, nil
}

// Unmarshal decodes a document written by Marshal.
func Unmarshal(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("sagastate: unmarshal: %w", err)
	}
	return &inst, nil
}

// Offset converts a 1-based page into a row offset.
func Offset(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}
