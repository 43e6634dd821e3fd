// Package storage provides the durable table abstraction every entity lives
// in: rows keyed by (table, partition key, row key) with a monotonically
// increasing version used for optimistic concurrency. There are no
// pessimistic locks anywhere in the system; all mutation races resolve
// through the version compare-and-swap in Replace.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("storage: row not found")
	// ErrRowExists is returned by Insert when the row already exists.
	ErrRowExists = errors.New("storage: row already exists")
	// ErrVersionMismatch is returned by Replace when the stored version no
	// longer matches the caller's snapshot. The caller must re-read and
	// retry with fresh state.
	ErrVersionMismatch = errors.New("storage: version mismatch")
)

// Row is a stored entity in serialized form.
type Row struct {
	PartitionKey string
	RowKey       string
	Version      int64
	Data         []byte
	UpdatedAt    time.Time
}

// Store is the durable key/value table abstraction. Implementations must
// guarantee that Replace commits if and only if the stored version equals
// expectedVersion, and that a committed row's version increases by exactly
// one per successful write.
type Store interface {
	// Insert creates a new row at version 1. Fails with ErrRowExists if the
	// key is already present.
	Insert(ctx context.Context, table string, row *Row) error

	// Get returns the current row or ErrNotFound.
	Get(ctx context.Context, table, partitionKey, rowKey string) (*Row, error)

	// Replace overwrites the row if its stored version equals
	// expectedVersion, bumping the version. Fails with ErrVersionMismatch
	// on a lost race and ErrNotFound if the row is gone.
	Replace(ctx context.Context, table string, row *Row, expectedVersion int64) error

	// Upsert writes the row regardless of its current version. Used only
	// for records with last-writer-wins semantics (heartbeats); state
	// transitions always go through Replace.
	Upsert(ctx context.Context, table string, row *Row) error

	// Delete removes the row. Deleting an absent row is a no-op.
	Delete(ctx context.Context, table, partitionKey, rowKey string) error

	// QueryPartition returns all rows in the partition, ordered by row key.
	QueryPartition(ctx context.Context, table, partitionKey string) ([]*Row, error)

	// Scan returns all rows of the table, ordered by (partition key, row key).
	Scan(ctx context.Context, table string) ([]*Row, error)
}
