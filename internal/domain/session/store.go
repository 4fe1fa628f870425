package session

import (
	"context"
	"time"
)

// PersistentRow is one durable session value as the engine hands it to a
// store: opaque bytes plus the absolute expiration the engine computed.
// The on-disk layout beyond this contract belongs to the adapter.
type PersistentRow struct {
	Value      []byte
	Expiration time.Time // zero = never expires
}

// PersistentStore is the durable backing for KindPersistentData sessions.
// Implementations must make writes safe to issue from request goroutines
// without blocking on disk (the sqlite adapter queues them to a single
// writer); the engine never holds an in-memory lock across a store call.
//
// This interface lives in the domain package to avoid circular imports;
// adapters live under internal/adapter/outbound.
type PersistentStore interface {
	// Put upserts one row in the named table.
	Put(ctx context.Context, table, token string, row PersistentRow) error

	// Get fetches one row; ok is false when no row exists.
	Get(ctx context.Context, table, token string) (row PersistentRow, ok bool, err error)

	// Delete removes one row. Deleting an absent row is not an error.
	Delete(ctx context.Context, table, token string) error

	// Fold iterates the live rows of a table until fn returns false.
	Fold(ctx context.Context, table string, fn func(token string, row PersistentRow) bool) error

	// Close flushes pending writes and releases resources.
	Close() error
}
