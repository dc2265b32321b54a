package session

import (
	"context"
	"errors"
)

// ErrNoRecord is returned by Store.Get when a thread has no session record.
var ErrNoRecord = errors.New("no session record")

// Store is the persistence interface for session records. Implementations
// live in internal/storage (SQLite default, PostgreSQL optional) and must
// serialize writes; the manager additionally serializes read-modify-write
// sequences per thread, so Get/Save need only be individually atomic.
type Store interface {
	// Get returns the record for a thread, or ErrNoRecord.
	Get(ctx context.Context, threadID string) (*Record, error)

	// Save upserts a record keyed by thread id.
	Save(ctx context.Context, record *Record) error

	// Delete removes a thread's record. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, threadID string) error

	// List returns all records.
	List(ctx context.Context) ([]*Record, error)

	Close() error
}
