package ingestion

import (
	"context"
)

// Store persists ingestion records. Every successful mutation appends exactly
// one change event atomically with the write.
type Store interface {
	// Put inserts or replaces a record. Inserts must be queued and replaces
	// must keep the stored status; created_at is immutable.
	Put(ctx context.Context, rec Record) (Record, error)
	// Create inserts rec and fails with ErrConflict when the key is taken.
	Create(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, createdBy, id string) (Record, error)
	List(ctx context.Context, q ListQuery) (Page, error)
	// Delete is idempotent; deleting a missing record appends nothing.
	Delete(ctx context.Context, createdBy, id string) error
	// Transition applies t as a compare-and-set on the stored status.
	Transition(ctx context.Context, createdBy, id string, t Transition) (Record, Effect, error)
}
