package feed

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindModify Kind = "modify"
	KindRemove Kind = "remove"
)

// Event is one committed mutation of an ingestion record. Image is the record
// as written (the last known image for removals).
type Event struct {
	Seq        uint64          `json:"seq"`
	CreatedBy  string          `json:"created_by"`
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Status     string          `json:"status"`
	Image      json.RawMessage `json:"image,omitempty"`
	AppendedAt time.Time       `json:"appended_at"`
}

// Key identifies the record an event belongs to.
func (e Event) Key() string {
	return e.CreatedBy + "/" + e.ID
}

type Appender interface {
	Append(ctx context.Context, ev Event) (Event, error)
}

type Log interface {
	Appender
	// ReadAfter returns up to limit events with Seq > after, in Seq order.
	ReadAfter(ctx context.Context, after uint64, limit int) ([]Event, error)
}

// CursorStore keeps the last committed sequence per consumer group.
type CursorStore interface {
	Load(ctx context.Context, group string) (uint64, error)
	Commit(ctx context.Context, group string, seq uint64) error
}
