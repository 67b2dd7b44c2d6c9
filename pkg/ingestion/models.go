package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"gorm.io/datatypes"
)

// Record is one submitted STAC item and its processing state, keyed by
// (CreatedBy, ID).
type Record struct {
	CreatedBy string         `json:"created_by" gorm:"primaryKey;column:created_by"`
	ID        string         `json:"id" gorm:"primaryKey;column:id"`
	Item      datatypes.JSON `json:"item" gorm:"column:item;not null"`
	Status    Status         `json:"status" gorm:"column:status;not null;index:idx_ingestions_status_created,priority:1"`
	Message   string         `json:"message,omitempty" gorm:"column:message"`
	CreatedAt time.Time      `json:"created_at" gorm:"column:created_at;not null;autoCreateTime:false;index:idx_ingestions_status_created,priority:2"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (Record) TableName() string {
	return "ingestions"
}

// stamp normalizes a timestamp to what every backend can store losslessly.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// preparePut validates a put against the currently stored record (nil when
// absent) and returns the record to write with its timestamps settled.
func existsError(rec Record) error {
	return fmt.Errorf("%w: ingestion %s/%s already exists", ErrConflict, rec.CreatedBy, rec.ID)
}

func preparePut(existing *Record, rec Record, now time.Time) (Record, feed.Kind, error) {
	if rec.CreatedBy == "" || rec.ID == "" {
		return Record{}, "", ValidationError{reason: fmt.Errorf("created_by and id are required")}
	}
	now = stamp(now)
	if !rec.CreatedAt.IsZero() {
		rec.CreatedAt = stamp(rec.CreatedAt)
	}

	if existing == nil {
		if rec.Status != StatusQueued {
			return Record{}, "", fmt.Errorf("%w: new ingestions must be %q, got %q", ErrInvalidTransition, StatusQueued, rec.Status)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = later(now, rec.CreatedAt)
		return rec, feed.KindInsert, nil
	}

	if rec.Status != existing.Status {
		return Record{}, "", fmt.Errorf("%w: put cannot change status from %q to %q", ErrInvalidTransition, existing.Status, rec.Status)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	} else if !rec.CreatedAt.Equal(existing.CreatedAt) {
		return Record{}, "", fmt.Errorf("%w: created_at of %s/%s is immutable", ErrConflict, rec.CreatedBy, rec.ID)
	}
	rec.UpdatedAt = later(now, existing.UpdatedAt)
	return rec, feed.KindModify, nil
}

// applyTransition runs the state machine against rec. On EffectNoOp or error
// rec is returned untouched.
func applyTransition(rec Record, t Transition, now time.Time) (Record, Effect, error) {
	next, effect, err := Next(rec.Status, t.Action)
	if err != nil || effect == EffectNoOp {
		return rec, effect, err
	}
	rec.Status = next
	rec.Message = t.Message
	rec.UpdatedAt = later(stamp(now), rec.UpdatedAt)
	return rec, EffectApplied, nil
}

func changeEvent(rec Record, kind feed.Kind) (feed.Event, error) {
	image, err := json.Marshal(rec)
	if err != nil {
		return feed.Event{}, fmt.Errorf("encode change image: %w", err)
	}
	return feed.Event{
		CreatedBy: rec.CreatedBy,
		ID:        rec.ID,
		Kind:      kind,
		Status:    string(rec.Status),
		Image:     image,
	}, nil
}

// DecodeImage turns a change event image back into a record.
func DecodeImage(ev feed.Event) (Record, error) {
	var rec Record
	if len(ev.Image) == 0 {
		return Record{CreatedBy: ev.CreatedBy, ID: ev.ID, Status: Status(ev.Status)}, nil
	}
	if err := json.Unmarshal(ev.Image, &rec); err != nil {
		return Record{}, fmt.Errorf("decode change image %d: %w", ev.Seq, err)
	}
	return rec, nil
}
