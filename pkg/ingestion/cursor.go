package ingestion

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 1000
)

// Cursor is the position of the last returned row. It is handed to clients as
// an opaque token.
type Cursor struct {
	Status    Status    `json:"s,omitempty"`
	CreatedAt time.Time `json:"t"`
	CreatedBy string    `json:"b"`
	ID        string    `json:"i"`
}

func cursorAt(status *Status, rec Record) Cursor {
	c := Cursor{CreatedAt: rec.CreatedAt, CreatedBy: rec.CreatedBy, ID: rec.ID}
	if status != nil {
		c.Status = *status
	}
	return c
}

func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.CreatedAt.IsZero() || c.CreatedBy == "" || c.ID == "" {
		return Cursor{}, fmt.Errorf("%w: incomplete position", ErrInvalidCursor)
	}
	return c, nil
}

// after reports whether rec sorts strictly after the cursor position.
func (c Cursor) after(rec Record) bool {
	return listOrder(Record{CreatedAt: c.CreatedAt, CreatedBy: c.CreatedBy, ID: c.ID}, rec)
}

// listOrder is the List ordering: created_at, then created_by, then id.
func listOrder(a, b Record) bool {
	switch {
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Before(b.CreatedAt)
	case a.CreatedBy != b.CreatedBy:
		return a.CreatedBy < b.CreatedBy
	default:
		return a.ID < b.ID
	}
}

type ListQuery struct {
	Status *Status
	Cursor string
	Limit  int
}

type Page struct {
	Items []Record `json:"items"`
	Next  string   `json:"next,omitempty"`
}

// resolve checks the query and decodes its cursor, which must have been
// issued for the same status filter.
func (q ListQuery) resolve() (*Cursor, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 0 || limit > MaxListLimit {
		return nil, 0, ValidationError{reason: fmt.Errorf("limit must be between 1 and %d", MaxListLimit)}
	}
	if q.Cursor == "" {
		return nil, limit, nil
	}
	c, err := DecodeCursor(q.Cursor)
	if err != nil {
		return nil, 0, err
	}
	var want Status
	if q.Status != nil {
		want = *q.Status
	}
	if c.Status != want {
		return nil, 0, fmt.Errorf("%w: cursor was issued for status %q", ErrInvalidCursor, c.Status)
	}
	return &c, limit, nil
}

// page trims rows fetched with limit+1 and sets the next cursor when more
// rows exist.
func page(status *Status, rows []Record, limit int) Page {
	if len(rows) <= limit {
		return Page{Items: rows}
	}
	rows = rows[:limit]
	return Page{Items: rows, Next: cursorAt(status, rows[limit-1]).Encode()}
}
