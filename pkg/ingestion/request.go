package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// UpdateRequest is the body of PATCH /ingestions/{id}. Absent fields are left
// alone.
type UpdateRequest struct {
	Item    json.RawMessage `json:"item,omitempty"`
	Status  *Status         `json:"status,omitempty"`
	Message *string         `json:"message,omitempty"`
}

func (u UpdateRequest) Empty() bool {
	return len(u.Item) == 0 && u.Status == nil && u.Message == nil
}

// ListParams are the raw query parameters of GET /ingestions.
type ListParams struct {
	Status string
	Next   string
	Limit  string
}

func (p ListParams) ToQuery() (ListQuery, error) {
	q := ListQuery{Cursor: p.Next}
	if p.Status != "" {
		status, err := ParseStatus(p.Status)
		if err != nil {
			return ListQuery{}, err
		}
		q.Status = &status
	}
	if p.Limit != "" {
		limit, err := strconv.Atoi(p.Limit)
		if err != nil || limit <= 0 {
			return ListQuery{}, ValidationError{reason: fmt.Errorf("limit must be a positive integer")}
		}
		q.Limit = limit
	}
	return q, nil
}
