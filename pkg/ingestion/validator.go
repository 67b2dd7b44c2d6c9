package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	errNotObject = errors.New("item must be a JSON object")
	errMissingID = errors.New("item id required")
)

// ItemHeader is the part of a STAC item the queue itself relies on.
type ItemHeader struct {
	ID         string `json:"id"`
	Collection string `json:"collection,omitempty"`
}

type Validator struct {
	maxIDLength int
}

func NewValidator() *Validator {
	return &Validator{maxIDLength: 1024}
}

// Validate checks that item is an object carrying a usable id. The rest of
// the body is opaque to the queue.
func (v *Validator) Validate(item json.RawMessage) (ItemHeader, error) {
	if v == nil {
		return ItemHeader{}, ValidationError{reason: errors.New("validator not initialised")}
	}
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ItemHeader{}, ValidationError{reason: errNotObject}
	}

	var header ItemHeader
	if err := json.Unmarshal(trimmed, &header); err != nil {
		return ItemHeader{}, ValidationError{reason: fmt.Errorf("%w: %v", errNotObject, err)}
	}
	if strings.TrimSpace(header.ID) == "" {
		return ItemHeader{}, ValidationError{reason: errMissingID}
	}
	if len(header.ID) > v.maxIDLength {
		return ItemHeader{}, ValidationError{reason: fmt.Errorf("item id longer than %d bytes", v.maxIDLength)}
	}
	return header, nil
}
