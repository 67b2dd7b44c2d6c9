package models

import (
	"encoding/json"
	"time"
)

// Event bus envelope
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"` // ingestion.succeeded, ingestion.failed, feed.dead_letter
	Source    string            `json:"source"`
	Subject   string            `json:"subject,omitempty"`
	Data      json.RawMessage   `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

const (
	EventIngestionSucceeded = "ingestion.succeeded"
	EventIngestionFailed    = "ingestion.failed"
	EventFeedDeadLetter     = "feed.dead_letter"
)

// IngestionOutcome is the payload of ingestion.* events.
type IngestionOutcome struct {
	ID         string    `json:"id"`
	CreatedBy  string    `json:"created_by"`
	Collection string    `json:"collection,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Health endpoints
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// TokenResponse is returned by POST /token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
}
