package model

import (
	"encoding/json"
	"time"
)

// SyncStatus is the lifecycle state of a provider sync row.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed
}

// SyncState tracks one (target, source) integration attempt cycle.
type SyncState struct {
	ID            string          `json:"id"`
	TargetID      string          `json:"target_id"`
	Source        string          `json:"source"`
	State         SyncStatus      `json:"state"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
