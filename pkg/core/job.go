package core

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued query.
type JobStatus string

// Job status constants.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSuccess    JobStatus = "success"
	JobStatusError      JobStatus = "error"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusSuccess, JobStatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusError
}

// CanTransition reports whether from -> to is a legal move.
// Only pending -> processing -> {success, error} is allowed.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusSuccess || to == JobStatusError
	}
	return false
}

// Persisted field names of the queue table.
const (
	FieldStatus       = "status"
	FieldQueryJSON    = "query_json"
	FieldResultJSON   = "result_json"
	FieldErrorMessage = "error_message"
	FieldExecutedAt   = "executed_at"
)

// QueryJob is one row of the queue table.
type QueryJob struct {
	ID           string          `json:"id"`
	QueryJSON    json.RawMessage `json:"query_json"`
	Status       JobStatus       `json:"status"`
	ResultJSON   json.RawMessage `json:"result_json,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`

	// Version increases on every write of the row and is never reused for
	// the same id, even after the row is deleted and re-created. A consumer
	// that has already claimed version N ignores any later notification
	// carrying a version <= N for the same id.
	Version int64 `json:"version"`
}
