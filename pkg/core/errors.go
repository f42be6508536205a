package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job or table does not exist.
var ErrNotFound = errors.New("not found")

// ErrJobExists is returned when a job is created with an id already in
// the table.
var ErrJobExists = errors.New("job already exists")

// TransportError is returned when a source cannot be fetched.
// It aborts the whole query.
type TransportError struct {
	Source     string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s failed: %s returned HTTP %d", e.Source, e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s failed: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("fetch %s failed", e.Source)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnknownTreatmentError is returned when a query names an unregistered treatment.
type UnknownTreatmentError struct {
	ID        string
	Available []string
}

func (e *UnknownTreatmentError) Error() string {
	return fmt.Sprintf("unknown treatment %q\nAvailable treatments: %v", e.ID, e.Available)
}

// UnknownSourceError is returned when a query names a source the catalog does not define.
type UnknownSourceError struct {
	Source    string
	Available []string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source %q\nAvailable sources: %v\nHint: Check the sources section of geoquery.yaml", e.Source, e.Available)
}

// MalformedQueryError is returned for payloads that cannot be decoded or
// are missing required fields. It fails only the job that carried it.
type MalformedQueryError struct {
	Reason string
	Err    error
}

func (e *MalformedQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed query: %s: %v", e.Reason, e.Err)
	}
	return "malformed query: " + e.Reason
}

func (e *MalformedQueryError) Unwrap() error { return e.Err }

// QueueUnavailableError is reported when the queue table cannot be reached
// at startup. The consumer disables itself instead of failing.
type QueueUnavailableError struct {
	Table string
	Err   error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue table %q unavailable: %v", e.Table, e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when a status write would break the
// pending -> processing -> terminal order.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid status transition %s -> %s", e.JobID, e.From, e.To)
}
