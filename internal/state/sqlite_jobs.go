package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leapstack-labs/geoquery/pkg/core"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const jobColumns = `id, query_json, status, result_json, error_message, created_at, executed_at, version`

// writableFields lists the columns UpdateFields may change.
var writableFields = map[string]bool{
	core.FieldStatus:       true,
	core.FieldQueryJSON:    true,
	core.FieldResultJSON:   true,
	core.FieldErrorMessage: true,
	core.FieldExecutedAt:   true,
}

// ListOptions filters ListJobs.
type ListOptions struct {
	Status core.JobStatus
	Limit  int
}

// CreateJob inserts a pending job. An empty id is replaced by a new UUID.
func (s *SQLiteStore) CreateJob(ctx context.Context, id string, query json.RawMessage) (*core.QueryJob, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("failed to create job: empty query")
	}
	if id == "" {
		id = generateID()
	}

	job := &core.QueryJob{
		ID:        id,
		QueryJSON: query,
		Status:    core.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job.Version, err = nextVersion(ctx, tx)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO query_jobs (id, query_json, status, created_at, version) VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.QueryJSON), string(job.Status), formatTime(job.CreatedAt), job.Version,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("job %q: %w", id, core.ErrJobExists)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job: %w", err)
	}

	s.notify()
	return job, nil
}

// GetJob retrieves a job by ID. It returns nil, nil when the job does not exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*core.QueryJob, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM query_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// FetchAll returns every row of the queue table, oldest first.
func (s *SQLiteStore) FetchAll(ctx context.Context) ([]core.QueryJob, error) {
	return s.ListJobs(ctx, ListOptions{})
}

// ListJobs returns jobs ordered by creation time, optionally filtered by status.
func (s *SQLiteStore) ListJobs(ctx context.Context, opts ListOptions) ([]core.QueryJob, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	query := `SELECT ` + jobColumns + ` FROM query_jobs`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []core.QueryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateFields writes the given columns of one job and bumps its version.
// A status change must follow pending -> processing -> {success, error}.
func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if !writableFields[name] {
			return fmt.Errorf("cannot update column %q of query_jobs", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM query_jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}

	if v, ok := fields[core.FieldStatus]; ok {
		to, err := toStatus(v)
		if err != nil {
			return err
		}
		from := core.JobStatus(current)
		sameNonTerminal := from == to && !from.Terminal()
		if !sameNonTerminal && !core.CanTransition(from, to) {
			return &core.InvalidTransitionError{JobID: id, From: from, To: to}
		}
	}

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		value, err := columnValue(name, fields[name])
		if err != nil {
			return err
		}
		sets = append(sets, name+" = ?")
		args = append(args, value)
	}
	sets = append(sets, "version = ?")
	args = append(args, version, id)

	if _, err := tx.ExecContext(ctx,
		`UPDATE query_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...,
	); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job update: %w", err)
	}

	s.notify()
	return nil
}

// Claim moves a pending job to processing only if its version still equals
// version. It reports whether this caller won the claim.
func (s *SQLiteStore) Claim(ctx context.Context, id string, version int64) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("database not opened")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	next, err := nextVersion(ctx, tx)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE query_jobs SET status = ?, version = ? WHERE id = ? AND status = ? AND version = ?`,
		string(core.JobStatusProcessing), next, id, string(core.JobStatusPending), version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.notify()
	return true, nil
}

// Delete removes a job.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM query_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}

	s.notify()
	return nil
}

func nextVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx,
		`UPDATE query_job_versions SET value = value + 1 WHERE id = 1 RETURNING value`,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate job version: %w", err)
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*core.QueryJob, error) {
	var (
		job                core.QueryJob
		queryJSON, status  string
		resultJSON, errMsg sql.NullString
		createdAt          string
		executedAt         sql.NullString
	)
	if err := row.Scan(&job.ID, &queryJSON, &status, &resultJSON, &errMsg, &createdAt, &executedAt, &job.Version); err != nil {
		return nil, err
	}

	job.QueryJSON = json.RawMessage(queryJSON)
	job.Status = core.JobStatus(status)
	if resultJSON.Valid && resultJSON.String != "" {
		job.ResultJSON = json.RawMessage(resultJSON.String)
	}
	job.ErrorMessage = errMsg.String

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = t
	if executedAt.Valid && executedAt.String != "" {
		t, err := parseTime(executedAt.String)
		if err != nil {
			return nil, err
		}
		job.ExecutedAt = &t
	}
	return &job, nil
}

func toStatus(v any) (core.JobStatus, error) {
	var st core.JobStatus
	switch x := v.(type) {
	case core.JobStatus:
		st = x
	case string:
		st = core.JobStatus(x)
	default:
		return "", fmt.Errorf("status must be a string, got %T", v)
	}
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", st)
	}
	return st, nil
}

// columnValue converts a field value into what the driver stores.
func columnValue(name string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch name {
	case core.FieldStatus:
		st, err := toStatus(v)
		return string(st), err
	case core.FieldExecutedAt:
		switch t := v.(type) {
		case time.Time:
			return formatTime(t), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return formatTime(*t), nil
		case string:
			parsed, err := parseTime(t)
			if err != nil {
				return nil, err
			}
			return formatTime(parsed), nil
		}
		return nil, fmt.Errorf("executed_at must be a time, got %T", v)
	case core.FieldQueryJSON, core.FieldResultJSON:
		switch raw := v.(type) {
		case json.RawMessage:
			return string(raw), nil
		case []byte:
			return string(raw), nil
		case string:
			return raw, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		return string(b), nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string, got %T", name, v)
		}
		return s, nil
	}
}

func isConstraintViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
