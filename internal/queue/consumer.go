// Package queue consumes the durable query job table. Pending rows are
// claimed, handed to the orchestrator and resolved to success or error;
// jobs are never requeued automatically.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leapstack-labs/geoquery/internal/notifier"
	"github.com/leapstack-labs/geoquery/pkg/core"
)

// DefaultTableName names the queue table in errors and logs.
const DefaultTableName = "query_jobs"

// resolveTimeout bounds the status write that ends a job. It runs on a
// context detached from the job's, so a job interrupted by shutdown is
// still recorded as failed.
const resolveTimeout = 5 * time.Second

// Table is the persisted queue.
type Table interface {
	FetchAll(ctx context.Context) ([]core.QueryJob, error)
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
}

// Claimer is implemented by tables that can move a row from pending to
// processing only if it still holds the given version.
type Claimer interface {
	Claim(ctx context.Context, id string, version int64) (bool, error)
}

// Pinger is implemented by tables with a cheap reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Executor runs a structured query. *orchestrator.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, q *core.StructuredQuery) (*core.ExecutionResult, error)
}

// Options configures a Consumer.
type Options struct {
	Table     Table
	Executor  Executor
	TableName string
	// Notices receives one notice per resolved job. Optional.
	Notices *notifier.Notifier[notifier.Notice]
	Logger  *slog.Logger
}

// Consumer processes pending jobs one at a time.
type Consumer struct {
	table     Table
	claimer   Claimer
	executor  Executor
	tableName string
	notices   *notifier.Notifier[notifier.Notice]
	logger    *slog.Logger
	now       func() time.Time

	disabled atomic.Bool

	// runMu serializes batches so jobs never run concurrently.
	runMu sync.Mutex
	// execSlot admits one execution at a time, queued or direct.
	execSlot chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	// claimed holds the last version claimed per job id. Notifications
	// carrying a version at or below it are stale.
	claimed map[string]int64
}

// New creates a consumer. Table and Executor are required.
func New(opts Options) (*Consumer, error) {
	if opts.Table == nil {
		return nil, errors.New("queue: a table is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("queue: an executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	tableName := opts.TableName
	if tableName == "" {
		tableName = DefaultTableName
	}

	c := &Consumer{
		table:     opts.Table,
		executor:  opts.Executor,
		tableName: tableName,
		notices:   opts.Notices,
		logger:    logger.With("table", tableName),
		now:       func() time.Time { return time.Now().UTC() },
		inFlight:  make(map[string]struct{}),
		claimed:   make(map[string]int64),
		execSlot:  make(chan struct{}, 1),
	}
	if claimer, ok := opts.Table.(Claimer); ok {
		c.claimer = claimer
	}
	return c, nil
}

// Enabled reports whether Init found the table reachable.
func (c *Consumer) Enabled() bool { return !c.disabled.Load() }

// Init checks that the table is reachable and sweeps pending jobs. When it
// is not, the consumer disables itself and returns a
// *core.QueueUnavailableError; callers log it and keep starting up.
func (c *Consumer) Init(ctx context.Context) error {
	if p, ok := c.table.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return c.disable(err)
		}
	}
	rows, err := c.table.FetchAll(ctx)
	if err != nil {
		return c.disable(err)
	}
	c.disabled.Store(false)
	c.logger.Info("queue consumer ready", "rows", len(rows))
	c.HandleBatch(ctx, rows)
	return nil
}

func (c *Consumer) disable(err error) error {
	c.disabled.Store(true)
	qerr := &core.QueueUnavailableError{Table: c.tableName, Err: err}
	c.logger.Warn("queue consumer disabled", "error", qerr)
	return qerr
}

// Sweep fetches every row and handles them as one batch.
func (c *Consumer) Sweep(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	rows, err := c.table.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch jobs: %w", err)
	}
	c.HandleBatch(ctx, rows)
	return nil
}

// HandleBatch processes, in order, every pending row that is not already
// in flight and whose version is newer than the last one claimed for its
// id. Batches are serialized.
func (c *Consumer) HandleBatch(ctx context.Context, rows []core.QueryJob) {
	if !c.Enabled() {
		return
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()

	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		if !c.eligible(&rows[i]) {
			continue
		}
		c.processJob(ctx, &rows[i])
	}
}

func (c *Consumer) eligible(job *core.QueryJob) bool {
	if job.Status != core.JobStatusPending {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[job.ID]; busy {
		return false
	}
	return !c.staleLocked(job)
}

// staleLocked reports whether job's version was already claimed. Tables
// that do not version rows report 0 and rely on the status alone.
func (c *Consumer) staleLocked(job *core.QueryJob) bool {
	return job.Version != 0 && job.Version <= c.claimed[job.ID]
}

// acquire inserts id into the in-flight set unless it is already there or
// the version is stale.
func (c *Consumer) acquire(job *core.QueryJob) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[job.ID]; busy {
		return false
	}
	if c.staleLocked(job) {
		return false
	}
	c.inFlight[job.ID] = struct{}{}
	return true
}

// markClaimed records that version of id has been taken, by this consumer
// or another one.
func (c *Consumer) markClaimed(job *core.QueryJob) {
	c.mu.Lock()
	if job.Version > c.claimed[job.ID] {
		c.claimed[job.ID] = job.Version
	}
	c.mu.Unlock()
}

func (c *Consumer) release(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// processJob claims, executes and resolves one job. Nothing it does can
// fail the batch: every error ends up on the job row.
func (c *Consumer) processJob(ctx context.Context, job *core.QueryJob) {
	if !c.acquire(job) {
		return
	}
	defer c.release(job.ID)

	logger := c.logger.With("job_id", job.ID, "version", job.Version)

	claimed, err := c.claim(ctx, job)
	if err != nil {
		logger.Error("failed to claim job", "error", err)
		return
	}
	c.markClaimed(job)
	if !claimed {
		logger.Debug("job already claimed elsewhere")
		return
	}
	logger.Info("processing job")

	result, err := c.run(ctx, job)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()
	if err != nil {
		c.resolveError(rctx, logger, job, err)
		return
	}
	c.resolveSuccess(rctx, logger, job, result)
}

func (c *Consumer) claim(ctx context.Context, job *core.QueryJob) (bool, error) {
	if c.claimer != nil {
		return c.claimer.Claim(ctx, job.ID, job.Version)
	}
	err := c.table.UpdateFields(ctx, job.ID, map[string]any{core.FieldStatus: core.JobStatusProcessing})
	var transition *core.InvalidTransitionError
	if errors.As(err, &transition) || errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// run parses and executes the job's query, turning a panic into an error.
func (c *Consumer) run(ctx context.Context, job *core.QueryJob) (result *core.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("query panicked: %v", r)
		}
	}()

	q, err := core.ParseQuery(job.QueryJSON)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, q)
}

// execute waits for the execution slot and runs q. Executions share the
// reactive store's current query and step paths, so they never overlap.
func (c *Consumer) execute(ctx context.Context, q *core.StructuredQuery) (*core.ExecutionResult, error) {
	select {
	case c.execSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.execSlot }()
	return c.executor.Execute(ctx, q)
}

func (c *Consumer) resolveSuccess(ctx context.Context, logger *slog.Logger, job *core.QueryJob, result *core.ExecutionResult) {
	data, err := json.Marshal(result)
	if err != nil {
		c.resolveError(ctx, logger, job, fmt.Errorf("failed to encode result: %w", err))
		return
	}
	if err := c.table.UpdateFields(ctx, job.ID, map[string]any{
		core.FieldStatus:     core.JobStatusSuccess,
		core.FieldResultJSON: json.RawMessage(data),
		core.FieldExecutedAt: c.now(),
	}); err != nil {
		logger.Error("failed to record job success", "error", err)
		return
	}

	layers := 0
	if result != nil && result.Result != nil {
		layers = len(result.Result.Layers)
	}
	logger.Info("job succeeded", "layers", layers)
	c.notify(notifier.LevelSuccess, job.ID, fmt.Sprintf("Query completed with %d layers", layers))
}

func (c *Consumer) resolveError(ctx context.Context, logger *slog.Logger, job *core.QueryJob, cause error) {
	logger.Warn("job failed", "error", cause)
	if err := c.table.UpdateFields(ctx, job.ID, map[string]any{
		core.FieldStatus:       core.JobStatusError,
		core.FieldErrorMessage: cause.Error(),
		core.FieldExecutedAt:   c.now(),
	}); err != nil {
		logger.Error("failed to record job failure", "error", err)
	}
	c.notify(notifier.LevelError, job.ID, "Query failed: "+cause.Error())
}

func (c *Consumer) notify(level notifier.Level, jobID, message string) {
	if c.notices == nil {
		return
	}
	c.notices.Broadcast(notifier.Notice{Level: level, JobID: jobID, Message: message, Time: c.now()})
}

// ExecuteQuery runs q directly, bypassing the table. It waits for any
// job currently executing.
func (c *Consumer) ExecuteQuery(ctx context.Context, q *core.StructuredQuery) (*core.ExecutionResult, error) {
	return c.execute(ctx, q)
}

// Cleanup deletes terminal jobs older than maxAge, measured from
// executed_at or, when unset, created_at. It returns the number deleted.
func (c *Consumer) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	rows, err := c.table.FetchAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch jobs: %w", err)
	}

	cutoff := c.now().Add(-maxAge)
	deleted := 0
	for _, job := range rows {
		if !job.Status.Terminal() {
			continue
		}
		at := job.CreatedAt
		if job.ExecutedAt != nil {
			at = *job.ExecutedAt
		}
		if !at.Before(cutoff) {
			continue
		}
		if err := c.table.Delete(ctx, job.ID); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return deleted, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
		deleted++
	}

	if deleted > 0 {
		c.logger.Info("cleaned up jobs", "deleted", deleted, "max_age", maxAge)
	}
	return deleted, nil
}

// Run sweeps on every change ping and, when poll is positive, on every
// tick, until ctx is done.
func (c *Consumer) Run(ctx context.Context, changes <-chan notifier.Ping, poll time.Duration) error {
	var tick <-chan time.Time
	if poll > 0 {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		case <-tick:
		}
		if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("queue sweep failed", "error", err)
		}
	}
}
