package starlark

import (
	"context"
	"log/slog"

	"go.starlark.net/starlark"
)

// DefaultMaxSteps bounds one script call. A feature-by-feature transform of
// a few thousand features stays far below it.
const DefaultMaxSteps = 50_000_000

// NewThread creates a thread whose print() goes to logger at debug level.
// Threads are not reused: cancellation and the step counter cannot be reset.
func NewThread(name string, logger *slog.Logger, maxSteps uint64) *starlark.Thread {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug("script output", "script", name, "msg", msg)
		},
	}
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	thread.SetMaxExecutionSteps(maxSteps)
	return thread
}

// WithContext cancels thread when ctx is done. The returned stop function
// must be called once the thread has finished.
func WithContext(ctx context.Context, thread *starlark.Thread) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}
