package starlark

import (
	"context"
	"testing"

	"github.com/leapstack-labs/geoquery/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

func TestNewThread_StepLimit(t *testing.T) {
	thread := NewThread("loop.star", testutil.NewTestLogger(t), 1000)

	_, err := starlark.ExecFileOptions(&syntax.FileOptions{While: true}, thread, "loop.star", `
def spin():
    while True:
        pass
spin()
`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many steps")
}

func TestWithContext_Cancels(t *testing.T) {
	thread := NewThread("wait.star", nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stop := WithContext(ctx, thread)
	defer stop()

	// Cancellation is asynchronous; a long loop observes it.
	_, err := starlark.ExecFileOptions(&syntax.FileOptions{While: true}, thread, "wait.star", `
def spin():
    while True:
        pass
spin()
`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
}

func TestNewThread_PrintIsLogged(t *testing.T) {
	thread := NewThread("print.star", testutil.NewTestLogger(t), 0)
	_, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, "print.star", `print("hello")`, nil)
	assert.NoError(t, err)
}
