package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/leapstack-labs/geoquery/internal/notifier"
	"github.com/leapstack-labs/geoquery/internal/reactive"
	"github.com/leapstack-labs/geoquery/internal/state"
	"github.com/leapstack-labs/geoquery/internal/testutil"
	"github.com/leapstack-labs/geoquery/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	err error
}

func (s stubRunner) ExecuteQuery(_ context.Context, q *core.StructuredQuery) (*core.ExecutionResult, error) {
	result := &core.ExecutionResult{ExecutionID: "exec-1", Query: q, Success: s.err == nil}
	if s.err != nil {
		result.Error = s.err.Error()
		return result, s.err
	}
	return result, nil
}

type testEnv struct {
	server  *Server
	state   *reactive.Store
	store   *state.SQLiteStore
	notices *notifier.Notifier[notifier.Notice]
}

func setupServer(t *testing.T, runner QueryRunner) *testEnv {
	t.Helper()
	logger := testutil.NewTestLogger(t)

	store := state.NewSQLiteStore(logger)
	require.NoError(t, store.OpenAndMigrate(":memory:"))
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		state:   reactive.New(reactive.Options{Logger: logger}),
		store:   store,
		notices: notifier.New[notifier.Notice](4),
	}
	env.server = NewServer(Config{
		State:   env.state,
		Jobs:    store,
		Runner:  runner,
		Notices: env.notices,
		Logger:  logger,
	})
	return env
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	env := setupServer(t, nil)
	rec, body := do(t, env.server.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	require.NoError(t, env.store.Close())
	rec, body = do(t, env.server.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestState_GetUndoRedo(t *testing.T) {
	env := setupServer(t, nil)
	h := env.server.Handler()

	env.state.SetState("map.zoom", 9, "zoom out")

	rec, body := do(t, h, http.MethodGet, "/api/state?path=map.zoom", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "map.zoom", body["path"])
	assert.Equal(t, 9.0, body["value"])

	rec, body = do(t, h, http.MethodPost, "/api/state/undo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["moved"])
	assert.Equal(t, false, body["canUndo"])
	assert.Equal(t, true, body["canRedo"])
	assert.Equal(t, 12, env.state.GetState("map.zoom"))

	_, body = do(t, h, http.MethodPost, "/api/state/undo", "")
	assert.Equal(t, false, body["moved"])

	_, body = do(t, h, http.MethodPost, "/api/state/redo", "")
	assert.Equal(t, true, body["moved"])
	assert.Equal(t, 9, env.state.GetState("map.zoom"))

	_, body = do(t, h, http.MethodGet, "/api/state?path=does.not.exist", "")
	assert.Nil(t, body["value"])
}

func TestJobs_SubmitAndList(t *testing.T) {
	env := setupServer(t, nil)
	h := env.server.Handler()

	rec, body := do(t, h, http.MethodPost, "/api/jobs?id=job-1", `{"target": {"source": "osm", "tag": "school"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "job-1", body["id"])
	assert.Equal(t, "pending", body["status"])

	rec, body = do(t, h, http.MethodPost, "/api/jobs", `{"target": {"source": "osm"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, body["id"])

	rec, _ = do(t, h, http.MethodPost, "/api/jobs?id=job-1", `{"target": {"source": "osm"}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/api/jobs?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["jobs"], 2)

	rec, body = do(t, h, http.MethodGet, "/api/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job-1", body["id"])

	rec, _ = do(t, h, http.MethodGet, "/api/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobs_SubmitStoreFailure(t *testing.T) {
	env := setupServer(t, nil)
	require.NoError(t, env.store.Close())

	rec, body := do(t, env.server.Handler(), http.MethodPost, "/api/jobs?id=job-1", `{"target": {"source": "osm"}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, body["error"])
}

func TestJobs_Rejects(t *testing.T) {
	env := setupServer(t, nil)
	h := env.server.Handler()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{name: "malformed body", method: http.MethodPost, target: "/api/jobs", body: `{"target":`, want: http.StatusBadRequest},
		{name: "empty query", method: http.MethodPost, target: "/api/jobs", body: `{}`, want: http.StatusBadRequest},
		{name: "unknown status", method: http.MethodGet, target: "/api/jobs?status=done", want: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, target: "/api/jobs?limit=-1", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}

	jobs, err := env.store.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions never reach the table")
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name     string
		runner   QueryRunner
		body     string
		want     int
		wantBody string
	}{
		{name: "success", runner: stubRunner{}, body: `{"target": {"source": "osm"}}`, want: http.StatusOK, wantBody: "exec-1"},
		{name: "malformed", runner: stubRunner{}, body: `[]`, want: http.StatusBadRequest, wantBody: "malformed query"},
		{
			name:     "unknown treatment",
			runner:   stubRunner{err: &core.UnknownTreatmentError{ID: "x"}},
			body:     `{"target": {"source": "osm"}}`,
			want:     http.StatusUnprocessableEntity,
			wantBody: "unknown treatment",
		},
		{
			name:     "transport",
			runner:   stubRunner{err: &core.TransportError{Source: "osm", Err: errors.New("dial tcp: refused")}},
			body:     `{"target": {"source": "osm"}}`,
			want:     http.StatusBadGateway,
			wantBody: "refused",
		},
		{name: "not configured", runner: nil, body: `{"target": {"source": "osm"}}`, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupServer(t, tt.runner)
			rec, _ := do(t, env.server.Handler(), http.MethodPost, "/api/query", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

// readUntil scans an SSE body until a data line contains want.
func readUntil(t *testing.T, scanner *bufio.Scanner, want string) {
	t.Helper()
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data:") && strings.Contains(scanner.Text(), want) {
			return
		}
	}
	t.Fatalf("stream ended before %q: %v", want, scanner.Err())
}

func TestEvents_StreamsNotices(t *testing.T) {
	env := setupServer(t, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	env.notices.Broadcast(notifier.Notice{Level: notifier.LevelError, JobID: "job-9", Message: "Query failed: boom"})
	readUntil(t, bufio.NewScanner(resp.Body), `"jobId":"job-9"`)
}

func TestStateStream(t *testing.T) {
	env := setupServer(t, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/state/stream?path=map.basemap", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	readUntil(t, scanner, `"value":"osm"`)

	env.state.SetState("map.basemap", "satellite", "switch basemap")
	readUntil(t, scanner, `"value":"satellite"`)
}
