package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/leapstack-labs/geoquery/internal/reactive"
	"github.com/leapstack-labs/geoquery/internal/state"
	"github.com/leapstack-labs/geoquery/pkg/core"
	"github.com/starfederation/datastar-go/datastar"
)

// maxBodyBytes bounds submitted query documents.
const maxBodyBytes = 1 << 20

type handlers struct {
	server *Server
}

type errorResponse struct {
	Error  string                `json:"error"`
	Result *core.ExecutionResult `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps pipeline errors to HTTP statuses.
func statusFor(err error) int {
	var (
		malformed *core.MalformedQueryError
		treatment *core.UnknownTreatmentError
		source    *core.UnknownSourceError
		transport *core.TransportError
	)
	switch {
	case errors.As(err, &malformed):
		return http.StatusBadRequest
	case errors.As(err, &treatment), errors.As(err, &source):
		return http.StatusUnprocessableEntity
	case errors.As(err, &transport):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrJobExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "queue": "ok"}
	if h.server.jobs == nil {
		resp["queue"] = "disabled"
	} else if err := h.server.jobs.Ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["queue"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getState(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	writeJSON(w, http.StatusOK, map[string]any{
		"path":  path,
		"value": h.server.state.GetState(path),
	})
}

func (h *handlers) undo(w http.ResponseWriter, _ *http.Request) {
	h.writeHistoryMove(w, h.server.state.Undo())
}

func (h *handlers) redo(w http.ResponseWriter, _ *http.Request) {
	h.writeHistoryMove(w, h.server.state.Redo())
}

func (h *handlers) writeHistoryMove(w http.ResponseWriter, moved bool) {
	st := h.server.state
	writeJSON(w, http.StatusOK, map[string]any{
		"moved":   moved,
		"canUndo": st.CanUndo(),
		"canRedo": st.CanRedo(),
	})
}

// streamState pushes the value at ?path= as a datastar signal patch, once
// on connect and again after every change under that path.
func (h *handlers) streamState(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	changed := make(chan struct{}, 1)
	unsubscribe := h.server.state.Subscribe(path, func(reactive.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	sse := datastar.NewSSE(w, r)
	send := func() error {
		return sse.MarshalAndPatchSignals(map[string]any{
			"state": map[string]any{"path": path, "value": h.server.state.GetState(path)},
		})
	}
	if err := send(); err != nil {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			if err := send(); err != nil {
				_ = sse.ConsoleError(err)
			}
		}
	}
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	if h.server.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("queue is disabled"))
		return
	}

	opts := state.ListOptions{Status: core.JobStatus(r.URL.Query().Get("status"))}
	if opts.Status != "" && !opts.Status.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown status "+strconv.Quote(string(opts.Status))))
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}

	jobs, err := h.server.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	if h.server.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("queue is disabled"))
		return
	}
	id := chi.URLParam(r, "id")
	job, err := h.server.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, errors.New("job "+id+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// submitJob queues the query in the request body. The query is validated
// first so a malformed document never reaches the table; ?id= picks the
// job id, otherwise one is generated.
func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	if h.server.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("queue is disabled"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := core.ParseQuery(body); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	job, err := h.server.jobs.CreateJob(r.Context(), r.URL.Query().Get("id"), json.RawMessage(body))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.server.logger.Info("job submitted", "job_id", job.ID)
	writeJSON(w, http.StatusCreated, job)
}

// runQuery executes the body synchronously, bypassing the queue.
func (h *handlers) runQuery(w http.ResponseWriter, r *http.Request) {
	if h.server.runner == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("query execution is not configured"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := core.ParseQuery(body)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	result, err := h.server.runner.ExecuteQuery(r.Context(), q)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Result: result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// events streams job notices as datastar signal patches.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	notices := h.server.notices.Subscribe()
	defer h.server.notices.Unsubscribe(notices)

	sse := datastar.NewSSE(w, r)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-notices:
			if !ok {
				return
			}
			if err := sse.MarshalAndPatchSignals(map[string]any{"notice": notice}); err != nil {
				h.server.logger.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}
