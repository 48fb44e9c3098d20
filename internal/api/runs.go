package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/service/logtail"
	"github.com/hugo-lorenzo-mato/xprun/internal/service/runner"
)

// RunResponse is a run as returned by the API.
type RunResponse struct {
	ID        core.RunID      `json:"id"`
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	State     core.RunState   `json:"state"`
	PID       int             `json:"pid,omitempty"`
	Stale     bool            `json:"stale,omitempty"`
	HasResult bool            `json:"has_result"`
	Script    string          `json:"script_path,omitempty"`
	Args      []string        `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// StartResponse describes a launched run.
type StartResponse struct {
	RunID       core.RunID     `json:"run_id"`
	PID         int            `json:"pid"`
	StartedAt   time.Time      `json:"started_at"`
	LogPath     string         `json:"log_path"`
	ExecutionID int64          `json:"execution_id,omitempty"`
	Reclaimed   *core.LockInfo `json:"reclaimed_lock,omitempty"`
	LockError   string         `json:"lock_error,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runs, err := s.store.List(ctx)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	statuses, err := s.controller.StatusAll(ctx)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	byID := make(map[core.RunID]core.RunStatus, len(statuses))
	for _, st := range statuses {
		byID[st.RunID] = st
	}

	resp := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		st := byID[run.ID]
		state := st.State
		if state == "" {
			state = core.RunStateIdle
		}
		resp = append(resp, RunResponse{
			ID:        run.ID,
			Name:      run.Name,
			Timestamp: run.Timestamp,
			State:     state,
			PID:       runningPID(st),
			Stale:     st.Stale,
			HasResult: run.HasResult,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := core.RunID(chi.URLParam(r, "runID"))
	if err := id.Validate(); err != nil {
		respondDomainError(w, err)
		return
	}

	rec, err := s.store.Load(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	st, err := s.controller.Status(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, RunResponse{
		ID:        rec.ID,
		Name:      rec.Name,
		Timestamp: rec.Timestamp,
		State:     st.State,
		PID:       runningPID(*st),
		Stale:     st.Stale,
		HasResult: rec.HasResult(),
		Script:    rec.ScriptPath,
		Args:      rec.Args,
		Result:    rec.Result,
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := core.RunID(chi.URLParam(r, "runID"))
	res, err := s.controller.Start(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, startResponse(res))
}

func (s *Server) handleStartLatest(w http.ResponseWriter, r *http.Request) {
	res, err := s.controller.StartLatest(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, startResponse(res))
}

// handleLogs writes the run's log as plain text. With ?follow=1 the response
// stays open and streams new output until the client disconnects.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := core.RunID(chi.URLParam(r, "runID"))
	if err := id.Validate(); err != nil {
		respondDomainError(w, err)
		return
	}
	if _, err := s.store.Load(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}

	follow, _ := strconv.ParseBool(r.URL.Query().Get("follow"))
	follower := logtail.New(logtail.Options{Follow: follow, PollInterval: s.pollInterval}, s.logger)

	// Headers are sent with the first byte, so a missing log still gets a
	// proper error status.
	sw := &lazyWriter{w: w}
	if err := follower.Follow(r.Context(), s.store.LogPath(id), sw); err != nil {
		if !sw.started {
			respondDomainError(w, err)
			return
		}
		s.logger.Warn("log stream ended", "run_id", id, "error", err)
	}
	sw.start()
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "execution history is disabled")
		return
	}
	id := core.RunID(chi.URLParam(r, "runID"))
	if err := id.Validate(); err != nil {
		respondDomainError(w, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	execs, err := s.history.List(r.Context(), id, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if execs == nil {
		execs = []core.Execution{}
	}
	respondJSON(w, http.StatusOK, execs)
}

func startResponse(res *runner.StartResult) StartResponse {
	resp := StartResponse{
		RunID:       res.RunID,
		PID:         res.PID,
		StartedAt:   res.StartedAt,
		LogPath:     res.LogPath,
		ExecutionID: res.ExecutionID,
		Reclaimed:   res.Reclaimed,
	}
	if res.LockErr != nil {
		resp.LockError = res.LockErr.Error()
	}
	return resp
}

func runningPID(st core.RunStatus) int {
	if st.State == core.RunStateRunning {
		return st.PID
	}
	return 0
}

// lazyWriter sends the text/plain headers on the first write.
type lazyWriter struct {
	w       http.ResponseWriter
	started bool
}

func (l *lazyWriter) start() {
	if l.started {
		return
	}
	l.started = true
	l.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	l.w.Header().Set("X-Content-Type-Options", "nosniff")
	l.w.WriteHeader(http.StatusOK)
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	l.start()
	return l.w.Write(p)
}

func (l *lazyWriter) Flush() {
	l.start()
	if f, ok := l.w.(http.Flusher); ok {
		f.Flush()
	}
}
