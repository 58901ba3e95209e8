package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manishadha/velu/internal/obs"
	"github.com/manishadha/velu/internal/queue"
	"github.com/manishadha/velu/internal/tasklog"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports process liveness, never touching the Store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", "velu")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "app": "velu"})
}

// handleReady performs the trivial query the spec calls for against the
// Store — readiness means "the store responds", distinct from liveness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var probe int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&probe); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "db": map[string]interface{}{"error": err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "db": map[string]interface{}{"status": "up"}})
}

type createTaskRequest struct {
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
}

// handleCreateTask enqueues a new job. An empty task name defaults to
// "plan", matching the spec's default agent.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"detail": "invalid request body"})
		return
	}

	task := req.Task
	if task == "" {
		task = "plan"
	}
	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	id, err := s.q.Enqueue(r.Context(), task, payload, 0, time.Time{})
	if err != nil {
		s.log.Error("enqueue failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"detail": "enqueue failed"})
		return
	}

	if s.sink != nil {
		_ = s.sink.Log(tasklog.Entry{Timestamp: time.Now().UTC(), JobID: id, Task: task, Payload: payload})
	}
	obs.JobsEnqueued.Inc()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"job_id": id,
		"received": map[string]interface{}{
			"task":    task,
			"payload": payload,
		},
	})
}

// handleListTasks returns the newest-first recent jobs via
// Queue.ListRecent, per SPEC_FULL.md's resolution to avoid a second
// in-memory ring as a separate source of truth.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.q.ListRecent(r.Context(), limit)
	if err != nil {
		s.log.Error("list recent failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"detail": "failed to list tasks"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": jobs})
}

// handleGetResult polls a single job's status/result/error.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.q.Load(r.Context(), id)
	if err != nil {
		s.log.Error("load failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"detail": "lookup failed"})
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"detail": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": job.Status == queue.StatusDone,
		"item": map[string]interface{}{
			"status": job.Status,
			"result": job.Result,
			"error":  job.LastError,
		},
	})
}

type routePreviewRequest struct {
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
}

// handleRoutePreview is a pure function with no side effects: it
// reports whether a task would be allowed to run without enqueuing
// anything, for client-side dry runs.
func (s *Server) handleRoutePreview(w http.ResponseWriter, r *http.Request) {
	var req routePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"detail": "invalid request body"})
		return
	}

	allowed := req.Task != "deploy"
	reason := "allowed"
	if !allowed {
		reason = "deploy is not permitted"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"policy": map[string]interface{}{
			"allowed": allowed,
			"reason":  reason,
		},
		"payload": req.Payload,
		"model":   map[string]interface{}{"name": "velu"},
	})
}
