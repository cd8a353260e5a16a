package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/stoker/internal/pool"
	"github.com/mattjoyce/stoker/internal/tasklog"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Phase:         string(stats.Phase),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkersReady:  stats.Ready,
		Workers:       stats.Workers,
		QueueDepth:    stats.QueueDepth,
	})
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Service:       s.serviceName,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Pool:          s.pool.Stats(),
	})
}

// handleSubmitTask handles POST /v1/tasks.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		s.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	done := make(chan pool.Result, 1)
	taskID, err := s.pool.AssignTask(req.Topic, req.Payload, func(res pool.Result) {
		done <- res
	})
	if err != nil {
		if errors.Is(err, pool.ErrPoolDestroyed) {
			s.writeError(w, http.StatusServiceUnavailable, "pool is destroyed")
			return
		}
		s.logger.Error("failed to assign task", "topic", req.Topic, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to assign task")
		return
	}

	if s.tasks != nil {
		if err := s.tasks.RecordSubmitted(r.Context(), taskID, req.Topic, req.Payload, "api"); err != nil {
			s.logger.Error("failed to record task submission", "task_id", taskID, "error", err)
		}
	}

	// Record completion regardless of whether the client waits around. The
	// shutdown case covers tasks abandoned at teardown, whose callbacks
	// never fire.
	recorded := make(chan pool.Result, 1)
	go func() {
		var res pool.Result
		select {
		case res = <-done:
		case <-s.shutdown:
			return
		}
		if s.tasks != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.tasks.RecordCompleted(ctx, res.TaskID, res.WorkerID, res.Payload, res.Err); err != nil {
				s.logger.Error("failed to record task completion", "task_id", res.TaskID, "error", err)
			}
			cancel()
		}
		recorded <- res
	}()

	s.logger.Info("task submitted via API", "task_id", taskID, "topic", req.Topic, "wait", req.Wait)

	if !req.Wait {
		respondJSON(w, http.StatusAccepted, SubmitResponse{
			TaskID: taskID,
			Status: "queued",
			Topic:  req.Topic,
		})
		return
	}

	// Bound concurrent waiting submissions.
	select {
	case s.syncSemaphore <- struct{}{}:
		defer func() { <-s.syncSemaphore }()
	default:
		s.logger.Warn("too many concurrent waiting requests", "task_id", taskID)
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent waiting requests, retry without wait")
		return
	}

	waitTimeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		waitTimeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if waitTimeout > s.config.MaxSyncTimeout {
		waitTimeout = s.config.MaxSyncTimeout
	}

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case res := <-recorded:
		resp := ResultResponse{
			TaskID:   res.TaskID,
			Status:   string(tasklog.StatusSucceeded),
			Topic:    req.Topic,
			WorkerID: &res.WorkerID,
			Result:   res.Payload,
		}
		if res.Err != nil {
			resp.Status = string(tasklog.StatusFailed)
			resp.Error = res.Err.Error()
		}
		respondJSON(w, http.StatusOK, resp)
	case <-timer.C:
		respondJSON(w, http.StatusAccepted, SubmitResponse{
			TaskID: taskID,
			Status: "running",
			Topic:  req.Topic,
		})
	case <-r.Context().Done():
		// Client went away; the completion recorder still runs.
	}
}

// handleGetTask handles GET /v1/tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, http.StatusNotFound, "task history is disabled")
		return
	}

	taskID := chi.URLParam(r, "taskID")
	entry, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, tasklog.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("failed to retrieve task", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	respondJSON(w, http.StatusOK, entryToResponse(entry))
}

// handleRecentTasks handles GET /v1/tasks/recent?limit=N.
func (s *Server) handleRecentTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, http.StatusNotFound, "task history is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := s.tasks.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list recent tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list recent tasks")
		return
	}

	out := make([]ResultResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryToResponse(e))
	}
	respondJSON(w, http.StatusOK, map[string][]ResultResponse{"tasks": out})
}

func entryToResponse(e *tasklog.Entry) ResultResponse {
	resp := ResultResponse{
		TaskID:       e.ID,
		Status:       string(e.Status),
		Topic:        e.Topic,
		WorkerID:     e.WorkerID,
		Result:       e.Result,
		SubmittedAt:  &e.SubmittedAt,
		DispatchedAt: e.DispatchedAt,
		CompletedAt:  e.CompletedAt,
	}
	if e.LastError != nil {
		resp.Error = *e.LastError
	}
	return resp
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
