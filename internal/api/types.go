package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/stoker/internal/pool"
)

// SubmitRequest is the JSON body for POST /v1/tasks.
type SubmitRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Wait blocks the request until the task's result arrives.
	Wait bool `json:"wait,omitempty"`
	// TimeoutSeconds bounds a waiting request. Defaults to 30, capped at 600.
	TimeoutSeconds int `json:"timeout_s,omitempty"`
}

// SubmitResponse is returned on successful async submission.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Topic  string `json:"topic"`
}

// ResultResponse is returned by a waiting submission and by GET /v1/tasks/{id}.
type ResultResponse struct {
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	Topic        string          `json:"topic"`
	WorkerID     *int            `json:"worker_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	SubmittedAt  *time.Time      `json:"submitted_at,omitempty"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Service       string     `json:"service"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Pool          pool.Stats `json:"pool"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Phase         string `json:"phase"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkersReady  int    `json:"workers_ready"`
	Workers       int    `json:"workers"`
	QueueDepth    int    `json:"queue_depth"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
