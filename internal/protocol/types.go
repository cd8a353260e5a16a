package protocol

import "encoding/json"

// Frame types a worker may emit on stdout. Each stdout line is exactly one
// JSON-encoded Frame.
const (
	FrameReady  = "ready"
	FrameResult = "result"
	FrameLog    = "log"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TaskFrame is the protocol v1 envelope written to a worker's stdin, one per
// line. TaskID is carried for the task log and worker-side logging only;
// result correlation is strictly by per-worker send order, never by ID.
type TaskFrame struct {
	Protocol int             `json:"protocol"`
	TaskID   string          `json:"task_id"`
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Frame is the envelope a worker writes to stdout.
//
// A worker must emit exactly one "ready" frame after binding its topic
// handlers, and exactly one "result" frame per task, in the order tasks were
// received. "log" frames may be interleaved freely and carry no result.
type Frame struct {
	Type   string          `json:"type"`
	TaskID string          `json:"task_id,omitempty"`
	Status string          `json:"status,omitempty"` // ok | error, result frames only
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// Log frame fields.
	Level   string `json:"level,omitempty"` // info | warn | error | debug
	Message string `json:"message,omitempty"`
}

// IsError reports whether a result frame carries an error status.
func (f *Frame) IsError() bool {
	return f.Type == FrameResult && f.Status == StatusError
}
