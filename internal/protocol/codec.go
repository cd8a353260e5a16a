package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Version is the only wire protocol version this codec speaks.
const Version = 1

// EncodeTask serializes a TaskFrame to JSON and writes it to w as one line.
func EncodeTask(w io.Writer, task *TaskFrame) error {
	if task.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", task.Protocol)
	}
	if task.Topic == "" {
		return fmt.Errorf("task frame missing topic")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(task); err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	return nil
}

// DecodeFrame deserializes one stdout line from a worker and validates it.
// Returns an error if the line is not valid JSON or violates frame rules.
func DecodeFrame(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("frame is not valid JSON: %w", err)
	}

	switch f.Type {
	case FrameReady:
		// No further fields required.
	case FrameResult:
		if f.Status == "" {
			return nil, fmt.Errorf("result frame missing required field: status")
		}
		if f.Status != StatusOK && f.Status != StatusError {
			return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", f.Status)
		}
		if f.Status == StatusError && f.Error == "" {
			return nil, fmt.Errorf("result frame has status=error but no error message")
		}
	case FrameLog:
		if f.Message == "" {
			return nil, fmt.Errorf("log frame missing message")
		}
	case "":
		return nil, fmt.Errorf("frame missing required field: type")
	default:
		return nil, fmt.Errorf("unknown frame type: %q", f.Type)
	}

	return &f, nil
}
