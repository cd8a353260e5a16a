// Command echo-worker is the sample stoker worker. It speaks the NDJSON
// worker protocol on stdin/stdout: one ready frame at startup, then one
// result frame per task, in the order tasks arrive.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/stoker/internal/protocol"
)

func main() {
	out := json.NewEncoder(os.Stdout)

	workerID := os.Getenv("STOKER_WORKER_ID")

	// Signal readiness before consuming any tasks.
	if err := out.Encode(protocol.Frame{Type: protocol.FrameReady}); err != nil {
		fmt.Fprintf(os.Stderr, "write ready frame: %v\n", err)
		os.Exit(1)
	}

	_ = out.Encode(protocol.Frame{
		Type:    protocol.FrameLog,
		Level:   "info",
		Message: "echo worker started (slot " + workerID + ")",
	})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var task protocol.TaskFrame
		if err := json.Unmarshal(line, &task); err != nil {
			// A malformed task frame is unrecoverable: any reply would be
			// correlated with the wrong pending entry.
			fmt.Fprintf(os.Stderr, "malformed task frame: %v\n", err)
			os.Exit(1)
		}

		if err := out.Encode(handleTask(&task)); err != nil {
			fmt.Fprintf(os.Stderr, "write result frame: %v\n", err)
			os.Exit(1)
		}
	}

	// stdin closed: the pool is tearing down.
	os.Exit(0)
}

func handleTask(task *protocol.TaskFrame) protocol.Frame {
	switch task.Topic {
	case "echo":
		return okFrame(task.TaskID, task.Payload)

	case "upper":
		var req struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(task.Payload, &req); err != nil || req.Text == "" {
			return errFrame(task.TaskID, "upper requires payload.text")
		}
		result, _ := json.Marshal(map[string]string{"text": strings.ToUpper(req.Text)})
		return okFrame(task.TaskID, result)

	case "sleep":
		var req struct {
			Ms int `json:"ms"`
		}
		if err := json.Unmarshal(task.Payload, &req); err != nil || req.Ms < 0 {
			return errFrame(task.TaskID, "sleep requires payload.ms >= 0")
		}
		if req.Ms > 60_000 {
			return errFrame(task.TaskID, "sleep capped at 60000 ms")
		}
		time.Sleep(time.Duration(req.Ms) * time.Millisecond)
		result, _ := json.Marshal(map[string]int{"slept_ms": req.Ms})
		return okFrame(task.TaskID, result)

	default:
		return errFrame(task.TaskID, "unsupported topic: "+task.Topic)
	}
}

func okFrame(taskID string, result json.RawMessage) protocol.Frame {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	return protocol.Frame{
		Type:   protocol.FrameResult,
		TaskID: taskID,
		Status: protocol.StatusOK,
		Result: result,
	}
}

func errFrame(taskID, message string) protocol.Frame {
	return protocol.Frame{
		Type:   protocol.FrameResult,
		TaskID: taskID,
		Status: protocol.StatusError,
		Error:  message,
	}
}
