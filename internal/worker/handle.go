package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/stoker/internal/log"
	"github.com/mattjoyce/stoker/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a worker process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// inboundBuffer is the capacity of a handle's inbound frame channel.
	inboundBuffer = 64
)

// Handle is the pool's proxy for one worker subprocess: a one-lane outbound
// pipe (task frames on stdin) and a one-lane inbound pipe (frames on stdout).
// Both directions are order-preserving; the worker consumes its stdin
// serially and emits results serially, which is what lets the pool correlate
// results to callbacks by order alone.
type Handle struct {
	id     int
	cmd    *exec.Cmd
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	inbound chan protocol.Frame
	waitErr chan error

	stderrMu sync.Mutex
	stderr   []byte

	closeOnce sync.Once
	closeErr  error
}

// Spawn starts one worker process from the template and wires its channels.
// The returned handle's inbound channel is closed when the worker's stdout
// closes (normally at process exit).
func Spawn(tmpl *Template, id int) (*Handle, error) {
	cmd := exec.Command(tmpl.Entrypoint)
	cmd.Dir = tmpl.Path
	cmd.Env = append(os.Environ(), tmpl.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("STOKER_WORKER_ID=%d", id))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	h := &Handle{
		id:      id,
		cmd:     cmd,
		logger:  log.WithWorker(id).With("worker", tmpl.Name),
		stdin:   stdin,
		inbound: make(chan protocol.Frame, inboundBuffer),
		waitErr: make(chan error, 1),
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	h.logger.Debug("worker spawned", "entrypoint", tmpl.Entrypoint, "pid", cmd.Process.Pid)

	go h.readFrames(stdout)
	go h.drainStderr(stderr)
	go func() { h.waitErr <- cmd.Wait() }()

	return h, nil
}

// ID returns the worker's stable pool index.
func (h *Handle) ID() int { return h.id }

// Inbound returns the worker's inbound frame channel. Closed on worker exit.
func (h *Handle) Inbound() <-chan protocol.Frame { return h.inbound }

// Send writes one task frame to the worker's stdin.
func (h *Handle) Send(task *protocol.TaskFrame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := protocol.EncodeTask(h.stdin, task); err != nil {
		return fmt.Errorf("send task to worker %d: %w", h.id, err)
	}
	return nil
}

// Stderr returns the captured stderr output, capped at 64KB.
func (h *Handle) Stderr() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	return string(h.stderr)
}

// Close terminates the worker process: stdin close, SIGTERM, a grace period,
// then SIGKILL. Idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.terminate()
	})
	return h.closeErr
}

func (h *Handle) terminate() error {
	h.writeMu.Lock()
	_ = h.stdin.Close()
	h.writeMu.Unlock()

	if h.cmd.Process == nil {
		return nil
	}

	// A well-behaved worker exits on stdin EOF; SIGTERM covers the rest.
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !isProcessDone(err) {
		h.logger.Warn("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case err := <-h.waitErr:
		return ignoreExitError(err)
	case <-grace.C:
		h.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := h.cmd.Process.Kill(); err != nil && !isProcessDone(err) {
			h.logger.Error("failed to send SIGKILL", "error", err)
		}
		return ignoreExitError(<-h.waitErr)
	}
}

// readFrames scans stdout line by line and forwards decoded frames.
// Malformed lines are logged and skipped; they carry no result to correlate.
func (h *Handle) readFrames(stdout io.Reader) {
	defer close(h.inbound)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		frame, err := protocol.DecodeFrame(line)
		if err != nil {
			h.logger.Warn("dropping malformed frame", "error", err, "line", string(line))
			continue
		}

		if frame.Type == protocol.FrameLog {
			h.logWorkerMessage(frame)
			continue
		}

		h.inbound <- *frame
	}

	if err := scanner.Err(); err != nil {
		h.logger.Debug("stdout scan ended", "error", err)
	}
}

func (h *Handle) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			h.stderrMu.Lock()
			room := maxStderrBytes - len(h.stderr)
			if room > 0 {
				if n > room {
					n = room
				}
				h.stderr = append(h.stderr, buf[:n]...)
			}
			h.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) logWorkerMessage(frame *protocol.Frame) {
	logger := h.logger
	if frame.TaskID != "" {
		logger = logger.With("task_id", frame.TaskID)
	}
	switch frame.Level {
	case "debug":
		logger.Debug(frame.Message)
	case "warn":
		logger.Warn(frame.Message)
	case "error":
		logger.Error(frame.Message)
	default:
		logger.Info(frame.Message)
	}
}

func isProcessDone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

func ignoreExitError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		// Non-zero exit during teardown is expected.
		return nil
	}
	return err
}
