package pool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/log"
	"github.com/mattjoyce/stoker/internal/protocol"
)

// Phase is the pool lifecycle state.
type Phase string

const (
	// PhaseWarming: workers spawned, not all have signaled ready. Tasks queue.
	PhaseWarming Phase = "warming"
	// PhaseLive: all workers ready, tasks dispatch immediately.
	PhaseLive Phase = "live"
	// PhaseDestroyed: terminal. AssignTask is rejected.
	PhaseDestroyed Phase = "destroyed"
)

// Result is what a callback receives when its task's worker responds.
type Result struct {
	TaskID   string
	WorkerID int
	Payload  json.RawMessage
	Err      error // set when the worker reported status=error
}

// Callback is the completion continuation registered with AssignTask.
// It is invoked at most once, on the originating worker's callback
// goroutine, in result order; never if the pool is destroyed before the
// result arrives. A callback may call AssignTask or Destroy.
type Callback func(Result)

// Port is what the pool needs from one worker process: two one-lane,
// order-preserving pipes and a teardown. *worker.Handle implements it.
type Port interface {
	ID() int
	Send(*protocol.TaskFrame) error
	Inbound() <-chan protocol.Frame
	Close() error
}

// SpawnFunc produces the worker at index id. Called N times by New.
type SpawnFunc func(id int) (Port, error)

// queuedTask is a task held while the pool is warming. Unlike a ledger
// entry it still carries topic and payload; its worker is chosen at drain
// time, not submission time.
type queuedTask struct {
	taskID  string
	topic   string
	payload json.RawMessage
	cb      Callback
}

// Pool is a fixed-size set of worker processes with round-robin dispatch.
//
// All mutable dispatch state (cursor, readiness count, pre-ready queue,
// ledgers) is guarded by one mutex; the readiness drain runs under it, so a
// concurrent AssignTask can never interleave ahead of a still-queued task.
type Pool struct {
	logger  *slog.Logger
	hub     *events.Hub
	onFault func(error)

	workers []Port
	wg      sync.WaitGroup

	// Callbacks run on one goroutine per worker, fed through these queues,
	// so a callback can call Destroy without deadlocking against the result
	// goroutines Destroy waits on. destroyCh aborts hand-offs blocked on a
	// busy callback goroutine during teardown.
	cbQueues  []chan invocation
	destroyCh chan struct{}

	mu         sync.Mutex
	phase      Phase
	cursor     int
	readySeen  []bool
	readyCount int
	preReady   []queuedTask
	ledgers    []ledger
	dispatched []uint64
	completed  uint64
	failed     uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithHub sets the event hub the pool publishes lifecycle events to.
func WithHub(h *events.Hub) Option {
	return func(p *Pool) { p.hub = h }
}

// WithFaultHandler sets the handler for protocol violations. The default
// handler logs at ERROR and publishes a pool.fault event.
func WithFaultHandler(fn func(error)) Option {
	return func(p *Pool) { p.onFault = fn }
}

// New spawns count workers and subscribes a result loop to each one's
// inbound channel. The pool starts in PhaseWarming; it goes live when every
// worker has emitted its ready frame.
func New(spawn SpawnFunc, count int, opts ...Option) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrWorkerCount, count)
	}
	if spawn == nil {
		return nil, ErrNilSpawn
	}

	p := &Pool{
		logger:     log.WithComponent("pool"),
		phase:      PhaseWarming,
		workers:    make([]Port, 0, count),
		readySeen:  make([]bool, count),
		ledgers:    make([]ledger, count),
		dispatched: make([]uint64, count),
		cbQueues:   make([]chan invocation, count),
		destroyCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for id := 0; id < count; id++ {
		w, err := spawn(id)
		if err != nil {
			// Unwind the workers spawned so far.
			for _, spawned := range p.workers {
				_ = spawned.Close()
			}
			return nil, fmt.Errorf("spawn worker %d: %w", id, err)
		}
		p.workers = append(p.workers, w)
	}

	for id := range p.cbQueues {
		p.cbQueues[id] = make(chan invocation, 16)
		go p.callbackLoop(p.cbQueues[id])
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.resultLoop(w)
	}

	p.logger.Info("pool warming", "workers", count)
	p.publish(events.TypePoolWarming, map[string]any{"workers": count})

	return p, nil
}

// AssignTask submits one task. It returns synchronously: while warming the
// task joins the pre-ready queue, while live it is sent to the worker at the
// round-robin cursor and cb joins that worker's ledger. The returned task ID
// is for logging and the task log only; it plays no part in correlation.
func (p *Pool) AssignTask(topic string, payload json.RawMessage, cb Callback) (string, error) {
	taskID := uuid.NewString()

	p.mu.Lock()
	switch p.phase {
	case PhaseDestroyed:
		p.mu.Unlock()
		return "", ErrPoolDestroyed

	case PhaseWarming:
		p.preReady = append(p.preReady, queuedTask{
			taskID:  taskID,
			topic:   topic,
			payload: payload,
			cb:      cb,
		})
		depth := len(p.preReady)
		p.mu.Unlock()

		p.logger.Debug("task queued until pool is live", "task_id", taskID, "topic", topic, "depth", depth)
		p.publish(events.TypeTaskQueued, map[string]any{"task_id": taskID, "topic": topic})
		return taskID, nil

	default: // PhaseLive
		failed := p.dispatchLocked(queuedTask{taskID: taskID, topic: topic, payload: payload, cb: cb})
		p.mu.Unlock()

		p.invokeSendFailures(failed)
		return taskID, nil
	}
}

// dispatchLocked sends the task to the worker at the cursor and advances the
// cursor. Called with p.mu held. On a send failure the callback is returned
// to the caller to be invoked with the error once the lock is released.
func (p *Pool) dispatchLocked(task queuedTask) []failedSend {
	w := p.workers[p.cursor]
	id := p.cursor
	p.cursor = (p.cursor + 1) % len(p.workers)

	frame := &protocol.TaskFrame{
		Protocol: protocol.Version,
		TaskID:   task.taskID,
		Topic:    task.topic,
		Payload:  task.payload,
	}
	if err := w.Send(frame); err != nil {
		p.logger.Error("task send failed", "task_id", task.taskID, "worker_id", id, "error", err)
		return []failedSend{{task: task, workerID: id, err: err}}
	}

	p.ledgers[id].push(pendingEntry{taskID: task.taskID, topic: task.topic, callback: task.cb})
	p.dispatched[id]++

	p.logger.Debug("task dispatched", "task_id", task.taskID, "topic", task.topic, "worker_id", id)
	p.publish(events.TypeTaskDispatched, map[string]any{
		"task_id":   task.taskID,
		"topic":     task.topic,
		"worker_id": id,
	})
	return nil
}

type failedSend struct {
	task     queuedTask
	workerID int
	err      error
}

// invokeSendFailures hands off callbacks for tasks whose stdin write
// failed. Runs without the pool lock.
func (p *Pool) invokeSendFailures(failed []failedSend) {
	for _, f := range failed {
		p.enqueueCallback(f.workerID, f.task.cb, Result{
			TaskID:   f.task.taskID,
			WorkerID: f.workerID,
			Err:      fmt.Errorf("deliver task to worker %d: %w", f.workerID, f.err),
		})
	}
}

// invocation is one callback hand-off from a result goroutine to a
// callback goroutine.
type invocation struct {
	cb  Callback
	res Result
}

// enqueueCallback hands a callback to its worker's callback goroutine.
// If the queue is full and the pool is being destroyed, the hand-off is
// dropped; the pending work was abandoned anyway.
func (p *Pool) enqueueCallback(workerID int, cb Callback, res Result) {
	if cb == nil {
		return
	}
	select {
	case p.cbQueues[workerID] <- invocation{cb: cb, res: res}:
	case <-p.destroyCh:
	}
}

// callbackLoop invokes one worker's callbacks in result order. On teardown
// it drains what the result goroutine already handed off, then exits.
func (p *Pool) callbackLoop(ch chan invocation) {
	for {
		select {
		case inv := <-ch:
			inv.cb(inv.res)
		case <-p.destroyCh:
			for {
				select {
				case inv := <-ch:
					inv.cb(inv.res)
				default:
					return
				}
			}
		}
	}
}

// resultLoop consumes one worker's inbound frames until its channel closes.
func (p *Pool) resultLoop(w Port) {
	defer p.wg.Done()

	for frame := range w.Inbound() {
		switch frame.Type {
		case protocol.FrameReady:
			p.handleReady(w.ID())
		case protocol.FrameResult:
			p.handleResult(w.ID(), frame)
		}
	}
}

// handleReady marks one worker ready. Duplicate signals are no-ops. The
// Warming to Live transition and the pre-ready drain happen under the pool
// lock, atomically with respect to AssignTask.
func (p *Pool) handleReady(workerID int) {
	p.mu.Lock()

	if p.phase == PhaseDestroyed {
		p.mu.Unlock()
		return
	}
	if p.readySeen[workerID] {
		p.mu.Unlock()
		p.logger.Debug("duplicate ready signal ignored", "worker_id", workerID)
		return
	}

	p.readySeen[workerID] = true
	p.readyCount++
	ready, total := p.readyCount, len(p.workers)

	var failed []failedSend
	var drained int
	wentLive := false
	if ready == total && p.phase == PhaseWarming {
		p.phase = PhaseLive
		wentLive = true
		drained = len(p.preReady)
		for _, task := range p.preReady {
			failed = append(failed, p.dispatchLocked(task)...)
		}
		p.preReady = nil
	}
	p.mu.Unlock()

	p.logger.Info("worker ready", "worker_id", workerID, "ready", ready, "total", total)
	p.publish(events.TypeWorkerReady, map[string]any{"worker_id": workerID, "ready": ready, "total": total})

	if wentLive {
		p.logger.Info("pool live", "drained", drained)
		p.publish(events.TypePoolLive, map[string]any{"drained": drained})
	}

	p.invokeSendFailures(failed)
}

// handleResult pops the oldest callback for the worker and fires it. A
// result with no pending callback is a protocol violation: the worker
// produced more results than tasks it was sent.
func (p *Pool) handleResult(workerID int, frame protocol.Frame) {
	p.mu.Lock()
	if p.phase == PhaseDestroyed {
		p.mu.Unlock()
		return
	}
	entry, ok := p.ledgers[workerID].pop()
	if ok {
		if frame.IsError() {
			p.failed++
		} else {
			p.completed++
		}
	}
	p.mu.Unlock()

	if !ok {
		p.fault(&ProtocolViolationError{WorkerID: workerID})
		return
	}

	result := Result{
		TaskID:   entry.taskID,
		WorkerID: workerID,
		Payload:  frame.Result,
	}
	eventType := events.TypeTaskCompleted
	if frame.IsError() {
		result.Err = fmt.Errorf("worker error: %s", frame.Error)
		eventType = events.TypeTaskFailed
	}

	p.logger.Debug("task result", "task_id", entry.taskID, "worker_id", workerID, "error", frame.Error)
	p.publish(eventType, map[string]any{
		"task_id":   entry.taskID,
		"topic":     entry.topic,
		"worker_id": workerID,
		"error":     frame.Error,
	})

	p.enqueueCallback(workerID, entry.callback, result)
}

// Destroy tears the pool down: every worker is closed, the pre-ready queue
// and all ledgers are discarded WITHOUT invoking their callbacks (pending
// work is abandoned, not completed or errored), and the pool becomes
// terminal. Idempotent; later calls are no-ops.
//
// Destroy only waits for the result goroutines, never for callback
// goroutines, so it is safe to call from inside a callback. Callbacks for
// results that arrived before teardown may still run after Destroy returns.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.phase == PhaseDestroyed {
		p.mu.Unlock()
		return
	}
	p.phase = PhaseDestroyed
	close(p.destroyCh)

	abandoned := len(p.preReady)
	p.preReady = nil
	for i := range p.ledgers {
		abandoned += p.ledgers[i].discard()
	}
	p.mu.Unlock()

	if abandoned > 0 {
		p.logger.Warn("abandoning pending tasks on teardown", "count", abandoned)
	}

	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			p.logger.Error("worker teardown failed", "worker_id", w.ID(), "error", err)
		}
	}
	p.wg.Wait()

	p.logger.Info("pool destroyed", "abandoned", abandoned)
	p.publish(events.TypePoolDestroyed, map[string]any{"abandoned": abandoned})
}

// Phase returns the current lifecycle phase.
func (p *Pool) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Pool) fault(err error) {
	if p.onFault != nil {
		p.onFault(err)
		return
	}
	p.logger.Error("protocol violation", "error", err)
	p.publish(events.TypePoolFault, map[string]any{"error": err.Error()})
}

func (p *Pool) publish(eventType string, data any) {
	if p.hub != nil {
		p.hub.Publish(eventType, data)
	}
}
