package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerCount is returned by New for a zero or negative worker count.
	ErrWorkerCount = errors.New("worker count must be at least 1")

	// ErrNilSpawn is returned by New when no spawn function is given.
	ErrNilSpawn = errors.New("spawn function is required")

	// ErrPoolDestroyed is returned by AssignTask after Destroy.
	ErrPoolDestroyed = errors.New("pool is destroyed")
)

// ProtocolViolationError reports a worker that emitted more results than it
// was sent tasks. It cannot be attributed to any caller, so it is routed
// through the pool's fault handler instead of an AssignTask return value.
type ProtocolViolationError struct {
	WorkerID int
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("worker %d emitted a result with no pending callback", e.WorkerID)
}
