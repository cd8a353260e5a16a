// Package worker owns the worker-process abstraction: loading a worker
// template from its worker.yaml manifest and spawning subprocess handles
// that speak protocol v1 over stdin/stdout.
//
// Worker-side contract (enforced by convention, relied on by the pool):
//   - on startup, emit exactly one "ready" frame once all topic handlers
//     are bound
//   - consume task frames from stdin strictly in order
//   - emit exactly one "result" frame per task, in task order
//
// The handle does not detect workers that violate the contract by hanging
// or never emitting a result; the pool documents this as a known limitation.
package worker
