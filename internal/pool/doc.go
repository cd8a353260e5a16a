// Package pool implements the dispatch engine: a fixed-size set of worker
// processes fed by round-robin placement.
//
// Key behaviors:
//   - Round-robin dispatch: the cursor advances by one (mod N) on every
//     dispatch, live or drained, with no gaps or skips
//   - Readiness barrier: tasks submitted before all N workers signal ready
//     are buffered in a FIFO pre-ready queue
//   - Drain on going live: the queue empties exactly once, in submission
//     order, with round-robin slots computed at drain time (cursor starts
//     at 0, since nothing dispatches before readiness)
//   - Result correlation by order: each worker's pending callbacks form a
//     FIFO ledger; a result pops and fires the oldest. No correlation IDs
//     cross the wire
//
// Known limitations, inherited and documented rather than fixed:
//   - A worker that never signals ready wedges the pool in the warming
//     phase forever; there is no readiness timeout
//   - Worker crashes and hangs after dispatch are not detected; the
//     affected callbacks simply never fire
//   - Destroy abandons pending callbacks without invoking them
//
// A worker that emits more results than it was sent tasks is a protocol
// violation, surfaced through the pool's fault handler as a process-wide
// fault rather than any caller's error.
package pool
