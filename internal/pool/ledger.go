package pool

// pendingEntry is what remains of a task once it has been handed to a
// worker: the callback and enough metadata to log and record the outcome.
type pendingEntry struct {
	taskID   string
	topic    string
	callback Callback
}

// ledger is one worker's FIFO of callbacks awaiting that worker's next
// results. Correlation is by strict per-worker order: the worker consumes
// its task stream serially and emits results serially, so the oldest entry
// always belongs to the next result. No message IDs are matched.
//
// Not safe for concurrent use; the pool guards it with its own lock.
type ledger struct {
	entries []pendingEntry
}

func (l *ledger) push(e pendingEntry) {
	l.entries = append(l.entries, e)
}

// pop removes and returns the oldest entry. ok is false when the ledger is
// empty, which the pool treats as a protocol violation.
func (l *ledger) pop() (pendingEntry, bool) {
	if len(l.entries) == 0 {
		return pendingEntry{}, false
	}
	e := l.entries[0]
	l.entries[0] = pendingEntry{} // release the callback reference
	l.entries = l.entries[1:]
	return e, true
}

func (l *ledger) depth() int {
	return len(l.entries)
}

// discard drops all entries without invoking callbacks and reports how many
// were abandoned. Used only during teardown.
func (l *ledger) discard() int {
	n := len(l.entries)
	l.entries = nil
	return n
}
