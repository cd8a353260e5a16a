package pool

import "testing"

func TestLedgerFIFO(t *testing.T) {
	var l ledger

	var fired []string
	cb := func(id string) Callback {
		return func(Result) { fired = append(fired, id) }
	}

	l.push(pendingEntry{taskID: "a", callback: cb("a")})
	l.push(pendingEntry{taskID: "b", callback: cb("b")})
	l.push(pendingEntry{taskID: "c", callback: cb("c")})

	if l.depth() != 3 {
		t.Fatalf("expected depth 3, got %d", l.depth())
	}

	for _, want := range []string{"a", "b", "c"} {
		e, ok := l.pop()
		if !ok {
			t.Fatalf("pop returned empty ledger before %q", want)
		}
		if e.taskID != want {
			t.Errorf("expected %q, got %q", want, e.taskID)
		}
		e.callback(Result{})
	}

	if len(fired) != 3 || fired[0] != "a" || fired[2] != "c" {
		t.Errorf("callbacks fired out of order: %v", fired)
	}
}

func TestLedgerPopEmpty(t *testing.T) {
	var l ledger
	if _, ok := l.pop(); ok {
		t.Error("pop on empty ledger must report ok=false")
	}
}

func TestLedgerDiscard(t *testing.T) {
	var l ledger
	l.push(pendingEntry{taskID: "a", callback: func(Result) { t.Error("discarded callback fired") }})
	l.push(pendingEntry{taskID: "b", callback: func(Result) { t.Error("discarded callback fired") }})

	if n := l.discard(); n != 2 {
		t.Errorf("expected 2 discarded entries, got %d", n)
	}
	if l.depth() != 0 {
		t.Errorf("expected empty ledger after discard, got depth %d", l.depth())
	}
}
