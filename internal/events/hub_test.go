package events

import (
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(8)

	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeWorkerReady, map[string]any{"worker_id": 1})

	select {
	case ev := <-ch:
		if ev.Type != TypeWorkerReady {
			t.Errorf("expected %q, got %q", TypeWorkerReady, ev.Type)
		}
		if ev.ID != 1 {
			t.Errorf("expected first event ID 1, got %d", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHubSnapshotSince(t *testing.T) {
	h := NewHub(4)

	for range 6 {
		h.Publish(TypeTaskDispatched, nil)
	}

	// Ring holds only the newest 4 events.
	all := h.SnapshotSince(0)
	if len(all) != 4 {
		t.Fatalf("expected 4 buffered events, got %d", len(all))
	}
	if all[0].ID != 3 || all[3].ID != 6 {
		t.Errorf("unexpected snapshot bounds: first=%d last=%d", all[0].ID, all[3].ID)
	}

	since := h.SnapshotSince(5)
	if len(since) != 1 || since[0].ID != 6 {
		t.Errorf("expected only event 6 after lastID 5, got %v", since)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)

	_, cancel := h.Subscribe()
	defer cancel()

	// Overflow the subscriber buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for range 300 {
			h.Publish(TypeTaskCompleted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(4)

	ch, cancel := h.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	h.Publish(TypePoolDestroyed, nil)
}
