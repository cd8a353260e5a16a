package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/stoker/internal/auth"
	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/pool"
	"github.com/mattjoyce/stoker/internal/tasklog"
)

// mockPool implements TaskPool for testing.
type mockPool struct {
	assignFunc func(topic string, payload json.RawMessage, cb pool.Callback) (string, error)
	statsFunc  func() pool.Stats
}

func (m *mockPool) AssignTask(topic string, payload json.RawMessage, cb pool.Callback) (string, error) {
	return m.assignFunc(topic, payload, cb)
}

func (m *mockPool) Stats() pool.Stats {
	if m.statsFunc == nil {
		return pool.Stats{Phase: pool.PhaseLive, Workers: 2, Ready: 2}
	}
	return m.statsFunc()
}

// mockTaskLog implements TaskLog with an in-memory map.
type mockTaskLog struct {
	mu      sync.Mutex
	entries map[string]*tasklog.Entry
}

func newMockTaskLog() *mockTaskLog {
	return &mockTaskLog{entries: make(map[string]*tasklog.Entry)}
}

func (m *mockTaskLog) RecordSubmitted(ctx context.Context, taskID, topic string, payload json.RawMessage, submittedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[taskID] = &tasklog.Entry{
		ID:          taskID,
		Topic:       topic,
		Status:      tasklog.StatusQueued,
		Payload:     payload,
		SubmittedBy: submittedBy,
		SubmittedAt: time.Now().UTC(),
	}
	return nil
}

func (m *mockTaskLog) RecordCompleted(ctx context.Context, taskID string, workerID int, result json.RawMessage, taskErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return tasklog.ErrTaskNotFound
	}
	now := time.Now().UTC()
	e.WorkerID = &workerID
	e.Result = result
	e.CompletedAt = &now
	if taskErr != nil {
		msg := taskErr.Error()
		e.LastError = &msg
		e.Status = tasklog.StatusFailed
	} else {
		e.Status = tasklog.StatusSucceeded
	}
	return nil
}

func (m *mockTaskLog) Get(ctx context.Context, taskID string) (*tasklog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return nil, tasklog.ErrTaskNotFound
	}
	return e, nil
}

func (m *mockTaskLog) Recent(ctx context.Context, limit int) ([]*tasklog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*tasklog.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

const testAPIKey = "test-key-123"

func newTestServer(p *mockPool, tasks TaskLog) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := Config{
		Listen: "localhost:0",
		APIKey: testAPIKey,
		Tokens: []auth.TokenConfig{
			{Token: "ro-token", Scopes: []string{"tasks:ro"}},
			{Token: "events-token", Scopes: []string{"events:ro"}},
		},
	}
	return New(config, "stoker-test", p, tasks, events.NewHub(16), logger)
}

func doRequest(s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNoAuth(t *testing.T) {
	p := &mockPool{statsFunc: func() pool.Stats {
		return pool.Stats{Phase: pool.PhaseWarming, Workers: 3, Ready: 1, QueueDepth: 4}
	}}
	s := newTestServer(p, nil)

	rec := doRequest(s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthzResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Phase != "warming" || resp.WorkersReady != 1 || resp.QueueDepth != 4 {
		t.Fatalf("unexpected healthz response: %+v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(&mockPool{}, nil)

	rec := doRequest(s, http.MethodGet, "/v1/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/v1/status", "wrong-key", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	p := &mockPool{assignFunc: func(topic string, payload json.RawMessage, cb pool.Callback) (string, error) {
		return "t-1", nil
	}}
	s := newTestServer(p, nil)

	body := []byte(`{"topic":"echo"}`)

	// Read-only token cannot submit tasks.
	rec := doRequest(s, http.MethodPost, "/v1/tasks", "ro-token", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ro token submit: status = %d, want 403", rec.Code)
	}

	// Events-only token cannot read status.
	rec = doRequest(s, http.MethodGet, "/v1/status", "events-token", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("events token status: status = %d, want 403", rec.Code)
	}

	// Legacy key has full access.
	rec = doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("legacy key submit: status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitTaskAsync(t *testing.T) {
	var gotTopic string
	p := &mockPool{assignFunc: func(topic string, payload json.RawMessage, cb pool.Callback) (string, error) {
		gotTopic = topic
		return "task-abc", nil
	}}
	tasks := newMockTaskLog()
	s := newTestServer(p, tasks)

	rec := doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, []byte(`{"topic":"echo","payload":{"n":1}}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp SubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID != "task-abc" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotTopic != "echo" {
		t.Fatalf("topic = %q, want echo", gotTopic)
	}

	entry, err := tasks.Get(context.Background(), "task-abc")
	if err != nil {
		t.Fatalf("submission not recorded: %v", err)
	}
	if entry.Status != tasklog.StatusQueued || entry.SubmittedBy != "api" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestSubmitTaskWait(t *testing.T) {
	p := &mockPool{assignFunc: func(topic string, payload json.RawMessage, cb pool.Callback) (string, error) {
		go cb(pool.Result{TaskID: "task-w", WorkerID: 2, Payload: json.RawMessage(`{"ok":true}`)})
		return "task-w", nil
	}}
	tasks := newMockTaskLog()
	s := newTestServer(p, tasks)

	rec := doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, []byte(`{"topic":"echo","wait":true}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp ResultResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "succeeded" || resp.WorkerID == nil || *resp.WorkerID != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", resp.Result)
	}

	// Completion was recorded before the response was written.
	entry, err := tasks.Get(context.Background(), "task-w")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != tasklog.StatusSucceeded {
		t.Fatalf("entry status = %q, want succeeded", entry.Status)
	}
}

func TestSubmitTaskWaitFailure(t *testing.T) {
	p := &mockPool{assignFunc: func(topic string, payload json.RawMessage, cb pool.Callback) (string, error) {
		go cb(pool.Result{TaskID: "task-f", WorkerID: 0, Err: errors.New("worker error: boom")})
		return "task-f", nil
	}}
	s := newTestServer(p, nil)

	rec := doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, []byte(`{"topic":"echo","wait":true}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ResultResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "failed" || !strings.Contains(resp.Error, "boom") {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitTaskWaitTimeout(t *testing.T) {
	p := &mockPool{assignFunc: func(topic string, payload json.RawMessage, cb pool.Callback) (string, error) {
		// Never invoke the callback.
		return "task-slow", nil
	}}
	s := newTestServer(p, nil)
	s.config.MaxSyncTimeout = 50 * time.Millisecond

	rec := doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, []byte(`{"topic":"echo","wait":true,"timeout_s":30}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp SubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "running" || resp.TaskID != "task-slow" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRecordersReleasedOnShutdown(t *testing.T) {
	// Tasks whose callbacks never fire (abandoned at pool teardown) must not
	// pin their completion recorders past server shutdown.
	p := &mockPool{assignFunc: func(topic string, payload json.RawMessage, cb pool.Callback) (string, error) {
		return "task-stuck", nil
	}}
	s := newTestServer(p, newMockTaskLog())

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		rec := doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, []byte(`{"topic":"echo"}`))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
		}
	}

	s.shutdownOnce.Do(func() { close(s.shutdown) })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("completion recorders leaked: %d goroutines before, %d after shutdown",
		before, runtime.NumGoroutine())
}

func TestSubmitTaskPoolDestroyed(t *testing.T) {
	p := &mockPool{assignFunc: func(topic string, payload json.RawMessage, cb pool.Callback) (string, error) {
		return "", pool.ErrPoolDestroyed
	}}
	s := newTestServer(p, nil)

	rec := doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, []byte(`{"topic":"echo"}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestSubmitTaskBadRequests(t *testing.T) {
	s := newTestServer(&mockPool{}, nil)

	rec := doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, []byte(`not json`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid body: status = %d, want 400", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/v1/tasks", testAPIKey, []byte(`{"payload":{}}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing topic: status = %d, want 400", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	tasks := newMockTaskLog()
	if err := tasks.RecordSubmitted(context.Background(), "task-1", "echo", nil, "api"); err != nil {
		t.Fatal(err)
	}
	s := newTestServer(&mockPool{}, tasks)

	rec := doRequest(s, http.MethodGet, "/v1/tasks/task-1", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ResultResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID != "task-1" || resp.Status != "queued" || resp.Topic != "echo" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	rec = doRequest(s, http.MethodGet, "/v1/tasks/no-such", testAPIKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: status = %d, want 404", rec.Code)
	}
}

func TestRecentTasksLimitValidation(t *testing.T) {
	s := newTestServer(&mockPool{}, newMockTaskLog())

	rec := doRequest(s, http.MethodGet, "/v1/tasks/recent?limit=0", testAPIKey, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: status = %d, want 400", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/v1/tasks/recent?limit=10", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("limit=10: status = %d, want 200", rec.Code)
	}
}

func TestTaskHistoryDisabled(t *testing.T) {
	s := newTestServer(&mockPool{}, nil)

	rec := doRequest(s, http.MethodGet, "/v1/tasks/task-1", testAPIKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	s := newTestServer(&mockPool{}, nil)
	s.hub.Publish(events.TypeTaskQueued, map[string]any{"task_id": "t-1"})
	s.hub.Publish(events.TypeTaskDispatched, map[string]any{"task_id": "t-1", "worker_id": 0})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer events-token")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.setupRoutes().ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events handler did not return after context cancel")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: task.queued") {
		t.Fatalf("missing task.queued event in stream:\n%s", body)
	}
	if !strings.Contains(body, "event: task.dispatched") {
		t.Fatalf("missing task.dispatched event in stream:\n%s", body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Fatalf("missing event id framing:\n%s", body)
	}
}

func TestEventsLastEventID(t *testing.T) {
	s := newTestServer(&mockPool{}, nil)
	s.hub.Publish(events.TypeTaskQueued, nil)
	s.hub.Publish(events.TypePoolLive, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer events-token")
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.setupRoutes().ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if strings.Contains(body, "event: task.queued") {
		t.Fatalf("replayed event before Last-Event-ID:\n%s", body)
	}
	if !strings.Contains(body, "event: pool.live") {
		t.Fatalf("missing event after Last-Event-ID:\n%s", body)
	}
}
