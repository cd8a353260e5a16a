// Package tasklog persists a history of task submissions and outcomes.
// The pool itself keeps no durable state; the task log exists for the API
// and the watch TUI, and records are best-effort: a write failure is logged,
// never allowed to block or fail a dispatch.
package tasklog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

var ErrTaskNotFound = errors.New("task not found")

// Entry is one task's row in the log.
type Entry struct {
	ID          string
	Topic       string
	Status      Status
	WorkerID    *int
	Payload     json.RawMessage
	Result      json.RawMessage
	LastError   *string
	SubmittedBy  string
	SubmittedAt  time.Time
	DispatchedAt *time.Time
	CompletedAt  *time.Time
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordSubmitted inserts a queued row at AssignTask time.
func (s *Store) RecordSubmitted(ctx context.Context, taskID, topic string, payload json.RawMessage, submittedBy string) error {
	if taskID == "" {
		return fmt.Errorf("taskID is empty")
	}
	if topic == "" {
		return fmt.Errorf("topic is empty")
	}
	if submittedBy == "" {
		return fmt.Errorf("submitted_by is empty")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var payloadVal any
	if len(payload) > 0 {
		payloadVal = string(payload)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_log(id, topic, status, payload, submitted_by, submitted_at)
VALUES(?, ?, ?, ?, ?, ?);
`, taskID, topic, StatusQueued, payloadVal, submittedBy, now)
	if err != nil {
		return fmt.Errorf("record submitted task: %w", err)
	}
	return nil
}

// RecordDispatched marks a queued row as handed to a worker. Only queued
// rows are touched: if the completion write raced ahead, the terminal
// status wins and ErrTaskNotFound is returned.
func (s *Store) RecordDispatched(ctx context.Context, taskID string, workerID int) error {
	if taskID == "" {
		return fmt.Errorf("taskID is empty")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE task_log
SET status = ?, worker_id = ?, dispatched_at = ?
WHERE id = ? AND status = ?;
`, StatusDispatched, workerID, now, taskID, StatusQueued)
	if err != nil {
		return fmt.Errorf("record dispatched task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RecordCompleted marks a task terminal with its worker and outcome.
func (s *Store) RecordCompleted(ctx context.Context, taskID string, workerID int, result json.RawMessage, taskErr error) error {
	if taskID == "" {
		return fmt.Errorf("taskID is empty")
	}

	status := StatusSucceeded
	var lastError any
	if taskErr != nil {
		status = StatusFailed
		lastError = taskErr.Error()
	}

	var resultVal any
	if len(result) > 0 {
		resultVal = string(result)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE task_log
SET status = ?, worker_id = ?, result = ?, last_error = ?, completed_at = ?
WHERE id = ?;
`, status, workerID, resultVal, lastError, now, taskID)
	if err != nil {
		return fmt.Errorf("record completed task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkAbandoned flags every non-terminal task as abandoned. Called once
// during teardown, after the pool discards its pending callbacks.
func (s *Store) MarkAbandoned(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE task_log
SET status = ?, completed_at = ?
WHERE status IN (?, ?);
`, StatusAbandoned, now, StatusQueued, StatusDispatched)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get returns one task by ID.
func (s *Store) Get(ctx context.Context, taskID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, topic, status, worker_id, payload, result, last_error, submitted_by, submitted_at, dispatched_at, completed_at
FROM task_log
WHERE id = ?;
`, taskID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return e, nil
}

// Recent returns the newest tasks, most recent submission first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, topic, status, worker_id, payload, result, last_error, submitted_by, submitted_at, dispatched_at, completed_at
FROM task_log
ORDER BY submitted_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e             Entry
		statusS       string
		workerID      sql.NullInt64
		payload       sql.NullString
		result        sql.NullString
		lastError     sql.NullString
		submittedAtS  string
		dispatchedAtS sql.NullString
		completedAtS  sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Topic, &statusS, &workerID, &payload, &result, &lastError,
		&e.SubmittedBy, &submittedAtS, &dispatchedAtS, &completedAtS,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(statusS)
	if workerID.Valid {
		id := int(workerID.Int64)
		e.WorkerID = &id
	}
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	if result.Valid {
		e.Result = []byte(result.String)
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if t, err := time.Parse(time.RFC3339Nano, submittedAtS); err == nil {
		e.SubmittedAt = t
	}
	if dispatchedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, dispatchedAtS.String); err == nil {
			e.DispatchedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	return &e, nil
}
