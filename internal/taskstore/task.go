// Package taskstore implements the durable task queue the orchestrator runs
// on: a single tasks table with atomic multi-consumer dequeue.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the task state machine: queued → processing → completed|failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is permanent.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ErrTerminal is returned by Update when the task is already terminal.
var ErrTerminal = errors.New("task already in terminal state")

// Task is the persistent unit of asynchronous work.
type Task struct {
	TaskID     string          `json:"task_id"`
	TaskType   string          `json:"task_type"`
	Repository string          `json:"repository"`
	Status     Status          `json:"status"`
	Input      json.RawMessage `json:"input"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Stats summarizes queue occupancy by status.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Store is the task-queue contract. Every operation is atomic with respect
// to concurrent callers; Dequeue in particular must never hand the same task
// to two workers.
type Store interface {
	// Create inserts a queued task and returns its id.
	Create(ctx context.Context, taskType, repository string, input json.RawMessage) (string, error)
	// Dequeue claims the oldest queued task for workerID, transitioning it
	// to processing. Returns (nil, nil) when the queue is empty.
	Dequeue(ctx context.Context, workerID string) (*Task, error)
	// Update transitions a task. Terminal statuses set completed_at; writing
	// over a terminal status returns ErrTerminal.
	Update(ctx context.Context, taskID string, status Status, result json.RawMessage, errMsg string) error
	// Get returns the task, or (nil, nil) when absent.
	Get(ctx context.Context, taskID string) (*Task, error)
	// Cleanup deletes terminal tasks completed before olderThan and returns
	// the number of rows removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	// RecoverStale requeues processing tasks whose started_at predates
	// olderThan, clearing worker_id and started_at. Opt-in reaper support.
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
	// Stats returns queue occupancy counts.
	Stats(ctx context.Context) (Stats, error)
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
