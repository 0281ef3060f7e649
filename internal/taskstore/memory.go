package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patelmm79/dev-nexus/internal/bus"
)

// MemStore is an in-process Store with the same contract as PGStore. It backs
// the memory db driver for local development and the test suite. Tasks are
// copied on the way in and out so callers never share mutable state.
type MemStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	order  []string // task ids in creation order; dequeue scans oldest-first
	bus    *bus.Feed
	logger *slog.Logger
	seq    int64
}

func NewMemStore(b *bus.Feed, logger *slog.Logger) *MemStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemStore{
		tasks:  make(map[string]*Task),
		bus:    b,
		logger: logger,
	}
}

func (s *MemStore) Create(_ context.Context, taskType, repository string, input json.RawMessage) (string, error) {
	taskID := uuid.NewString()
	now := time.Now().UTC()
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	stored := make(json.RawMessage, len(input))
	copy(stored, input)

	s.mu.Lock()
	// Monotonic tiebreak: time.Now has coarse resolution on some platforms,
	// and dequeue order must match creation order.
	s.seq++
	task := &Task{
		TaskID:     taskID,
		TaskType:   taskType,
		Repository: repository,
		Status:     StatusQueued,
		Input:      stored,
		CreatedAt:  now.Add(time.Duration(s.seq) * time.Nanosecond),
		UpdatedAt:  now,
	}
	s.tasks[taskID] = task
	s.order = append(s.order, taskID)
	s.mu.Unlock()

	s.publish(bus.Event{
		Kind: bus.TaskEnqueued, TaskID: taskID, TaskType: taskType, Repository: repository,
	})
	return taskID, nil
}

func (s *MemStore) Dequeue(_ context.Context, workerID string) (*Task, error) {
	s.mu.Lock()
	var claimed *Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t != nil && t.Status == StatusQueued {
			now := time.Now().UTC()
			t.Status = StatusProcessing
			t.WorkerID = workerID
			t.StartedAt = &now
			t.UpdatedAt = now
			claimed = t
			break
		}
	}
	var out *Task
	if claimed != nil {
		out = copyTask(claimed)
	}
	s.mu.Unlock()

	if out == nil {
		return nil, nil
	}
	s.publish(bus.Event{
		Kind: bus.TaskDequeued, TaskID: out.TaskID, TaskType: out.TaskType,
		Repository: out.Repository, WorkerID: workerID,
	})
	return out, nil
}

func (s *MemStore) Update(_ context.Context, taskID string, status Status, result json.RawMessage, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update: task %s not found", taskID)
	}
	if t.Status.Terminal() {
		current := t.Status
		s.mu.Unlock()
		s.logger.Warn("refusing terminal-state overwrite",
			"task_id", taskID, "current", current, "requested", status)
		return ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	if len(result) > 0 {
		stored := make(json.RawMessage, len(result))
		copy(stored, result)
		t.Result = stored
	}
	t.Error = errMsg
	if status.Terminal() {
		t.CompletedAt = &now
	}
	taskType, repository := t.TaskType, t.Repository
	s.mu.Unlock()

	switch status {
	case StatusCompleted:
		s.publish(bus.Event{
			Kind: bus.TaskCompleted, TaskID: taskID, TaskType: taskType, Repository: repository,
		})
	case StatusFailed:
		s.publish(bus.Event{
			Kind: bus.TaskFailed, TaskID: taskID, TaskType: taskType, Repository: repository, Err: errMsg,
		})
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (s *MemStore) Cleanup(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	remaining := s.order[:0]
	for _, id := range s.order {
		t := s.tasks[id]
		if t != nil && t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(olderThan) {
			delete(s.tasks, id)
			removed++
			continue
		}
		remaining = append(remaining, id)
	}
	s.order = remaining
	return removed, nil
}

func (s *MemStore) RecoverStale(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recovered int64
	for _, t := range s.tasks {
		if t.Status == StatusProcessing && t.StartedAt != nil && t.StartedAt.Before(olderThan) {
			t.Status = StatusQueued
			t.WorkerID = ""
			t.StartedAt = nil
			t.UpdatedAt = time.Now().UTC()
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Info("requeued stale processing tasks", "count", recovered)
	}
	return recovered, nil
}

func (s *MemStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, t := range s.tasks {
		switch t.Status {
		case StatusQueued:
			st.Queued++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
		st.Total++
	}
	return st, nil
}

func (s *MemStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemStore) publish(ev bus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func copyTask(t *Task) *Task {
	out := *t
	if t.Input != nil {
		out.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}
