package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a monitoring task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// DefaultMaxRetries is the number of transient-failure retries before a task
// is marked failed.
const DefaultMaxRetries = 3

// TaskSummary is the result snapshot stored on a completed task.
type TaskSummary struct {
	ObservationID       string `json:"observation_id"`
	PriceChanged        bool   `json:"price_changed"`
	AvailabilityChanged bool   `json:"availability_changed"`
	AlertTriggered      bool   `json:"alert_triggered"`
}

// Task is one unit of work: fetch and re-evaluate one product. The task table
// is the source of truth for work in flight; in-memory lanes are an overlay.
type Task struct {
	ID        string
	ProductID string

	ScheduledTime time.Time
	Priority      int // 1 (highest) .. 10 (lowest)

	Status       TaskStatus
	RetryCount   int
	MaxRetries   int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Summary      *TaskSummary

	// WorkerHandle is an opaque identifier of the worker slot that claimed
	// the task, for operator visibility only.
	WorkerHandle string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTask creates a pending task for the product at the given time.
func NewTask(productID string, scheduledTime time.Time, priority int) *Task {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return &Task{
		ID:            uuid.NewString(),
		ProductID:     productID,
		ScheduledTime: scheduledTime,
		Priority:      priority,
		Status:        TaskPending,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     scheduledTime,
		UpdatedAt:     scheduledTime,
	}
}

// IsTerminal reports whether the task can no longer change state
// (except failed tasks, which an operator may retry explicitly).
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed || t.Status == TaskCancelled
}

// MarkScheduled transitions pending → scheduled (lane admission).
func (t *Task) MarkScheduled(now time.Time) error {
	if t.Status != TaskPending {
		return fmt.Errorf("task %s: cannot schedule from %s", t.ID, t.Status)
	}
	t.Status = TaskScheduled
	t.UpdatedAt = now
	return nil
}

// MarkRunning transitions scheduled (or pending, for direct execution) →
// running and records the start time.
func (t *Task) MarkRunning(now time.Time, workerHandle string) error {
	if t.Status != TaskScheduled && t.Status != TaskPending {
		return fmt.Errorf("task %s: cannot run from %s", t.ID, t.Status)
	}
	t.Status = TaskRunning
	started := now
	t.StartedAt = &started
	t.WorkerHandle = workerHandle
	t.UpdatedAt = now
	return nil
}

// MarkCompleted transitions running → completed. completedAt must equal the
// observation time of the result the task produced.
func (t *Task) MarkCompleted(completedAt time.Time, summary *TaskSummary) error {
	if t.Status != TaskRunning {
		return fmt.Errorf("task %s: cannot complete from %s", t.ID, t.Status)
	}
	t.Status = TaskCompleted
	done := completedAt
	t.CompletedAt = &done
	t.Summary = summary
	t.UpdatedAt = completedAt
	return nil
}

// MarkFailed applies the retry policy. When retries remain it re-queues the
// task (pending, retryCount+1, rescheduled at retryAt) and returns false.
// When retries are exhausted it marks the task failed and returns true.
func (t *Task) MarkFailed(now time.Time, errMsg string, retryAt time.Time) (terminal bool) {
	t.ErrorMessage = errMsg
	t.UpdatedAt = now
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = TaskPending
		t.StartedAt = nil
		t.ScheduledTime = retryAt
		return false
	}
	t.Status = TaskFailed
	done := now
	t.CompletedAt = &done
	return true
}

// MarkFailedTerminal fails the task immediately, bypassing retries. Used for
// semantic and fatal errors.
func (t *Task) MarkFailedTerminal(now time.Time, errMsg string) {
	t.Status = TaskFailed
	t.ErrorMessage = errMsg
	done := now
	t.CompletedAt = &done
	t.UpdatedAt = now
}

// Cancel transitions any non-terminal state → cancelled. Cancelling a
// terminal task is a no-op.
func (t *Task) Cancel(now time.Time) bool {
	if t.IsTerminal() {
		return false
	}
	t.Status = TaskCancelled
	t.UpdatedAt = now
	return true
}
