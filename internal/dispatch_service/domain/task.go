package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a Task (the parent
// campaign-send unit owning a set of SendJobs).
type TaskStatus string

const (
	TaskStatusDraft     TaskStatus = "draft"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusSending   TaskStatus = "sending"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusClosed    TaskStatus = "closed" // terminal and immutable
)

// PauseReason explains why a task was paused.
type PauseReason string

const (
	PauseReasonManual              PauseReason = "manual"
	PauseReasonInsufficientBalance PauseReason = "insufficient_balance"
)

// taskTransitions: draft -> scheduled -> sending <-> paused -> closed.
// Nothing leaves closed.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusDraft:     {TaskStatusScheduled},
	TaskStatusScheduled: {TaskStatusSending, TaskStatusClosed},
	TaskStatusSending:   {TaskStatusPaused, TaskStatusClosed},
	TaskStatusPaused:    {TaskStatusSending, TaskStatusClosed},
}

// CanTransitionTask reports whether from -> to is a valid Task transition.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task groups SendJobs under one campaign send. While a task is paused or
// closed the scheduler must not claim any of its waiting jobs.
type Task struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Status      TaskStatus     `json:"status"`
	PauseReason sql.NullString `json:"pause_reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
