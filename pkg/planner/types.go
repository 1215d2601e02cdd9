package planner

import (
	"errors"
	"fmt"
	"time"
)

// Task is one ordered unit of a plan
type Task struct {
	ID          string        `json:"id" yaml:"id"`
	Ordinal     int           `json:"ordinal" yaml:"ordinal"` // 1-based position in the plan
	Description string        `json:"description" yaml:"description"`
	ToolHint    string        `json:"tool_type" yaml:"tool_type"`
	Status      TaskStatus    `json:"status" yaml:"status"`
	Answer      string        `json:"answer,omitempty" yaml:"answer,omitempty"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// TaskStatus represents the execution status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the task finished, successfully or not.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// ExecutionSummary is the ordered result of running a plan. Treat it as read-only.
type ExecutionSummary struct {
	Tasks    []Task        `json:"tasks" yaml:"tasks"`
	Success  bool          `json:"success" yaml:"success"` // True only if every task succeeded
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Count returns how many tasks ended in the given status.
func (s ExecutionSummary) Count(status TaskStatus) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// ErrEmptyRequest is returned when there is nothing to plan.
var ErrEmptyRequest = errors.New("request is empty")

// DecompositionError is returned when the planner could not produce a task list.
type DecompositionError struct {
	Request string
	Err     error
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("failed to plan request: %v", e.Err)
}

func (e *DecompositionError) Unwrap() error {
	return e.Err
}
