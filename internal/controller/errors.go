package controller

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned while another task owns the controller.
	ErrBusy = errors.New("controller busy: a task is already active")
	// ErrCancelled is returned by ExecuteTask when the task was cancelled.
	ErrCancelled = errors.New("task cancelled")
	// ErrInvalidTask wraps validation failures of a task or task config.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidAction is returned for control actions other than pause, resume and cancel.
	ErrInvalidAction = errors.New("invalid control action")
)

// UnknownTaskError means the id matches neither the current task nor a
// queued one.
type UnknownTaskError struct {
	ID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.ID)
}

type StepTimeoutError struct {
	StepID  string
	Action  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s (%s) exceeded timeout %s", e.StepID, e.Action, e.Timeout)
}

// TaskFailedError is returned by ExecuteTask when something other than a
// step error ended the task: a fault or the task timeout.
type TaskFailedError struct {
	Reason string
}

func (e *TaskFailedError) Error() string {
	return "task failed: " + e.Reason
}
