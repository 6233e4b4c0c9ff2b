package migration

import (
	"fmt"

	"taskledger/internal/store"
)

// NotFoundError reports a task that is neither active nor archived under the
// requested merge reference.
type NotFoundError struct {
	TaskID string
	Domain string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("no task found in %s: %s", e.Domain, e.Reason)
	}
	if e.Reason == "" {
		return fmt.Sprintf("task %s not found in %s", e.TaskID, e.Domain)
	}
	return fmt.Sprintf("task %s not found in %s: %s", e.TaskID, e.Domain, e.Reason)
}

// Code returns the stable error code.
func (e *NotFoundError) Code() string { return "NOT_FOUND" }

// ConflictError reports that every attempt lost the race to another writer.
type ConflictError struct {
	TaskID   string
	Domain   string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("migrating %s in %s: store changed underneath %d attempt(s)", e.TaskID, e.Domain, e.Attempts)
}

// Code returns the stable error code.
func (e *ConflictError) Code() string { return "CONFLICT" }

func (e *ConflictError) Unwrap() error { return store.ErrStale }
