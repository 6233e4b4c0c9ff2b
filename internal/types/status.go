package types

import "fmt"

// Status is the lifecycle state of a task. It is derived from which table
// holds the record and is never written to either table.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// IsTerminal reports whether no further transition is possible from s.
func IsTerminal(s Status) bool {
	return s == StatusArchived
}

// Transition validates a lifecycle change for one task and returns the new
// state. Active -> Archived is the only allowed transition.
func Transition(from, to Status) (Status, error) {
	if !isAllowedTransition(from, to) {
		return from, fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	return to, nil
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusArchived
	default:
		return false
	}
}
