package sprint

import (
	"fmt"
	"strings"
	"time"

	"taskledger/internal/types"
)

// Window is an inclusive date range. A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

// ParseWindow parses "FROM..TO" with ISO dates; either side may be empty.
// The empty string is the unbounded window.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, nil
	}
	from, to, ok := strings.Cut(s, "..")
	if !ok {
		return Window{}, fmt.Errorf("window %q: expected FROM..TO", s)
	}
	var w Window
	var err error
	if from = strings.TrimSpace(from); from != "" {
		if w.From, err = types.ParseDate(from); err != nil {
			return Window{}, fmt.Errorf("window start %q: %w", from, err)
		}
	}
	if to = strings.TrimSpace(to); to != "" {
		if w.To, err = types.ParseDate(to); err != nil {
			return Window{}, fmt.Errorf("window end %q: %w", to, err)
		}
	}
	if !w.From.IsZero() && !w.To.IsZero() && w.To.Before(w.From) {
		return Window{}, fmt.Errorf("window %q ends before it starts", s)
	}
	return w, nil
}

// Contains reports whether d falls in the window. An undated record is only
// inside the unbounded window.
func (w Window) Contains(d time.Time) bool {
	if w.IsZero() {
		return true
	}
	if d.IsZero() {
		return false
	}
	if !w.From.IsZero() && d.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && d.After(w.To) {
		return false
	}
	return true
}

// IsZero reports whether both bounds are open.
func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

func (w Window) String() string {
	if w.IsZero() {
		return ""
	}
	var from, to string
	if !w.From.IsZero() {
		from = w.From.Format(types.DateLayout)
	}
	if !w.To.IsZero() {
		to = w.To.Format(types.DateLayout)
	}
	return from + ".." + to
}
