// Package event reads merge events: the task they resolve and the merge
// metadata.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrNoTaskReference is returned when a text carries no task reference.
var ErrNoTaskReference = errors.New("no \"Resolves #<task id>\" reference found")

// referencePattern is the one accepted way of naming a task in merge text.
var referencePattern = regexp.MustCompile(`(?i)\bresolves\s+#(F-\d{2}-\d{2}-\d{2}-\d{2})\b`)

// ExtractTaskID returns the first task id referenced as "Resolves #<id>".
func ExtractTaskID(text string) (string, error) {
	m := referencePattern.FindStringSubmatch(text)
	if m == nil {
		return "", ErrNoTaskReference
	}
	return strings.ToUpper(m[1][:1]) + m[1][1:], nil
}

// MergeEvent is a merged change request.
type MergeEvent struct {
	Number   int
	MergedAt time.Time
	Title    string
	Body     string
}

// TaskID extracts the referenced task from the body, then the title.
func (e MergeEvent) TaskID() (string, error) {
	if id, err := ExtractTaskID(e.Body); err == nil {
		return id, nil
	}
	return ExtractTaskID(e.Title)
}

// MergeDate returns the UTC calendar date of the merge.
func (e MergeEvent) MergeDate() time.Time {
	if e.MergedAt.IsZero() {
		return time.Time{}
	}
	y, m, d := e.MergedAt.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type pullRequest struct {
	Number   int        `json:"number"`
	MergedAt *time.Time `json:"merged_at"`
	Merged   *bool      `json:"merged"`
	Title    string     `json:"title"`
	Body     string     `json:"body"`
}

type payload struct {
	pullRequest
	Action      string       `json:"action"`
	PullRequest *pullRequest `json:"pull_request"`
}

// Decode parses a webhook-style payload ({"pull_request": {...}}) or a flat
// object with the same fields.
func Decode(data []byte) (MergeEvent, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return MergeEvent{}, fmt.Errorf("decode merge event: %w", err)
	}
	pr := &p.pullRequest
	if p.PullRequest != nil {
		pr = p.PullRequest
	}
	if pr.Merged != nil && !*pr.Merged {
		return MergeEvent{}, errors.New("decode merge event: change request is not merged")
	}
	ev := MergeEvent{Number: pr.Number, Title: pr.Title, Body: pr.Body}
	if pr.MergedAt != nil {
		ev.MergedAt = *pr.MergedAt
	}
	return ev, nil
}
