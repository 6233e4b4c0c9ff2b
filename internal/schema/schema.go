// Package schema checks task records against the field rules. Every rule is
// evaluated on its own so a caller always gets the complete list.
package schema

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"taskledger/internal/codec"
	"taskledger/internal/types"
)

// IDPattern is the task identifier format F-YY-MM-DD-XX.
var IDPattern = regexp.MustCompile(`^F-\d{2}-\d{2}-\d{2}-\d{2}$`)

// FeaturePrefix is the root segment every feature path starts with.
const FeaturePrefix = "/features/"

// MaxVibeTagLen caps vibe tags, in runes.
const MaxVibeTagLen = 32

// Rule names.
const (
	RuleIDPattern      = "id.pattern"
	RulePriority       = "priority.enum"
	RuleFeaturePrefix  = "feature.prefix"
	RuleFeatureExists  = "feature.exists"
	RuleEffortPositive = "effort.positive"
	RuleVibeTagLength  = "vibe.length"
	RuleMergeRef       = "merge.ref"
	RuleMergeDate      = "merge.date"
	RuleOrder          = "backlog.order"
	RuleDuplicateID    = "backlog.duplicate"
	RuleDomain         = "domain.required"
)

// FeatureChecker reports whether a feature path exists.
type FeatureChecker interface {
	Exists(featurePath string) (bool, error)
}

// Options tunes the checks.
type Options struct {
	// Features enables the existence check when set.
	Features FeatureChecker
}

// ValidationError carries every violation found for one operation.
type ValidationError struct {
	Violations []types.Violation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d violation(s):\n%s", len(e.Violations), types.FormatViolations(e.Violations))
}

// Code returns the stable error code.
func (e *ValidationError) Code() string { return "VALIDATION_FAILED" }

// Validate checks one active record.
func Validate(r types.TaskRecord, opts Options) []types.Violation {
	var out []types.Violation
	add := func(rule, format string, args ...any) {
		out = append(out, types.Violation{Rule: rule, TaskID: r.ID, Message: fmt.Sprintf(format, args...)})
	}

	if !IDPattern.MatchString(r.ID) {
		add(RuleIDPattern, "id %q does not match F-YY-MM-DD-XX", r.ID)
	}
	if !r.Priority.Known() {
		add(RulePriority, "priority %q is not one of High, Med, Low", r.Priority)
	}
	out = append(out, checkFeature(r.ID, r.FeaturePath, opts)...)
	if v, ok := r.Effort(); !ok {
		add(RuleEffortPositive, "effort %q is not a number", r.EffortRaw)
	} else if v.Sign() <= 0 {
		add(RuleEffortPositive, "effort %s must be greater than 0", r.EffortRaw)
	}
	out = append(out, checkVibeTag(r.ID, r.VibeTag)...)
	return out
}

// ValidateArchiveEntry checks one completed entry.
func ValidateArchiveEntry(e types.ArchiveEntry) []types.Violation {
	var out []types.Violation
	if !IDPattern.MatchString(e.ID) {
		out = append(out, types.Violation{Rule: RuleIDPattern, TaskID: e.ID, Message: fmt.Sprintf("id %q does not match F-YY-MM-DD-XX", e.ID)})
	}
	out = append(out, checkFeature(e.ID, e.FeaturePath, Options{})...)
	if e.MergeRef <= 0 {
		out = append(out, types.Violation{Rule: RuleMergeRef, TaskID: e.ID, Message: "merge reference must be a positive number"})
	}
	if e.MergeDate.IsZero() {
		out = append(out, types.Violation{Rule: RuleMergeDate, TaskID: e.ID, Message: "merge date is missing or not a YYYY-MM-DD date"})
	}
	out = append(out, checkVibeTag(e.ID, e.VibeTag)...)
	return out
}

// ValidateBacklog checks every record of an active table plus the table-wide
// rules: High, Med, Low order inside a section and unique ids.
func ValidateBacklog(b *codec.Backlog, opts Options) []types.Violation {
	var out []types.Violation
	seen := make(map[string]int)
	for _, sec := range b.Sections() {
		prevRank := -1
		for _, e := range sec.Records {
			for _, v := range Validate(e.Record, opts) {
				v.Line = e.Span.Line
				out = append(out, v)
			}
			if first, dup := seen[e.Record.ID]; dup {
				out = append(out, types.Violation{
					Rule:    RuleDuplicateID,
					TaskID:  e.Record.ID,
					Line:    e.Span.Line,
					Message: fmt.Sprintf("id already used on line %d", first),
				})
			} else {
				seen[e.Record.ID] = e.Span.Line
			}
			rank := e.Record.Priority.Rank()
			if rank < prevRank {
				out = append(out, types.Violation{
					Rule:    RuleOrder,
					TaskID:  e.Record.ID,
					Line:    e.Span.Line,
					Message: fmt.Sprintf("%s task listed after a lower priority task in section %s", e.Record.Priority, sec.DateText),
				})
			}
			if rank > prevRank {
				prevRank = rank
			}
		}
	}
	return out
}

// ValidateArchive checks every entry of a completed table.
func ValidateArchive(a *codec.Archive) []types.Violation {
	var out []types.Violation
	for _, row := range a.Entries() {
		for _, v := range ValidateArchiveEntry(row.Entry) {
			v.Line = row.Span.Line
			out = append(out, v)
		}
	}
	return out
}

func checkFeature(id, path string, opts Options) []types.Violation {
	if !strings.HasPrefix(path, FeaturePrefix) || len(path) == len(FeaturePrefix) {
		return []types.Violation{{
			Rule:    RuleFeaturePrefix,
			TaskID:  id,
			Message: fmt.Sprintf("feature path %q must start with %s and name a feature", path, FeaturePrefix),
		}}
	}
	if opts.Features == nil {
		return nil
	}
	ok, err := opts.Features.Exists(path)
	if err != nil {
		return []types.Violation{{Rule: RuleFeatureExists, TaskID: id, Message: fmt.Sprintf("feature %s: %v", path, err)}}
	}
	if !ok {
		return []types.Violation{{Rule: RuleFeatureExists, TaskID: id, Message: fmt.Sprintf("feature %s does not exist", path)}}
	}
	return nil
}

func checkVibeTag(id, tag string) []types.Violation {
	if n := utf8.RuneCountInString(tag); n >= MaxVibeTagLen {
		return []types.Violation{{
			Rule:    RuleVibeTagLength,
			TaskID:  id,
			Message: fmt.Sprintf("vibe tag is %d characters, must be under %d", n, MaxVibeTagLen),
		}}
	}
	return nil
}
