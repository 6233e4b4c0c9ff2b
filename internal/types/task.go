// Package types holds the task model shared by the codec, validator,
// migration engine and report packages.
package types

import (
	"math/big"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the layout used for section headings and merge dates.
const DateLayout = "2006-01-02"

// Priority is the urgency of an active task.
type Priority string

const (
	PriorityHigh Priority = "High"
	PriorityMed  Priority = "Med"
	PriorityLow  Priority = "Low"
)

// Rank orders priorities High < Med < Low. Unknown priorities rank last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMed:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Known reports whether p is one of the recognized priorities.
func (p Priority) Known() bool {
	return p.Rank() < 3
}

// TaskRecord is one row of a domain's active table.
//
// Priority and Effort are kept as written so that a structurally valid but
// semantically wrong row can still be decoded and reported by the validator.
type TaskRecord struct {
	ID          string
	Priority    Priority
	Description string
	FeaturePath string
	EffortRaw   string
	VibeTag     string
}

// Effort parses EffortRaw as a rational number of days. It accepts integers,
// decimals ("0.5") and fractions ("1/2"). ok is false when the text is not a
// number.
func (r TaskRecord) Effort() (*big.Rat, bool) {
	return ParseEffort(r.EffortRaw)
}

var (
	effortDecimal  = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
	effortFraction = regexp.MustCompile(`^(-?[0-9]+)/([0-9]+)$`)
)

// ParseEffort parses an effort cell: a base-10 integer or decimal, or a
// fraction of two base-10 integers. Exponents and base prefixes are not
// numbers here.
func ParseEffort(s string) (*big.Rat, bool) {
	s = strings.TrimSpace(s)
	if effortDecimal.MatchString(s) {
		return new(big.Rat).SetString(s)
	}
	m := effortFraction.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	num, ok := new(big.Int).SetString(m[1], 10)
	if !ok {
		return nil, false
	}
	den, ok := new(big.Int).SetString(m[2], 10)
	if !ok || den.Sign() == 0 {
		return nil, false
	}
	return new(big.Rat).SetFrac(num, den), true
}

// FormatEffort renders an effort value as a minimal decimal ("2", "0.5",
// "1.333"). Values that are not exact at three places are rounded.
func FormatEffort(v *big.Rat) string {
	if v == nil {
		return "0"
	}
	if v.IsInt() {
		return v.Num().String()
	}
	s := v.FloatString(3)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// ArchiveEntry is one row of a domain's completed table.
type ArchiveEntry struct {
	ID          string
	FeaturePath string
	MergeRef    int
	MergeDate   time.Time
	VibeTag     string
}

// MergeDateString renders the merge date using DateLayout.
func (e ArchiveEntry) MergeDateString() string {
	if e.MergeDate.IsZero() {
		return ""
	}
	return e.MergeDate.Format(DateLayout)
}

// ParseDate parses a calendar date in DateLayout.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(s))
}
