// Package sprint aggregates the per-domain tables into a progress report.
// Aggregation is a pure function of its input: the same tables always give
// the same report, byte for byte once rendered.
package sprint

import (
	"math/big"
	"sort"

	"taskledger/internal/logging"
	"taskledger/internal/repo"
	"taskledger/internal/types"
)

// TotalName labels the aggregate row.
const TotalName = "All domains"

// DomainReport is the progress of one domain, or of all of them.
type DomainReport struct {
	Domain          string
	TotalTasks      int
	CompletedTasks  int
	ActiveTasks     int
	PercentComplete int

	// RemainingEffort is the exact sum of active effort, in days.
	RemainingEffort *big.Rat

	VibeTagHistogram map[string]int
}

// Report is the cross-domain result.
type Report struct {
	Window  Window
	Domains []DomainReport
	Total   DomainReport

	// Skipped lists domains left out because their tables did not decode.
	Skipped []Skipped
}

// Skipped is a domain missing from the report.
type Skipped struct {
	Domain string
	Reason string
}

// Percent returns round(100*done/total), halves rounded up, or 0 when total
// is 0.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*done + total) / (2 * total)
}

// Aggregate builds the report for domains. Active records count when their
// section date falls in w, archived ones when their merge date does.
func Aggregate(domains []*repo.Domain, w Window) *Report {
	r := &Report{Window: w}
	for _, d := range domains {
		if d == nil {
			continue
		}
		r.Domains = append(r.Domains, aggregateDomain(d, w))
	}
	sort.Slice(r.Domains, func(i, j int) bool { return r.Domains[i].Domain < r.Domains[j].Domain })

	total := DomainReport{Domain: TotalName, RemainingEffort: new(big.Rat), VibeTagHistogram: map[string]int{}}
	for _, dr := range r.Domains {
		total.TotalTasks += dr.TotalTasks
		total.CompletedTasks += dr.CompletedTasks
		total.ActiveTasks += dr.ActiveTasks
		total.RemainingEffort.Add(total.RemainingEffort, dr.RemainingEffort)
		for tag, n := range dr.VibeTagHistogram {
			total.VibeTagHistogram[tag] += n
		}
	}
	total.PercentComplete = Percent(total.CompletedTasks, total.TotalTasks)
	r.Total = total
	return r
}

func aggregateDomain(d *repo.Domain, w Window) DomainReport {
	dr := DomainReport{Domain: d.Name, RemainingEffort: new(big.Rat), VibeTagHistogram: map[string]int{}}

	for _, e := range d.Backlog.Records() {
		if !w.Contains(e.Date) {
			continue
		}
		dr.ActiveTasks++
		if v, ok := types.ParseEffort(e.Record.EffortRaw); ok && v.Sign() > 0 {
			dr.RemainingEffort.Add(dr.RemainingEffort, v)
		} else {
			logging.ReportDebug("%s: %s has no usable effort %q", d.Name, e.Record.ID, e.Record.EffortRaw)
		}
		count(dr.VibeTagHistogram, e.Record.VibeTag)
	}
	for _, row := range d.Archive.Entries() {
		if !w.Contains(row.Entry.MergeDate) {
			continue
		}
		dr.CompletedTasks++
		count(dr.VibeTagHistogram, row.Entry.VibeTag)
	}

	dr.TotalTasks = dr.ActiveTasks + dr.CompletedTasks
	dr.PercentComplete = Percent(dr.CompletedTasks, dr.TotalTasks)
	return dr
}

func count(h map[string]int, tag string) {
	if tag != "" {
		h[tag]++
	}
}

// Tags returns the histogram keys in sorted order.
func (dr DomainReport) Tags() []string {
	tags := make([]string, 0, len(dr.VibeTagHistogram))
	for t := range dr.VibeTagHistogram {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
