package logging

import (
	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one kind of state change worth keeping a trail of.
type AuditEventType string

const (
	AuditMigrationApplied  AuditEventType = "migration_applied"
	AuditMigrationNoop     AuditEventType = "migration_noop"
	AuditMigrationDryRun   AuditEventType = "migration_dry_run"
	AuditMigrationRejected AuditEventType = "migration_rejected"
	AuditMigrationConflict AuditEventType = "migration_conflict"
	AuditCommitStale       AuditEventType = "commit_stale"
	AuditGuardViolation    AuditEventType = "guard_violation"
	AuditLedgerRecorded    AuditEventType = "ledger_recorded"
	AuditReportWritten     AuditEventType = "report_written"
)

// AuditEvent is one structured audit entry.
type AuditEvent struct {
	EventType AuditEventType
	Domain    string
	TaskID    string
	MergeRef  int
	Attempt   int
	Version   string
	Success   bool
	Error     string
	Message   string
}

func (e AuditEvent) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("event", string(e.EventType)),
		zap.Bool("success", e.Success),
	}
	if e.Domain != "" {
		fields = append(fields, zap.String("domain", e.Domain))
	}
	if e.TaskID != "" {
		fields = append(fields, zap.String("task", e.TaskID))
	}
	if e.MergeRef != 0 {
		fields = append(fields, zap.Int("merge_ref", e.MergeRef))
	}
	if e.Attempt != 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Version != "" {
		fields = append(fields, zap.String("version", e.Version))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	return fields
}

// AuditLogger writes audit events to the audit category.
type AuditLogger struct {
	domain string
}

// Audit returns an audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditForDomain returns an audit logger that tags events with a domain.
func AuditForDomain(domain string) *AuditLogger {
	return &AuditLogger{domain: domain}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsCategoryEnabled(CategoryAudit) {
		return
	}
	if event.Domain == "" {
		event.Domain = a.domain
	}
	msg := event.Message
	if msg == "" {
		msg = string(event.EventType)
	}
	l := Base().Named(string(CategoryAudit))
	if event.Success {
		l.Info(msg, event.fields()...)
	} else {
		l.Warn(msg, event.fields()...)
	}
}

// MigrationApplied records a committed migration.
func (a *AuditLogger) MigrationApplied(taskID string, mergeRef, attempt int, version string) {
	a.Log(AuditEvent{
		EventType: AuditMigrationApplied,
		TaskID:    taskID,
		MergeRef:  mergeRef,
		Attempt:   attempt,
		Version:   version,
		Success:   true,
		Message:   "task archived",
	})
}

// MigrationNoop records a repeated migration that changed nothing.
func (a *AuditLogger) MigrationNoop(taskID string, mergeRef int) {
	a.Log(AuditEvent{
		EventType: AuditMigrationNoop,
		TaskID:    taskID,
		MergeRef:  mergeRef,
		Success:   true,
		Message:   "task already archived with this merge reference",
	})
}

// MigrationRejected records a migration refused by validation or the guard.
func (a *AuditLogger) MigrationRejected(taskID string, err error) {
	a.Log(AuditEvent{
		EventType: AuditMigrationRejected,
		TaskID:    taskID,
		Error:     errString(err),
		Message:   "migration rejected",
	})
}

// CommitStale records a lost optimistic race.
func (a *AuditLogger) CommitStale(taskID string, attempt int, version string) {
	a.Log(AuditEvent{
		EventType: AuditCommitStale,
		TaskID:    taskID,
		Attempt:   attempt,
		Version:   version,
		Message:   "snapshot went stale, retrying",
	})
}

// GuardViolation records a failed consistency check.
func (a *AuditLogger) GuardViolation(taskID string, err error) {
	a.Log(AuditEvent{
		EventType: AuditGuardViolation,
		TaskID:    taskID,
		Error:     errString(err),
		Message:   "consistency guard rejected state",
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MigrationConflict records an exhausted retry budget.
func (a *AuditLogger) MigrationConflict(taskID string, attempts int) {
	a.Log(AuditEvent{
		EventType: AuditMigrationConflict,
		TaskID:    taskID,
		Attempt:   attempts,
		Message:   "retry budget exhausted",
	})
}

// MigrationDryRun records a migration that was computed but not committed.
func (a *AuditLogger) MigrationDryRun(taskID string, mergeRef int) {
	a.Log(AuditEvent{
		EventType: AuditMigrationDryRun,
		TaskID:    taskID,
		MergeRef:  mergeRef,
		Success:   true,
		Message:   "dry run, nothing committed",
	})
}

// LedgerRecorded records a ledger update after a commit.
func (a *AuditLogger) LedgerRecorded(version string, err error) {
	a.Log(AuditEvent{
		EventType: AuditLedgerRecorded,
		Version:   version,
		Success:   err == nil,
		Error:     errString(err),
		Message:   "archive sections recorded",
	})
}

// ReportWritten records a rendered report.
func (a *AuditLogger) ReportWritten(path, version string) {
	a.Log(AuditEvent{
		EventType: AuditReportWritten,
		Version:   version,
		Success:   true,
		Message:   "report written to " + path,
	})
}
