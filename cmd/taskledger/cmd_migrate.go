package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"taskledger/internal/diff"
	"taskledger/internal/event"
	"taskledger/internal/migration"
	"taskledger/internal/types"
)

var (
	migrateTask   string
	migrateDomain string
	migrateRef    int
	migrateDate   string
	migrateEvent  string
	migrateDryRun bool
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move a merged task from the active table to the completed table",
		Long: `Archives one task. Either name it directly:

  taskledger migrate --domain payment-fraud-detection --task F-26-02-15-00 --ref 451 --date 2026-02-14

or pass the merge event and let the "Resolves #<task id>" line pick it:

  taskledger migrate --domain payment-fraud-detection --event pr.json

Exit codes: 0 archived, 2 already archived, 1 invalid, 3 conflict, 4 not found, 5 I/O.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}
	cmd.Flags().StringVar(&migrateTask, "task", "", "Task id (F-YY-MM-DD-XX)")
	cmd.Flags().StringVar(&migrateDomain, "domain", "", "Domain holding the task (required)")
	cmd.Flags().IntVar(&migrateRef, "ref", 0, "Merge reference number")
	cmd.Flags().StringVar(&migrateDate, "date", "", "Merge date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&migrateEvent, "event", "", "Merge event JSON file, or - for stdin")
	cmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Compute and check the migration without committing")
	return cmd
}

func newEngine() *migration.Engine {
	return migration.New(env.store, env.tables, migration.Options{
		RetryBudget: env.cfg.Migration.RetryBudget,
		RetryDelay:  env.cfg.GetRetryDelay(),
		Features:    env.features,
		History:     env.history(),
		Recorder:    env.recorder(),
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if migrateDomain == "" {
		return &usageError{err: fmt.Errorf("--domain is required")}
	}
	if migrateEvent != "" && (migrateTask != "" || migrateRef != 0 || migrateDate != "") {
		return &usageError{err: fmt.Errorf("--event cannot be combined with --task, --ref or --date")}
	}
	ctx := cmd.Context()
	engine := newEngine()

	var res *migration.Result
	var err error
	if migrateEvent != "" {
		ev, derr := readEvent(cmd, migrateEvent)
		if derr != nil {
			return derr
		}
		res, err = engine.MigrateEvent(ctx, migrateDomain, ev, migrateDryRun)
	} else {
		if migrateTask == "" {
			return &usageError{err: fmt.Errorf("either --task or --event is required")}
		}
		var date time.Time
		if migrateDate != "" {
			d, perr := types.ParseDate(migrateDate)
			if perr != nil {
				return &usageError{err: fmt.Errorf("--date: %w", perr)}
			}
			date = d
		}
		res, err = engine.Migrate(ctx, migration.Request{
			TaskID:    migrateTask,
			Domain:    migrateDomain,
			MergeRef:  migrateRef,
			MergeDate: date,
			DryRun:    migrateDryRun,
		})
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	e := res.Entry
	switch {
	case res.Noop:
		fmt.Fprintf(out, "%s is already archived in %s by #%d\n", res.TaskID, res.Domain, e.MergeRef)
		return errNoop
	case res.DryRun:
		fmt.Fprintf(out, "would archive %s in %s (#%d, %s)\n\n", res.TaskID, res.Domain, e.MergeRef, e.MergeDateString())
		writePreview(out, res)
	default:
		fmt.Fprintf(out, "archived %s in %s (#%d, %s)", res.TaskID, res.Domain, e.MergeRef, e.MergeDateString())
		if e.VibeTag != "" {
			fmt.Fprintf(out, " [%s]", e.VibeTag)
		}
		if res.Attempts > 1 {
			fmt.Fprintf(out, " after %d attempts", res.Attempts)
		}
		fmt.Fprintln(out)
	}
	return nil
}

// writePreview prints the change to both tables as unified diffs.
func writePreview(out io.Writer, res *migration.Result) {
	layout := env.tables.Layout()
	files := []struct {
		key       string
		old, next []byte
	}{
		{layout.ActivePath(res.Domain), res.PrevActive, res.Active},
		{layout.CompletedPath(res.Domain), res.PrevCompleted, res.Completed},
	}
	for _, f := range files {
		oldPath := "a/" + f.key
		if f.old == nil {
			oldPath = "/dev/null"
		}
		fmt.Fprint(out, diff.Unified(oldPath, "b/"+f.key, string(f.old), string(f.next)))
	}
}

func readEvent(cmd *cobra.Command, path string) (event.MergeEvent, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return event.MergeEvent{}, fmt.Errorf("read merge event: %w", err)
	}
	ev, err := event.Decode(data)
	if err != nil {
		return event.MergeEvent{}, &usageError{err: err}
	}
	return ev, nil
}
