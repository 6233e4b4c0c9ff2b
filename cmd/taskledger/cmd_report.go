package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"taskledger/internal/logging"
	"taskledger/internal/sprint"
	"taskledger/internal/watch"
)

var (
	reportDomains []string
	reportOutput  string
	reportWindow  string
	reportWatch   bool
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the cross-domain sprint report",
		Long: `Aggregates task counts, completion percentage, remaining effort and vibe
tags per domain, plus a total row. An output path ending in .json gets JSON,
anything else Markdown; - writes Markdown to stdout.

--window FROM..TO limits the report to tasks dated in that range (active
tasks by section date, archived ones by merge date). Either side may be
left open.

--watch keeps running and rewrites the report whenever the tables change.`,
		Args: cobra.NoArgs,
		RunE: runReport,
	}
	cmd.Flags().StringSliceVar(&reportDomains, "domains", nil, "Comma-separated domains (default: all)")
	cmd.Flags().StringVarP(&reportOutput, "output", "o", "-", "Output path, or - for stdout")
	cmd.Flags().StringVar(&reportWindow, "window", "", "Date window FROM..TO")
	cmd.Flags().BoolVar(&reportWatch, "watch", false, "Regenerate when the tables change")
	return cmd
}

func runReport(cmd *cobra.Command, args []string) error {
	w, err := sprint.ParseWindow(reportWindow)
	if err != nil {
		return &usageError{err: err}
	}
	if reportWatch && reportOutput == "-" {
		return &usageError{err: fmt.Errorf("--watch needs --output")}
	}
	output := reportOutput
	if output != "-" {
		output = resolveOutput(output)
	}
	gen := sprint.NewGenerator(env.store, env.tables)

	write := func(ctx context.Context) error {
		r, version, err := gen.Generate(ctx, reportDomains, w)
		if err != nil {
			return err
		}
		if output == "-" {
			_, err := cmd.OutOrStdout().Write(r.Markdown())
			return err
		}
		if err := sprint.WriteFile(output, r); err != nil {
			return err
		}
		logging.Audit().ReportWritten(output, version)
		logging.Report("wrote %s (%d domain(s), %d%% complete)", output, len(r.Domains), r.Total.PercentComplete)
		return nil
	}

	if err := write(cmd.Context()); err != nil {
		return err
	}
	if !reportWatch {
		return nil
	}
	return watchReport(cmd.Context(), output, write)
}

func resolveOutput(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(env.workspace, p)
}

// watchReport blocks until ctx ends, rewriting the report on every settled
// change under the domains directory.
func watchReport(ctx context.Context, output string, write func(context.Context) error) error {
	root := filepath.Join(env.workspace, filepath.FromSlash(env.tables.Layout().DomainsRoot()))
	wt, err := watch.New(root, watch.Options{
		Debounce: env.cfg.GetReportDebounce(),
		Ignore:   []string{output},
	}, write)
	if err != nil {
		return err
	}
	defer wt.Stop()
	if err := wt.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logging.Watch("report watcher exiting: %v", ctx.Err())
	return nil
}
