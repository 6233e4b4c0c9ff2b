package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskledger/internal/guard"
	"taskledger/internal/logging"
	"taskledger/internal/repo"
)

var (
	checkDomain string
	checkRecord bool
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the consistency guard as a gate",
		Long: `Checks that no task is both active and archived, that no id is archived
twice across domains, and that no archived section other than the newest one
has changed since the ledger last recorded it.

With --record, domains that pass are recorded in the ledger as the new
known-good state.`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}
	cmd.Flags().StringVar(&checkDomain, "domain", "", "Domain to check (default: all)")
	cmd.Flags().BoolVar(&checkRecord, "record", false, "Record passing domains in the ledger")
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkRecord && env.ledger == nil {
		return &usageError{err: fmt.Errorf("--record needs a ledger (ledger.path is empty)")}
	}
	ctx := cmd.Context()
	snap, err := env.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}
	names := selectDomains(snap, checkDomain)
	domains, vs := loadEach(snap, names)

	gvs, err := guardAll(cmd, snap, domains, checkDomain != "")
	if err != nil {
		return err
	}
	vs = append(vs, gvs...)

	if checkRecord {
		failed := make(map[string]bool)
		for _, v := range vs {
			failed[v.Domain] = true
		}
		for _, d := range domains {
			if failed[d.Name] {
				continue
			}
			if err := recordDomain(cmd, d, snap.Version); err != nil {
				return err
			}
		}
	}
	return reportViolations(cmd.OutOrStdout(), len(names), vs)
}

func recordDomain(cmd *cobra.Command, d *repo.Domain, version string) error {
	err := env.ledger.Record(cmd.Context(), d.Name, guard.Baseline(d.Name, d.Archive), guard.Registry(d.Name, d.Archive))
	logging.AuditForDomain(d.Name).LedgerRecorded(version, err)
	if err != nil {
		return fmt.Errorf("record %s: %w", d.Name, err)
	}
	return nil
}
