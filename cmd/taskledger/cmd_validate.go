package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"taskledger/internal/codec"
	"taskledger/internal/guard"
	"taskledger/internal/logging"
	"taskledger/internal/repo"
	"taskledger/internal/schema"
	"taskledger/internal/store"
	"taskledger/internal/types"
)

var (
	validateDomain string
	validateStrict bool
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a domain's tables against the field rules",
		Long: `Parses the active and completed tables and reports every rule violation.
Without --domain every domain in the store is checked.

--strict also requires feature directories to exist and runs the
consistency guard (no task both active and archived, no id archived twice,
no archived section rewritten).`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
	cmd.Flags().StringVar(&validateDomain, "domain", "", "Domain to validate (default: all)")
	cmd.Flags().BoolVar(&validateStrict, "strict", false, "Also check feature directories and cross-file consistency")
	return cmd
}

const ruleParse = "table.parse"

// selectDomains returns the requested domain, or every domain in snap.
func selectDomains(snap *store.Snapshot, domain string) []string {
	if domain != "" {
		return []string{domain}
	}
	return env.tables.Domains(snap)
}

// loadEach decodes every named domain. Decode failures are reported as
// violations instead of stopping the run.
func loadEach(snap *store.Snapshot, names []string) ([]*repo.Domain, []types.Violation) {
	var domains []*repo.Domain
	var vs []types.Violation
	for _, name := range names {
		d, err := env.tables.Load(snap, name)
		if err != nil {
			v := types.Violation{Rule: ruleParse, Domain: name, Message: err.Error()}
			var pe *codec.ParseError
			if errors.As(err, &pe) {
				v.Line = pe.Line
				v.Message = pe.Reason
				var fe *repo.FileError
				if errors.As(err, &fe) {
					v.Message = fe.Key + ": " + pe.Reason
				}
			}
			vs = append(vs, v)
			continue
		}
		domains = append(domains, d)
	}
	return domains, vs
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	snap, err := env.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}
	names := selectDomains(snap, validateDomain)
	domains, vs := loadEach(snap, names)

	opts := schema.Options{}
	if validateStrict {
		opts.Features = env.features
	}
	for _, d := range domains {
		for _, v := range schema.ValidateBacklog(d.Backlog, opts) {
			v.Domain = d.Name
			vs = append(vs, v)
		}
		for _, v := range schema.ValidateArchive(d.Archive) {
			v.Domain = d.Name
			vs = append(vs, v)
		}
	}

	if validateStrict {
		gvs, err := guardAll(cmd, snap, domains, validateDomain != "")
		if err != nil {
			return err
		}
		vs = append(vs, gvs...)
	}

	return reportViolations(cmd.OutOrStdout(), len(names), vs)
}

// guardAll runs the consistency guard over every domain, each against all
// the others of the snapshot.
// When only some domains were loaded, the rest are loaded as context.
func guardAll(cmd *cobra.Command, snap *store.Snapshot, domains []*repo.Domain, partial bool) ([]types.Violation, error) {
	all := domains
	if partial {
		named := make(map[string]bool, len(domains))
		for _, d := range domains {
			named[d.Name] = true
		}
		var rest []string
		for _, n := range env.tables.Domains(snap) {
			if !named[n] {
				rest = append(rest, n)
			}
		}
		others, _ := loadEach(snap, rest)
		all = append(append([]*repo.Domain(nil), domains...), others...)
	}

	g := guard.New(env.history())
	var vs []types.Violation
	for _, d := range domains {
		found, err := g.Check(cmd.Context(), guard.Input{Domain: d, Others: all})
		if err != nil {
			return nil, err
		}
		vs = append(vs, found...)
	}
	return vs, nil
}

func reportViolations(out io.Writer, domains int, vs []types.Violation) error {
	if len(vs) == 0 {
		fmt.Fprintf(out, "ok: %d domain(s) checked\n", domains)
		return nil
	}
	fmt.Fprintf(out, "%d violation(s):\n%s\n", len(vs), types.FormatViolations(vs))
	logging.Get(logging.CategoryGuard).Warn("%d violation(s) across %d domain(s)", len(vs), domains)
	return &violationsError{count: len(vs)}
}
