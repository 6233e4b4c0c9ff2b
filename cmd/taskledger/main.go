package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskledger/internal/config"
	"taskledger/internal/feature"
	"taskledger/internal/guard"
	"taskledger/internal/logging"
	"taskledger/internal/migration"
	"taskledger/internal/repo"
	"taskledger/internal/store"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger

	// Set up by PersistentPreRunE
	env *runtimeEnv
)

// runtimeEnv is everything a command needs, built once per invocation.
type runtimeEnv struct {
	workspace string
	cfg       *config.Config
	store     store.Store
	tables    *repo.Tables
	features  *feature.Directory
	ledger    *store.Ledger
	runID     string
}

func (e *runtimeEnv) close() {
	if e == nil || e.ledger == nil {
		return
	}
	if err := e.ledger.Close(); err != nil {
		logging.Get(logging.CategoryStore).Warn("closing ledger: %v", err)
	}
}

// newRootCmd builds the command tree. Binding the flags again resets them to
// their defaults, so every invocation starts clean.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskledger",
		Short: "Task lifecycle and archival for per-domain Markdown task tables",
		Long: `taskledger manages the task tables kept under version control: each domain
has an active table of open tasks and an append-only completed table.

A merged change request that says "Resolves #<task id>" moves the task from
the active table into the completed table. Both files change in one atomic
commit, and archived history is never rewritten.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			env.close()
			env = nil
			logging.Sync()
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/"+config.FileName+")")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newCheckCmd())
	return root
}

// setup loads config, builds the logger and opens the store.
func setup(cmd *cobra.Command, args []string) error {
	ws := workspace
	if ws == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve workspace: %w", err)
		}
		ws = wd
	}
	ws, err := filepath.Abs(ws)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}

	path := configPath
	if path == "" {
		path = filepath.Join(ws, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return &usageError{err: err}
	}
	if err := cfg.Validate(); err != nil {
		return &usageError{err: err}
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	runID := uuid.NewString()
	logger, err = logging.Initialize(logging.Config{
		Level:      level,
		Format:     cfg.Logging.Format,
		File:       config.ResolvePath(ws, cfg.Logging.File),
		Categories: cfg.Logging.Categories,
	}, zap.String("run", runID))
	if err != nil {
		return &usageError{err: err}
	}

	e, err := openEnv(ws, cfg)
	if err != nil {
		return err
	}
	e.runID = runID
	env = e
	logging.BootDebug("workspace %s, store %s, command %s", ws, cfg.Store.Backend, cmd.Name())
	return nil
}

func openEnv(ws string, cfg *config.Config) (*runtimeEnv, error) {
	tables := repo.New(cfg.Layout)
	prefixes := []string{tables.Layout().DomainsRoot()}
	if prefixes[0] == "" {
		prefixes = nil
	}

	var st store.Store
	switch cfg.Store.Backend {
	case "git":
		g, err := store.OpenGit(ws, store.GitOptions{
			Prefixes:    prefixes,
			AuthorName:  cfg.Store.AuthorName,
			AuthorEmail: cfg.Store.AuthorEmail,
			Remote:      cfg.Store.Remote,
			Push:        cfg.Store.Push,
		})
		if err != nil {
			return nil, err
		}
		st = g
	default:
		fs, err := store.NewFS(ws, store.FSOptions{
			Prefixes:       prefixes,
			LockTimeout:    cfg.GetLockTimeout(),
			LockStaleAfter: cfg.GetLockStaleAfter(),
		})
		if err != nil {
			return nil, err
		}
		st = fs
	}

	e := &runtimeEnv{
		workspace: ws,
		cfg:       cfg,
		store:     st,
		tables:    tables,
		features:  feature.NewDirectory(os.DirFS(ws), cfg.Layout.FeatureRoot),
	}
	if cfg.Ledger.Path != "" {
		l, err := store.OpenLedger(config.ResolvePath(ws, cfg.Ledger.Path))
		if err != nil {
			return nil, err
		}
		e.ledger = l
	}
	return e, nil
}

// history returns the ledger as a guard history. A nil ledger must stay a
// nil interface.
func (e *runtimeEnv) history() guard.History {
	if e.ledger == nil {
		return nil
	}
	return e.ledger
}

func (e *runtimeEnv) recorder() migration.Recorder {
	if e.ledger == nil {
		return nil
	}
	return e.ledger
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if env != nil {
		env.close()
		env = nil
	}
	code := exitCode(err)
	if err != nil && !errors.Is(err, errNoop) {
		fmt.Fprintln(stderr, formatError(err))
	}
	return code
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
