package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace root.
const FileName = ".taskledger.yaml"

// DomainPlaceholder is substituted with the domain name in layout paths.
const DomainPlaceholder = "{domain}"

// Config holds all taskledger configuration.
type Config struct {
	// Where the tables and features live inside the workspace
	Layout LayoutConfig `yaml:"layout"`

	// Versioned store backend
	Store StoreConfig `yaml:"store"`

	// Migration engine tuning
	Migration MigrationConfig `yaml:"migration"`

	// Known-good snapshot ledger
	Ledger LedgerConfig `yaml:"ledger"`

	// Sprint report
	Report ReportConfig `yaml:"report"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LayoutConfig names the repository paths, relative to the workspace root.
type LayoutConfig struct {
	Active      string `yaml:"active" env:"TASKLEDGER_LAYOUT_ACTIVE"`
	Completed   string `yaml:"completed" env:"TASKLEDGER_LAYOUT_COMPLETED"`
	FeatureRoot string `yaml:"feature_root" env:"TASKLEDGER_FEATURE_ROOT"`
}

// StoreConfig selects and tunes the versioned store.
type StoreConfig struct {
	Backend     string `yaml:"backend" env:"TASKLEDGER_STORE_BACKEND"` // fs, git
	LockTimeout string `yaml:"lock_timeout" env:"TASKLEDGER_LOCK_TIMEOUT"`

	// fs backend: a lock older than this, or whose owner process is gone,
	// is broken.
	LockStaleAfter string `yaml:"lock_stale_after" env:"TASKLEDGER_LOCK_STALE_AFTER"`

	// git backend only
	AuthorName  string `yaml:"author_name" env:"TASKLEDGER_GIT_AUTHOR_NAME"`
	AuthorEmail string `yaml:"author_email" env:"TASKLEDGER_GIT_AUTHOR_EMAIL"`
	Remote      string `yaml:"remote" env:"TASKLEDGER_GIT_REMOTE"`
	Push        bool   `yaml:"push" env:"TASKLEDGER_GIT_PUSH"`
}

// MigrationConfig tunes the optimistic retry loop.
type MigrationConfig struct {
	RetryBudget int    `yaml:"retry_budget" env:"TASKLEDGER_RETRY_BUDGET"`
	RetryDelay  string `yaml:"retry_delay" env:"TASKLEDGER_RETRY_DELAY"`
}

// LedgerConfig locates the SQLite ledger. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path" env:"TASKLEDGER_LEDGER_PATH"`
}

// ReportConfig tunes report generation.
type ReportConfig struct {
	Debounce string `yaml:"debounce" env:"TASKLEDGER_REPORT_DEBOUNCE"`
}

// ValidBackends lists the supported store backends.
var ValidBackends = []string{"fs", "git"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Layout: LayoutConfig{
			Active:      "domains/{domain}/tasks.md",
			Completed:   "domains/{domain}/completed.md",
			FeatureRoot: "features",
		},
		Store: StoreConfig{
			Backend:        "fs",
			LockTimeout:    "10s",
			LockStaleAfter: "2m",
			AuthorName:     "taskledger",
			AuthorEmail:    "taskledger@localhost",
			Remote:         "origin",
		},
		Migration: MigrationConfig{
			RetryBudget: 5,
			RetryDelay:  "50ms",
		},
		Ledger: LedgerConfig{
			Path: ".taskledger/ledger.db",
		},
		Report: ReportConfig{
			Debounce: "250ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file over the defaults, then applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies TASKLEDGER_* environment variables. Unset
// variables leave the loaded values alone.
func (c *Config) applyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var problems []string

	validBackend := false
	for _, b := range ValidBackends {
		if c.Store.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		problems = append(problems, fmt.Sprintf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidBackends))
	}
	for _, f := range []struct{ name, value string }{
		{"layout.active", c.Layout.Active},
		{"layout.completed", c.Layout.Completed},
	} {
		if strings.Count(f.value, DomainPlaceholder) != 1 {
			problems = append(problems, fmt.Sprintf("%s must contain %s exactly once: %q", f.name, DomainPlaceholder, f.value))
		}
	}
	if c.Layout.Active == c.Layout.Completed {
		problems = append(problems, "layout.active and layout.completed must differ")
	}
	if c.Migration.RetryBudget < 1 {
		problems = append(problems, fmt.Sprintf("migration.retry_budget must be at least 1, got %d", c.Migration.RetryBudget))
	}
	for _, f := range []struct{ name, value string }{
		{"store.lock_timeout", c.Store.LockTimeout},
		{"store.lock_stale_after", c.Store.LockStaleAfter},
		{"migration.retry_delay", c.Migration.RetryDelay},
		{"report.debounce", c.Report.Debounce},
	} {
		if f.value == "" {
			continue
		}
		if _, err := time.ParseDuration(f.value); err != nil {
			problems = append(problems, fmt.Sprintf("%s is not a duration: %q", f.name, f.value))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// GetLockTimeout returns the store lock timeout as a duration.
func (c *Config) GetLockTimeout() time.Duration {
	return durationOr(c.Store.LockTimeout, 10*time.Second)
}

// GetLockStaleAfter returns the age at which a leftover lock is broken.
func (c *Config) GetLockStaleAfter() time.Duration {
	return durationOr(c.Store.LockStaleAfter, 2*time.Minute)
}

// GetRetryDelay returns the pause between stale-snapshot retries.
func (c *Config) GetRetryDelay() time.Duration {
	return durationOr(c.Migration.RetryDelay, 50*time.Millisecond)
}

// GetReportDebounce returns the report watcher debounce window.
func (c *Config) GetReportDebounce() time.Duration {
	return durationOr(c.Report.Debounce, 250*time.Millisecond)
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ResolvePath joins a workspace-relative path onto the workspace root.
// Absolute paths are returned unchanged.
func ResolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
