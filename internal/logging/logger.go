// Package logging provides categorized structured logging for taskledger on
// top of zap. Each subsystem logs through its Category; the categories can be
// switched off individually from the config file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config loading
	CategoryCodec     Category = "codec"     // Table decoding/encoding
	CategoryStore     Category = "store"     // Versioned store and ledger
	CategoryGuard     Category = "guard"     // Consistency checks
	CategoryMigration Category = "migration" // Active -> archived moves
	CategoryReport    Category = "report"    // Sprint aggregation
	CategoryWatch     Category = "watch"     // File watching
	CategoryAudit     Category = "audit"     // Audit trail of state changes
)

// Config selects level, encoding and destinations.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional extra output file
	Categories map[string]bool // nil enables everything
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from cfg and installs it. The fields
// are attached to every entry (the run id, typically).
func Initialize(cfg Config, fields ...zap.Field) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(defaultString(cfg.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	zcfg.Encoding = defaultString(cfg.Format, "console")
	if zcfg.Encoding == "console" {
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
	}

	logger, err := zcfg.Build(zap.Fields(fields...))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	install(logger, cfg.Categories)
	return logger, nil
}

// SetLogger installs an already built logger with every category enabled.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	install(l, nil)
}

func install(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	categories = cats
	loggers = make(map[Category]*Logger)
}

// Base returns the installed zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// With returns a logger carrying extra key-value context.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...any) { l.sugar.Errorf(format, args...) }

// Sync flushes buffered entries.
func Sync() {
	_ = Base().Sync()
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...any) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...any) { Get(CategoryBoot).Debug(format, args...) }

// Store logs to the store category
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Guard logs to the guard category
func Guard(format string, args ...any) { Get(CategoryGuard).Info(format, args...) }

// GuardDebug logs debug to the guard category
func GuardDebug(format string, args ...any) { Get(CategoryGuard).Debug(format, args...) }

// Migration logs to the migration category
func Migration(format string, args ...any) { Get(CategoryMigration).Info(format, args...) }

// MigrationDebug logs debug to the migration category
func MigrationDebug(format string, args ...any) { Get(CategoryMigration).Debug(format, args...) }

// Report logs to the report category
func Report(format string, args ...any) { Get(CategoryReport).Info(format, args...) }

// ReportDebug logs debug to the report category
func ReportDebug(format string, args ...any) { Get(CategoryReport).Debug(format, args...) }

// Watch logs to the watch category
func Watch(format string, args ...any) { Get(CategoryWatch).Info(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
