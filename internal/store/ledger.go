package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"taskledger/internal/logging"
)

// SectionRecord is the known-good state of one archive section.
type SectionRecord struct {
	Domain   string
	Position int
	Date     string
	Digest   string
	Content  string
	Rows     []string
	Sealed   bool
}

// IDRecord registers an archived task id.
type IDRecord struct {
	ID       string
	Domain   string
	MergeRef int
}

// Ledger keeps the last known-good archive sections of every domain and the
// registry of every id ever archived, in SQLite.
type Ledger struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// OpenLedger opens (or creates) the ledger at path. ":memory:" gives a
// private in-memory ledger.
func OpenLedger(path string) (*Ledger, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenLedger")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// one connection: ":memory:" is per connection, and writes serialize anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}

	l := &Ledger{db: db, dbPath: path}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("ledger ready at %s", path)
	return l, nil
}

func (l *Ledger) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archive_sections (
		domain TEXT NOT NULL,
		position INTEGER NOT NULL,
		date TEXT NOT NULL,
		digest TEXT NOT NULL,
		content TEXT NOT NULL,
		rows TEXT NOT NULL DEFAULT '',
		sealed INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (domain, position)
	);
	CREATE TABLE IF NOT EXISTS archived_ids (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		merge_ref INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_archived_ids_domain ON archived_ids(domain);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores the current sections of a domain and registers ids. A
// section once sealed stays sealed; sections beyond the new count are kept
// so that a vanished section is still detectable.
func (l *Ledger) Record(ctx context.Context, domain string, sections []SectionRecord, ids []IDRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger update: %w", err)
	}
	defer tx.Rollback()

	for _, s := range sections {
		digest := s.Digest
		if digest == "" {
			digest = DigestText(s.Content)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO archive_sections (domain, position, date, digest, content, rows, sealed)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain, position) DO UPDATE SET
				date = excluded.date,
				digest = excluded.digest,
				content = excluded.content,
				rows = excluded.rows,
				sealed = MAX(archive_sections.sealed, excluded.sealed),
				recorded_at = CURRENT_TIMESTAMP`,
			domain, s.Position, s.Date, digest, s.Content, strings.Join(s.Rows, "\n"), boolInt(s.Sealed))
		if err != nil {
			return fmt.Errorf("record section %s#%d: %w", domain, s.Position, err)
		}
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO archived_ids (id, domain, merge_ref) VALUES (?, ?, ?)`,
			id.ID, domain, id.MergeRef); err != nil {
			return fmt.Errorf("register id %s: %w", id.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger update: %w", err)
	}
	logging.StoreDebug("ledger recorded %d section(s), %d id(s) for %s", len(sections), len(ids), domain)
	return nil
}

// Sections returns the recorded sections of a domain by position.
func (l *Ledger) Sections(ctx context.Context, domain string) ([]SectionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT position, date, digest, content, rows, sealed
		FROM archive_sections WHERE domain = ? ORDER BY position`, domain)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()

	var out []SectionRecord
	for rows.Next() {
		s := SectionRecord{Domain: domain}
		var rowText string
		var sealed int
		if err := rows.Scan(&s.Position, &s.Date, &s.Digest, &s.Content, &rowText, &sealed); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		if rowText != "" {
			s.Rows = strings.Split(rowText, "\n")
		}
		s.Sealed = sealed != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// ArchivedIDs returns every registered id, ordered by id.
func (l *Ledger) ArchivedIDs(ctx context.Context) ([]IDRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `SELECT id, domain, merge_ref FROM archived_ids ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query archived ids: %w", err)
	}
	defer rows.Close()

	var out []IDRecord
	for rows.Next() {
		var r IDRecord
		if err := rows.Scan(&r.ID, &r.Domain, &r.MergeRef); err != nil {
			return nil, fmt.Errorf("scan archived id: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Domains returns every domain with recorded sections.
func (l *Ledger) Domains(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT domain FROM archive_sections ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
