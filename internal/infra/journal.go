package infra

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// journalTimeLayout is fixed width so the text column sorts chronologically.
const journalTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal implements domain.Journal as an append-only SQLite table.
type Journal struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, ClassifyFSError(fmt.Errorf("failed to create journal directory: %w", err))
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// One writer; concurrent CLI invocations wait on the busy timeout.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path, now: time.Now}
	if err := j.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.CorruptError{Path: path, Err: err}
	}
	return j, nil
}

func (j *Journal) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS journal(
			id TEXT PRIMARY KEY,
			at TEXT NOT NULL,
			op TEXT NOT NULL,
			target TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			backups TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS journal_at ON journal(at);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record appends entry, filling ID and At when empty.
func (j *Journal) Record(ctx context.Context, entry domain.JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = j.now()
	}
	if entry.Backups == nil {
		entry.Backups = []string{}
	}
	backups, err := json.Marshal(entry.Backups)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO journal(id, at, op, target, platform, outcome, detail, backups)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		entry.ID, entry.At.UTC().Format(journalTimeLayout), entry.Op, entry.Target,
		string(entry.Platform), string(entry.Outcome), entry.Detail, string(backups))
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at, op, target, platform, outcome, detail, backups
		FROM journal ORDER BY at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var (
			e                           domain.JournalEntry
			at, platform, outcome, bkps string
		)
		if err := rows.Scan(&e.ID, &at, &e.Op, &e.Target, &platform, &outcome, &e.Detail, &bkps); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, &domain.CorruptError{Path: j.path, Err: err}
		}
		e.Platform = domain.PlatformID(platform)
		e.Outcome = domain.JournalOutcome(outcome)
		if err := json.Unmarshal([]byte(bkps), &e.Backups); err != nil {
			return nil, &domain.CorruptError{Path: j.path, Err: err}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// Close releases the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ensure Journal implements domain.Journal.
var _ domain.Journal = (*Journal)(nil)
