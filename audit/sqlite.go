package audit

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    run_id      TEXT    NOT NULL,
    seq         INTEGER NOT NULL,
    from_state  TEXT    NOT NULL,
    to_state    TEXT    NOT NULL,
    stage       TEXT    NOT NULL,
    recorded_at INTEGER NOT NULL,
    input       TEXT,
    input_hash  TEXT    NOT NULL DEFAULT '',
    output      TEXT,
    output_hash TEXT    NOT NULL DEFAULT '',
    duration_ns INTEGER NOT NULL DEFAULT 0,
    outcome     TEXT    NOT NULL,
    error       TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_recorded_at ON audit_entries (recorded_at DESC);`

// SQLiteStore keeps the audit trail in a SQLite file. recorded_at is
// stored as Unix nanoseconds so ordering is numeric.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn, for example
// "file:audit.db" or "file::memory:".
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps in-memory databases shared.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps db and creates the schema if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID.String(), e.Seq, e.From, e.To, e.Stage, e.RecordedAt.UTC().UnixNano(),
		nullableJSON(e.Input), e.Input.Hash, nullableJSON(e.Output), e.Output.Hash,
		int64(e.Duration), string(e.Outcome), e.Error,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: run %s seq %d", ErrDuplicateEntry, e.RunID, e.Seq)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Entries(ctx context.Context, runID uuid.UUID) iter.Seq2[Entry, error] {
	return queryEntries(ctx, s.db,
		`SELECT `+entryColumns+` FROM audit_entries WHERE run_id = ? ORDER BY seq`,
		unixNanos, runID.String())
}

func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	return queryRuns(ctx, s.db, `
		SELECT e.run_id, MIN(e.recorded_at), MAX(e.recorded_at), COUNT(*),
		       (SELECT l.to_state FROM audit_entries l WHERE l.run_id = e.run_id ORDER BY l.seq DESC LIMIT 1)
		FROM audit_entries e
		GROUP BY e.run_id
		ORDER BY MAX(e.recorded_at) DESC, e.run_id
		LIMIT ?`, limit, unixNanos)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixNanos(v any) (time.Time, error) {
	n, ok := v.(int64)
	if !ok {
		return time.Time{}, fmt.Errorf("recorded_at: unexpected type %T", v)
	}
	return time.Unix(0, n).UTC(), nil
}
