package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/liamcoop/claims/migrations"
)

// PostgresStore keeps the audit trail in the audit_entries table created
// by the embedded migrations.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an already migrated database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the connection so other stores can share the migrated schema.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10, $11, $12, $13)`,
		e.RunID.String(), e.Seq, e.From, e.To, e.Stage, e.RecordedAt.UTC(),
		nullableJSON(e.Input), e.Input.Hash, nullableJSON(e.Output), e.Output.Hash,
		int64(e.Duration), string(e.Outcome), e.Error,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: run %s seq %d", ErrDuplicateEntry, e.RunID, e.Seq)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Entries(ctx context.Context, runID uuid.UUID) iter.Seq2[Entry, error] {
	return queryEntries(ctx, s.db, `
		SELECT run_id::text, seq, from_state, to_state, stage, recorded_at,
		       input::text, input_hash, output::text, output_hash, duration_ns, outcome, error
		FROM audit_entries WHERE run_id = $1 ORDER BY seq`,
		timestamp, runID.String())
}

func (s *PostgresStore) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	return queryRuns(ctx, s.db, `
		SELECT e.run_id::text, MIN(e.recorded_at), MAX(e.recorded_at), COUNT(*),
		       (SELECT l.to_state FROM audit_entries l WHERE l.run_id = e.run_id ORDER BY l.seq DESC LIMIT 1)
		FROM audit_entries e
		GROUP BY e.run_id
		ORDER BY MAX(e.recorded_at) DESC, e.run_id
		LIMIT $1`, limit, timestamp)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func timestamp(v any) (time.Time, error) {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("recorded_at: unexpected type %T", v)
	}
	return t.UTC(), nil
}
