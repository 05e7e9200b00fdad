package audit

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// entryColumns is shared by the SQL stores; both schemas use these names.
const entryColumns = `run_id, seq, from_state, to_state, stage, recorded_at, input, input_hash, output, output_hash, duration_ns, outcome, error`

// scanEntry reads one row. decodeTime converts the recorded_at column,
// whose representation differs per medium.
func scanEntry(row rowScanner, decodeTime func(any) (time.Time, error)) (Entry, error) {
	var (
		e               Entry
		runID, outcome  string
		recordedAt      any
		input, output   sql.NullString
		inHash, outHash string
		durationNanos   int64
	)
	if err := row.Scan(&runID, &e.Seq, &e.From, &e.To, &e.Stage, &recordedAt,
		&input, &inHash, &output, &outHash, &durationNanos, &outcome, &e.Error); err != nil {
		return Entry{}, err
	}

	id, err := uuid.Parse(runID)
	if err != nil {
		return Entry{}, fmt.Errorf("parse run id %q: %w", runID, err)
	}
	e.RunID = id
	e.Outcome = Outcome(outcome)
	e.Duration = time.Duration(durationNanos)

	if e.RecordedAt, err = decodeTime(recordedAt); err != nil {
		return Entry{}, err
	}
	if e.Input, err = restoreSnapshot(input, inHash); err != nil {
		return Entry{}, err
	}
	if e.Output, err = restoreSnapshot(output, outHash); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// restoreSnapshot re-canonicalizes stored JSON. Media such as JSONB do not
// preserve the bytes written, only the value.
func restoreSnapshot(data sql.NullString, hash string) (Snapshot, error) {
	if !data.Valid || data.String == "" {
		return Snapshot{}, nil
	}
	s, err := canonicalSnapshot([]byte(data.String))
	if err != nil {
		return Snapshot{}, err
	}
	if hash != "" && s.Hash != hash {
		return Snapshot{}, fmt.Errorf("snapshot digest mismatch: stored %s, computed %s", hash, s.Hash)
	}
	return s, nil
}

func nullableJSON(s Snapshot) any {
	if len(s.Data) == 0 {
		return nil
	}
	return string(s.Data)
}

// queryEntries runs query on every range and yields scanned rows.
func queryEntries(ctx context.Context, db *sql.DB, query string, decodeTime func(any) (time.Time, error), args ...any) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(Entry{}, fmt.Errorf("query audit entries: %w", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			e, err := scanEntry(rows, decodeTime)
			if err != nil {
				yield(Entry{}, fmt.Errorf("scan audit entry: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("iterate audit entries: %w", err))
		}
	}
}

// queryRuns scans rows of (run_id, started, updated, entries, state).
func queryRuns(ctx context.Context, db *sql.DB, query string, limit int, decodeTime func(any) (time.Time, error)) ([]RunSummary, error) {
	if limit <= 0 {
		limit = DefaultRunsLimit
	}
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunSummary
	for rows.Next() {
		var (
			runID            string
			started, updated any
			sum              RunSummary
		)
		if err := rows.Scan(&runID, &started, &updated, &sum.Entries, &sum.State); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if sum.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("parse run id %q: %w", runID, err)
		}
		if sum.StartedAt, err = decodeTime(started); err != nil {
			return nil, err
		}
		if sum.UpdatedAt, err = decodeTime(updated); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
