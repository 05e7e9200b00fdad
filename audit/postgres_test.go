package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryRowColumns = []string{"run_id", "seq", "from_state", "to_state", "stage", "recorded_at", "input", "input_hash", "output", "output_hash", "duration_ns", "outcome", "error"}

func TestPostgresStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	e := testRun(t, uuid.New(), baseTime)[0]

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WithArgs(e.RunID.String(), 1, "received", "normalizing", "intake", baseTime,
			string(e.Input.Data), e.Input.Hash, string(e.Output.Data), e.Output.Hash,
			int64(e.Duration), "success", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Append(context.Background(), e))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	assert.ErrorIs(t, store.Append(context.Background(), e), ErrDuplicateEntry)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	runID := uuid.New()
	in, err := NewSnapshot(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)

	// JSONB hands back its own formatting; the store restores canonical bytes.
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_entries WHERE run_id = $1 ORDER BY seq")).
		WithArgs(runID.String()).
		WillReturnRows(sqlmock.NewRows(entryRowColumns).
			AddRow(runID.String(), 1, "received", "normalizing", "intake", baseTime, `{"a": 2, "b": 1}`, in.Hash, nil, "", int64(1500), "success", "").
			AddRow(runID.String(), 2, "normalizing", "failed", "normalize", baseTime, nil, "", nil, "", int64(10), "failure", "claim_type: is required"))

	got, err := Collect(store.Entries(context.Background(), runID))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Input.Equal(in))
	assert.Empty(t, got[0].Output.Data)
	assert.Equal(t, OutcomeFailure, got[1].Outcome)
	assert.Equal(t, "claim_type: is required", got[1].Error)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEntriesDetectsDigestMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	runID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_entries")).
		WillReturnRows(sqlmock.NewRows(entryRowColumns).
			AddRow(runID.String(), 1, "received", "normalizing", "intake", baseTime, `{"a":1}`, "sha256:0000", nil, "", int64(0), "success", ""))

	_, err = Collect(NewPostgresStore(db).Entries(context.Background(), runID))
	assert.ErrorContains(t, err, "digest mismatch")
}

func TestPostgresStoreRuns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	runID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY e.run_id")).
		WithArgs(DefaultRunsLimit).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "min", "max", "count", "to_state"}).
			AddRow(runID.String(), baseTime, baseTime.Add(time.Second), 5, "finalized"))

	runs, err := NewPostgresStore(db).Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
	assert.Equal(t, 5, runs[0].Entries)
	assert.Equal(t, "finalized", runs[0].State)

	assert.NoError(t, mock.ExpectationsWereMet())
}
