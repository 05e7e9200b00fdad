package audit

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// DefaultRunsLimit caps Runs when the caller passes no limit.
const DefaultRunsLimit = 50

// Store persists audit entries.
type Store interface {
	// Append is durable on return. Recording the same (run, seq) twice
	// fails with ErrDuplicateEntry.
	Append(ctx context.Context, e Entry) error
	// Entries yields a run's entries in sequence order. Each range reads
	// from the medium again, so the sequence can be consumed repeatedly.
	Entries(ctx context.Context, runID uuid.UUID) iter.Seq2[Entry, error]
	// Runs lists the most recently updated runs first.
	Runs(ctx context.Context, limit int) ([]RunSummary, error)
	Close() error
}

// Collect drains an entry sequence, stopping at the first error.
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MemoryStore keeps entries in process memory. Useful for tests and
// single-process demos; nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID][]Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs[e.RunID] {
		if existing.Seq == e.Seq {
			return fmt.Errorf("%w: run %s seq %d", ErrDuplicateEntry, e.RunID, e.Seq)
		}
	}
	s.runs[e.RunID] = append(s.runs[e.RunID], e)
	return nil
}

func (s *MemoryStore) Entries(ctx context.Context, runID uuid.UUID) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		s.mu.RLock()
		entries := append([]Entry(nil), s.runs[runID]...)
		s.mu.RUnlock()

		sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = DefaultRunsLimit
	}

	s.mu.RLock()
	out := make([]RunSummary, 0, len(s.runs))
	for id, entries := range s.runs {
		sum := RunSummary{RunID: id, Entries: len(entries)}
		last := 0
		for _, e := range entries {
			if sum.StartedAt.IsZero() || e.RecordedAt.Before(sum.StartedAt) {
				sum.StartedAt = e.RecordedAt
			}
			if e.RecordedAt.After(sum.UpdatedAt) {
				sum.UpdatedAt = e.RecordedAt
			}
			if e.Seq > last {
				last = e.Seq
				sum.State = e.To
			}
		}
		out = append(out, sum)
	}
	s.mu.RUnlock()

	sortRuns(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortRuns(runs []RunSummary) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].UpdatedAt.Equal(runs[j].UpdatedAt) {
			return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
		}
		return runs[i].RunID.String() < runs[j].RunID.String()
	})
}
