package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/claims/audit"
	"github.com/liamcoop/claims/internal/logger"
)

const auditWriteTimeout = 5 * time.Second

// recorder owns the state and audit sequence of one run. Every state
// change goes through transition, which writes the audit entry before
// returning. It is safe for use from the fork-join branches.
type recorder struct {
	store audit.Store
	runID uuid.UUID
	now   func() time.Time
	log   *slog.Logger

	mu    sync.Mutex
	state State
	seq   int
	fatal error
}

func newRecorder(store audit.Store, runID uuid.UUID, now func() time.Time, log *slog.Logger) *recorder {
	return &recorder{store: store, runID: runID, now: now, log: log, state: Received}
}

// step describes one transition to record.
type step struct {
	to      State
	stage   string
	input   any
	output  any
	started time.Time
	outcome audit.Outcome
	err     error
}

// transition validates and records s. A non-nil result is always an
// *OrchestratorFatalError; the run must stop.
func (r *recorder) transition(ctx context.Context, s step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fatal != nil {
		return r.fatal
	}
	if !CanTransition(r.state, s.to) {
		return r.setFatal(&OrchestratorFatalError{
			RunID:  r.runID,
			Reason: fmt.Sprintf("illegal transition %s -> %s", r.state, s.to),
		})
	}

	entry, err := r.entry(s)
	if err != nil {
		return r.setFatal(&OrchestratorFatalError{RunID: r.runID, Reason: "build audit entry", Err: err})
	}

	// The trail must record cancelled runs too, so writes ignore caller
	// cancellation but stay bounded.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := r.store.Append(writeCtx, entry); err != nil {
		logger.AuditWriteFailures.Add(1)
		logger.Error("audit write failed",
			"run_id", r.runID,
			"seq", entry.Seq,
			"stage", s.stage,
			"error", err,
		)
		return r.setFatal(&OrchestratorFatalError{RunID: r.runID, Reason: "audit write failed", Err: err})
	}

	r.seq = entry.Seq
	r.state = s.to

	args := []any{"stage", s.stage, "from", entry.From, "to", entry.To, "outcome", entry.Outcome, "duration", entry.Duration}
	switch s.outcome {
	case audit.OutcomeSuccess:
		r.log.Info("stage completed", args...)
	default:
		r.log.Warn("stage completed", append(args, "error", entry.Error)...)
	}
	return nil
}

func (r *recorder) entry(s step) (audit.Entry, error) {
	in, err := audit.NewSnapshot(s.input)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("input snapshot: %w", err)
	}
	out, err := audit.NewSnapshot(s.output)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("output snapshot: %w", err)
	}

	now := r.now().UTC()
	e := audit.Entry{
		RunID:      r.runID,
		Seq:        r.seq + 1,
		From:       string(r.state),
		To:         string(s.to),
		Stage:      s.stage,
		RecordedAt: now,
		Input:      in,
		Output:     out,
		Outcome:    s.outcome,
	}
	if !s.started.IsZero() {
		e.Duration = now.Sub(s.started)
	}
	if s.err != nil {
		e.Error = s.err.Error()
	}
	return e, nil
}

func (r *recorder) setFatal(err error) error {
	r.fatal = err
	return err
}

// current returns the state and the first fatal error, if any.
func (r *recorder) current() (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.fatal
}
