// Package audit records every workflow transition of a claim run. Entries
// are append-only; the orchestrator is the only writer.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeRetry   Outcome = "retry"
)

var (
	ErrDuplicateEntry = errors.New("audit entry already recorded")
	ErrInvalidEntry   = errors.New("invalid audit entry")
)

// Snapshot is a canonical (RFC 8785) JSON rendering of a stage input or
// output plus its SHA-256 digest. Equal values always produce equal
// snapshots.
type Snapshot struct {
	Data json.RawMessage `json:"data,omitempty"`
	Hash string          `json:"hash,omitempty"`
}

// NewSnapshot canonicalizes v. A nil v gives an empty snapshot.
func NewSnapshot(v any) (Snapshot, error) {
	if v == nil {
		return Snapshot{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return canonicalSnapshot(raw)
}

func canonicalSnapshot(raw []byte) (Snapshot, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	return Snapshot{Data: canonical, Hash: digest(canonical)}, nil
}

// Verify reports whether Hash matches Data.
func (s Snapshot) Verify() bool {
	if len(s.Data) == 0 {
		return s.Hash == ""
	}
	return s.Hash == digest(s.Data)
}

// Equal compares canonical bytes.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.Hash == other.Hash && bytes.Equal(s.Data, other.Data)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Entry is one state transition of one run.
type Entry struct {
	RunID      uuid.UUID     `json:"run_id"`
	Seq        int           `json:"seq"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Stage      string        `json:"stage"`
	RecordedAt time.Time     `json:"recorded_at"`
	Input      Snapshot      `json:"input"`
	Output     Snapshot      `json:"output"`
	Duration   time.Duration `json:"duration_ns"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

func (e Entry) validate() error {
	switch {
	case e.RunID == uuid.Nil:
		return fmt.Errorf("%w: missing run id", ErrInvalidEntry)
	case e.Seq < 1:
		return fmt.Errorf("%w: sequence %d must start at 1", ErrInvalidEntry, e.Seq)
	case e.From == "" || e.To == "":
		return fmt.Errorf("%w: missing state", ErrInvalidEntry)
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeRetry:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidEntry, e.Outcome)
	}
	return nil
}

// RunSummary describes one run for operator review.
type RunSummary struct {
	RunID     uuid.UUID `json:"run_id"`
	State     string    `json:"state"`
	Entries   int       `json:"entries"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
