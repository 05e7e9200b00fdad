// Package reasoner turns validation and retrieval results into a decision.
// Deterministic rules always outrank the reasoning oracle.
package reasoner

import (
	"fmt"
	"time"
)

type Verdict string

const (
	Approved    Verdict = "approved"
	Rejected    Verdict = "rejected"
	NeedsReview Verdict = "needs_review"
)

func (v Verdict) Valid() bool {
	switch v {
	case Approved, Rejected, NeedsReview:
		return true
	}
	return false
}

// Source records which path produced a decision.
type Source string

const (
	SourceRules    Source = "rules"
	SourceOracle   Source = "oracle"
	SourceDegraded Source = "degraded"
)

// Decision is created once per run and never modified afterwards.
type Decision struct {
	Verdict       Verdict   `json:"verdict"`
	Justification string    `json:"justification"`
	ClauseIDs     []string  `json:"clause_ids"`
	RuleIDs       []string  `json:"rule_ids"`
	Confidence    float64   `json:"confidence"`
	Source        Source    `json:"source"`
	Attempts      int       `json:"attempts"`
	Diagnostics   []string  `json:"diagnostics,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReasoningSchemaError reports oracle output that could not be accepted.
type ReasoningSchemaError struct {
	Attempt int
	Raw     string
	Err     error
}

func (e *ReasoningSchemaError) Error() string {
	return fmt.Sprintf("reasoning output rejected on attempt %d: %v", e.Attempt, e.Err)
}

func (e *ReasoningSchemaError) Unwrap() error {
	return e.Err
}
