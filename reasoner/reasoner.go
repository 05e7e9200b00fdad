package reasoner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/retrieval"
	"github.com/liamcoop/claims/rules"
)

// Options configure decision policy and oracle retries.
type Options struct {
	MaxAttempts int
	Timeout     time.Duration
	// MinConfidence is the lowest oracle confidence accepted for approval.
	MinConfidence float64
	// RequireClauseForApproval sends approvals without any retrieved
	// clause to review.
	RequireClauseForApproval bool
	Limits                   Limits
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:              2,
		Timeout:                  30 * time.Second,
		MinConfidence:            0.5,
		RequireClauseForApproval: true,
		Limits:                   DefaultLimits(),
	}
}

// Input is everything the reasoner looks at.
type Input struct {
	Claim      claim.Record
	Validation rules.Outcome
	Retrieval  retrieval.Result
}

type Reasoner struct {
	oracle Oracle
	opts   Options
	now    func() time.Time
}

func New(oracle Oracle, opts Options) *Reasoner {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	def := DefaultLimits()
	if opts.Limits.MaxClauses <= 0 {
		opts.Limits.MaxClauses = def.MaxClauses
	}
	if opts.Limits.MaxClauseChars <= 0 {
		opts.Limits.MaxClauseChars = def.MaxClauseChars
	}
	if opts.Limits.MaxContextChars <= 0 {
		opts.Limits.MaxContextChars = def.MaxContextChars
	}
	return &Reasoner{oracle: oracle, opts: opts, now: time.Now}
}

// Decide always returns a decision. Disqualifying rules settle the verdict
// without consulting the oracle. Oracle failures degrade to needs_review.
//
// Once Decide has started, caller cancellation does not abort an oracle
// call in flight; it stops further attempts and demotes the verdict to
// needs_review.
func (r *Reasoner) Decide(ctx context.Context, in Input) Decision {
	if d, ok := r.deterministic(in.Validation); ok {
		return d
	}

	prompt := BuildPrompt(in.Claim, in.Validation, in.Retrieval, r.opts.Limits)
	allowed := make(map[string]bool, len(prompt.ClauseIDs))
	for _, id := range prompt.ClauseIDs {
		allowed[id] = true
	}

	detached := context.WithoutCancel(ctx)
	var diagnostics []string
	attempts := 0
	for attempts < r.opts.MaxAttempts {
		if ctx.Err() != nil {
			break
		}
		attempts++

		callCtx, cancel := context.WithTimeout(detached, r.opts.Timeout)
		raw, err := r.oracle.Reason(callCtx, prompt)
		cancel()
		if err == nil {
			var out oracleOutput
			out, err = parseOutput(raw, allowed)
			if err != nil {
				err = &ReasoningSchemaError{Attempt: attempts, Raw: truncate(raw, 500), Err: err}
			} else {
				d := r.fromOracle(out, in)
				d.Attempts = attempts
				d.Diagnostics = diagnostics
				if ctx.Err() != nil {
					return r.cancelled(in, attempts, append(diagnostics, fmt.Sprintf("oracle verdict %s discarded after cancellation", out.Verdict)))
				}
				return d
			}
		} else {
			err = fmt.Errorf("oracle call failed on attempt %d: %w", attempts, err)
		}

		logger.Warn("reasoning attempt failed", "attempt", attempts, "error", err)
		diagnostics = append(diagnostics, err.Error())
	}

	if ctx.Err() != nil {
		return r.cancelled(in, attempts, diagnostics)
	}
	return r.degraded(in, attempts, diagnostics)
}

func (r *Reasoner) deterministic(outcome rules.Outcome) (Decision, bool) {
	if violations := outcome.Violations(); len(violations) > 0 {
		ids := make([]string, 0, len(violations))
		reasons := make([]string, 0, len(violations))
		for _, v := range violations {
			ids = append(ids, v.RuleID)
			reasons = append(reasons, fmt.Sprintf("%s (%s)", v.RuleID, v.Explanation))
		}
		return Decision{
			Verdict:       Rejected,
			Justification: "Rejected by disqualifying rules: " + strings.Join(reasons, "; "),
			ClauseIDs:     []string{},
			RuleIDs:       ids,
			Confidence:    1,
			Source:        SourceRules,
			CreatedAt:     r.now().UTC(),
		}, true
	}

	if unverified := outcome.Unverified(); len(unverified) > 0 {
		ids := make([]string, 0, len(unverified))
		reasons := make([]string, 0, len(unverified))
		for _, u := range unverified {
			ids = append(ids, u.RuleID)
			reasons = append(reasons, fmt.Sprintf("%s (%s)", u.RuleID, u.Error))
		}
		return Decision{
			Verdict:       NeedsReview,
			Justification: "Disqualifying rules could not be evaluated: " + strings.Join(reasons, "; "),
			ClauseIDs:     []string{},
			RuleIDs:       ids,
			Confidence:    0,
			Source:        SourceRules,
			CreatedAt:     r.now().UTC(),
		}, true
	}

	return Decision{}, false
}

func (r *Reasoner) fromOracle(out oracleOutput, in Input) Decision {
	d := Decision{
		Verdict:       out.Verdict,
		Justification: strings.TrimSpace(out.Justification),
		ClauseIDs:     append([]string{}, out.ClauseIDs...),
		RuleIDs:       in.Validation.RuleIDs(),
		Confidence:    clampConfidence(out.Confidence),
		Source:        SourceOracle,
		CreatedAt:     r.now().UTC(),
	}

	if d.Verdict != Approved {
		return d
	}
	if r.opts.RequireClauseForApproval && len(in.Retrieval.Clauses) == 0 {
		d.Verdict = NeedsReview
		d.Justification += " [approval withheld: no policy clause was retrieved for this claim]"
	} else if d.Confidence < r.opts.MinConfidence {
		d.Verdict = NeedsReview
		d.Justification += fmt.Sprintf(" [approval withheld: confidence %.2f below %.2f]", d.Confidence, r.opts.MinConfidence)
	}
	return d
}

func (r *Reasoner) degraded(in Input, attempts int, diagnostics []string) Decision {
	logger.DegradedDecisions.Add(1)

	last := "none"
	if len(diagnostics) > 0 {
		last = diagnostics[len(diagnostics)-1]
	}
	return Decision{
		Verdict:       NeedsReview,
		Justification: fmt.Sprintf("Schema degradation: no valid decision from the reasoning oracle after %d attempts (last error: %s). Manual review required.", attempts, last),
		ClauseIDs:     []string{},
		RuleIDs:       in.Validation.RuleIDs(),
		Confidence:    0,
		Source:        SourceDegraded,
		Attempts:      attempts,
		Diagnostics:   diagnostics,
		CreatedAt:     r.now().UTC(),
	}
}

func (r *Reasoner) cancelled(in Input, attempts int, diagnostics []string) Decision {
	logger.DegradedDecisions.Add(1)

	return Decision{
		Verdict:       NeedsReview,
		Justification: "Processing was cancelled during reasoning; the claim needs manual review.",
		ClauseIDs:     []string{},
		RuleIDs:       in.Validation.RuleIDs(),
		Confidence:    0,
		Source:        SourceDegraded,
		Attempts:      attempts,
		Diagnostics:   diagnostics,
		CreatedAt:     r.now().UTC(),
	}
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
