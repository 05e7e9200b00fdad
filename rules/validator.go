package rules

import (
	"fmt"
	"time"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/internal/logger"
)

// Validator checks normalized claims against the manager's current rule
// set. For a fixed rule set and as-of date the outcome is a pure function of
// the record.
type Validator struct {
	manager *Manager
}

func NewValidator(m *Manager) *Validator {
	return &Validator{manager: m}
}

// Validate evaluates every rule applicable to rec as of the given time,
// unless the rule set pins its own as-of date. Validate never fails: rule
// errors, and a rules list that cannot be read from the store, are recorded
// as RuleEvaluationErrors on the affected results.
func (v *Validator) Validate(rec claim.Record, asOf time.Time) Outcome {
	snap := v.manager.Current()
	rs := snap.Set

	date := rs.AsOf
	if date == "" {
		date = asOf.UTC().Format(claim.DateLayout)
	}

	vars := map[string]any{
		"claim": rec.Facts(),
		"ref":   rs.ReferenceFor(rec.ClaimType),
		"as_of": date,
	}

	results, err := snap.Engine.EvaluateClaim(rec.ClaimType, vars)
	if err != nil {
		logger.Warn("active rules unreadable, marking rules unverified",
			"rule_set", rs.Key(),
			"claim_type", rec.ClaimType,
			"error", err,
		)
		results = UnreadableResults(rs.Rules, rec.ClaimType, vars, fmt.Errorf("read active rules of %s: %w", rs.Key(), err))
	}

	return Outcome{
		RuleSetVersion: rs.Version.String(),
		ClaimType:      rec.ClaimType,
		AsOf:           date,
		Results:        results,
	}
}
