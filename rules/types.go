package rules

import (
	"fmt"
	"time"
)

// AnyClaimType marks a rule that applies to every claim type.
const AnyClaimType = "*"

// Rule is a single CEL check over a claim. The expression evaluates to true
// when the claim complies with the rule.
type Rule struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	ClaimType     string    `json:"claim_type" yaml:"claim_type"`
	Expression    string    `json:"expression" yaml:"expression"`
	Disqualifying bool      `json:"disqualifying" yaml:"disqualifying"`
	Explanation   string    `json:"explanation" yaml:"explanation"`
	Active        bool      `json:"active" yaml:"-"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// AppliesTo reports whether the rule is evaluated for claimType.
func (r *Rule) AppliesTo(claimType string) bool {
	return r.ClaimType == AnyClaimType || r.ClaimType == claimType
}

// RuleResult is the outcome of one rule against one claim.
type RuleResult struct {
	RuleID        string `json:"rule_id"`
	Name          string `json:"name"`
	Passed        bool   `json:"passed"`
	Disqualifying bool   `json:"disqualifying"`
	Explanation   string `json:"explanation,omitempty"`
	Error         string `json:"error,omitempty"`
	Err           error  `json:"-"`
}

// Outcome is the full validation result for a claim. Results hold exactly
// one entry per applicable rule, ordered by rule id.
type Outcome struct {
	RuleSetVersion string       `json:"rule_set_version"`
	ClaimType      string       `json:"claim_type"`
	AsOf           string       `json:"as_of"`
	Results        []RuleResult `json:"results"`
}

// Violations returns disqualifying rules the claim verifiably failed.
func (o Outcome) Violations() []RuleResult {
	var out []RuleResult
	for _, r := range o.Results {
		if r.Disqualifying && !r.Passed && r.Err == nil {
			out = append(out, r)
		}
	}
	return out
}

// Unverified returns disqualifying rules that could not be evaluated.
func (o Outcome) Unverified() []RuleResult {
	var out []RuleResult
	for _, r := range o.Results {
		if r.Disqualifying && r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Advisories returns failed rules that do not disqualify the claim.
func (o Outcome) Advisories() []RuleResult {
	var out []RuleResult
	for _, r := range o.Results {
		if !r.Disqualifying && !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// RuleIDs returns the id of every evaluated rule in evaluation order.
func (o Outcome) RuleIDs() []string {
	ids := make([]string, 0, len(o.Results))
	for _, r := range o.Results {
		ids = append(ids, r.RuleID)
	}
	return ids
}

// RuleEvaluationError is recorded on a RuleResult when a rule could not
// produce a boolean verdict. It never aborts the rest of the batch.
type RuleEvaluationError struct {
	RuleID string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error {
	return e.Err
}
