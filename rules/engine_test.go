package rules

import (
	"errors"
	"sync"
	"testing"
)

func claimVars(amount float64, claimType string) map[string]any {
	return map[string]any{
		"claim": map[string]any{
			"policy_number":   "POL-12345",
			"claim_type":      claimType,
			"claimed_amount":  amount,
			"incident_date":   "2024-03-01",
			"description":     "rear-ended at a light",
			"claimant":        "Sam Ortiz",
			"vendor_name":     "",
			"invoice_items":   []any{},
			"supporting_docs": []any{},
		},
		"ref":   map[string]any{"coverage_limit": 1000.0, "excluded_terms": []any{}},
		"as_of": "2024-06-01",
	}
}

func newTestEngine(t *testing.T, rules ...*Rule) *Engine {
	t.Helper()
	store := NewInMemoryRuleStore()
	for _, r := range rules {
		if err := store.Add(r); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
	}
	engine, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

// TestNewEngineCompilesExistingRules verifies active rules are compiled on
// construction and a broken stored expression fails construction.
func TestNewEngineCompilesExistingRules(t *testing.T) {
	engine := newTestEngine(t,
		&Rule{ID: "limit", Expression: `claim.claimed_amount <= ref.coverage_limit`, ClaimType: AnyClaimType, Active: true},
		&Rule{ID: "inactive", Expression: `claim.nope(`, ClaimType: AnyClaimType, Active: false},
	)

	results, err := engine.EvaluateClaim("auto", claimVars(500, "auto"))
	if err != nil {
		t.Fatalf("EvaluateClaim() failed: %v", err)
	}
	if len(results) != 1 || !results[0].Passed || results[0].Err != nil {
		t.Errorf("EvaluateClaim() = %+v, want only limit passed", results)
	}

	store := NewInMemoryRuleStore()
	_ = store.Add(&Rule{ID: "broken", Expression: `claim.claimed_amount >=`, Active: true})
	if _, err := NewEngine(store); err == nil {
		t.Error("NewEngine() should fail when an active rule does not compile")
	}
}

// TestCompileRuleSuccess verifies expressions over the claim environment compile.
func TestCompileRuleSuccess(t *testing.T) {
	engine := newTestEngine(t)

	testCases := []struct {
		name       string
		expression string
	}{
		{"Simple boolean", `true`},
		{"Field access", `claim.claimed_amount > 0.0`},
		{"Reference table", `claim.claimed_amount <= ref.coverage_limit`},
		{"As-of date", `claim.incident_date <= as_of`},
		{"Regex", `claim.policy_number.matches('^POL-[0-9]+$')`},
		{"String extension", `claim.description.lowerAscii().contains('light')`},
		{"Macro", `!ref.excluded_terms.exists(t, claim.description.contains(string(t)))`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := engine.CompileRule("test-"+tc.name, tc.expression); err != nil {
				t.Errorf("CompileRule(%q) failed: %v", tc.expression, err)
			}
		})
	}
}

// TestCompileRuleError verifies syntax errors, unknown variables and
// non-boolean expressions are rejected at compile time.
func TestCompileRuleError(t *testing.T) {
	engine := newTestEngine(t)

	testCases := []struct {
		name       string
		expression string
	}{
		{"Syntax error", `claim.claimed_amount >=`},
		{"Invalid operator", `claim.claimed_amount === 18`},
		{"Undefined variable", `policy.limit > 0`},
		{"Mismatched parens", `(claim.claimed_amount >= 18`},
		{"Integer result", `1 + 2`},
		{"String result", `'approved'`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.CompileRule("test-"+tc.name, tc.expression)
			if err == nil {
				t.Fatalf("CompileRule(%q) should return error", tc.expression)
			}
			if err.Error() == "" {
				t.Error("Error message should be descriptive")
			}
		})
	}
}

// TestEvaluateClaimOrderAndApplicability verifies only matching and wildcard
// rules run, each once, ordered by id.
func TestEvaluateClaimOrderAndApplicability(t *testing.T) {
	engine := newTestEngine(t,
		&Rule{ID: "c-rule", Expression: `true`, ClaimType: AnyClaimType, Active: true},
		&Rule{ID: "a-rule", Expression: `true`, ClaimType: "auto", Active: true},
		&Rule{ID: "b-rule", Expression: `false`, ClaimType: "health", Active: true},
		&Rule{ID: "d-rule", Expression: `false`, ClaimType: AnyClaimType, Active: true, Disqualifying: true},
	)

	results, err := engine.EvaluateClaim("auto", claimVars(100, "auto"))
	if err != nil {
		t.Fatalf("EvaluateClaim() failed: %v", err)
	}

	want := []string{"a-rule", "c-rule", "d-rule"}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, id := range want {
		if results[i].RuleID != id {
			t.Errorf("results[%d].RuleID = %s, want %s", i, results[i].RuleID, id)
		}
	}
	if results[2].Passed || !results[2].Disqualifying {
		t.Errorf("d-rule = %+v, want failed disqualifying", results[2])
	}
}

// TestEvaluateClaimRecordsEvaluationErrors verifies a missing key or a
// non-boolean value fails only that rule.
func TestEvaluateClaimRecordsEvaluationErrors(t *testing.T) {
	engine := newTestEngine(t,
		&Rule{ID: "missing-key", Expression: `claim.deductible > 0.0`, ClaimType: AnyClaimType, Active: true, Disqualifying: true},
		&Rule{ID: "non-bool", Expression: `claim.claimant`, ClaimType: AnyClaimType, Active: true},
		&Rule{ID: "ok", Expression: `claim.claimed_amount > 0.0`, ClaimType: AnyClaimType, Active: true},
	)

	results, err := engine.EvaluateClaim("auto", claimVars(100, "auto"))
	if err != nil {
		t.Fatalf("EvaluateClaim() failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	for _, res := range results[:2] {
		var evalErr *RuleEvaluationError
		if !errors.As(res.Err, &evalErr) {
			t.Errorf("%s: Err = %v, want RuleEvaluationError", res.RuleID, res.Err)
			continue
		}
		if evalErr.RuleID != res.RuleID {
			t.Errorf("RuleEvaluationError.RuleID = %s, want %s", evalErr.RuleID, res.RuleID)
		}
		if res.Passed {
			t.Errorf("%s should not pass", res.RuleID)
		}
		if res.Error == "" {
			t.Errorf("%s: Error text should be set", res.RuleID)
		}
	}
	if !results[2].Passed {
		t.Errorf("ok rule should pass after earlier failures, got %+v", results[2])
	}
}

// TestUnreadableResults verifies every applicable active rule is reported
// as an evaluation error, in id order, when the rules list cannot be read.
func TestUnreadableResults(t *testing.T) {
	cause := errors.New("rules database down")
	rules := []*Rule{
		{ID: "b-limit", Expression: `true`, ClaimType: AnyClaimType, Active: true, Disqualifying: true, Explanation: "limit ${ref.coverage_limit}"},
		{ID: "a-health", Expression: `true`, ClaimType: "health", Active: true},
		{ID: "c-advisory", Expression: `true`, ClaimType: "auto", Active: true},
		{ID: "d-retired", Expression: `true`, ClaimType: AnyClaimType, Active: false, Disqualifying: true},
	}

	results := UnreadableResults(rules, "auto", claimVars(10, "auto"), cause)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].RuleID != "b-limit" || results[1].RuleID != "c-advisory" {
		t.Errorf("order = %s, %s; want b-limit, c-advisory", results[0].RuleID, results[1].RuleID)
	}
	for _, res := range results {
		if res.Passed {
			t.Errorf("%s should not pass", res.RuleID)
		}
		var evalErr *RuleEvaluationError
		if !errors.As(res.Err, &evalErr) || !errors.Is(res.Err, cause) {
			t.Errorf("%s: Err = %v, want RuleEvaluationError wrapping the cause", res.RuleID, res.Err)
		}
	}
	if !results[0].Disqualifying {
		t.Error("disqualifying flag should carry over")
	}
	if results[0].Explanation != "limit 1000" {
		t.Errorf("Explanation = %q, want %q", results[0].Explanation, "limit 1000")
	}
}

// TestConcurrentEvaluateAndCompile runs evaluations while rules are being
// recompiled; run with -race.
func TestConcurrentEvaluateAndCompile(t *testing.T) {
	engine := newTestEngine(t,
		&Rule{ID: "limit", Expression: `claim.claimed_amount <= ref.coverage_limit`, ClaimType: AnyClaimType, Active: true},
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := engine.EvaluateClaim("auto", claimVars(100, "auto")); err != nil {
				t.Errorf("EvaluateClaim() failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := engine.CompileRule("limit", `claim.claimed_amount <= ref.coverage_limit`); err != nil {
				t.Errorf("CompileRule() failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

// TestRenderExplanation verifies template substitution.
func TestRenderExplanation(t *testing.T) {
	vars := claimVars(1500.5, "auto")

	testCases := []struct {
		tmpl string
		want string
	}{
		{"plain text", "plain text"},
		{"amount ${claim.claimed_amount} over ${ref.coverage_limit}", "amount 1500.5 over 1000"},
		{"judged on ${as_of}", "judged on 2024-06-01"},
		{"unknown ${claim.nothing} and ${other}", "unknown ? and ?"},
	}

	for _, tc := range testCases {
		if got := renderExplanation(tc.tmpl, vars); got != tc.want {
			t.Errorf("renderExplanation(%q) = %q, want %q", tc.tmpl, got, tc.want)
		}
	}
}
