package reasoner

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/liamcoop/claims/retrieval"
	"github.com/liamcoop/claims/rules"
)

func TestBuildPrompt(t *testing.T) {
	in := testInput()
	in.Validation.Results = append(in.Validation.Results,
		rules.RuleResult{RuleID: "vendor-named", Explanation: "invoice has no vendor"},
		rules.RuleResult{RuleID: "odd-rule", Disqualifying: true, Error: "no such key", Err: &rules.RuleEvaluationError{RuleID: "odd-rule"}},
	)

	p := BuildPrompt(in.Claim, in.Validation, in.Retrieval, DefaultLimits())

	assert.Contains(t, p.System, `"verdict"`)
	assert.Contains(t, p.User, "- policy number: P-100")
	assert.Contains(t, p.User, "- claimed amount: 500.00 USD")
	assert.Contains(t, p.User, "- incident date: 2024-01-05")
	assert.Contains(t, p.User, "rule set 1.0.0, as of 2024-06-01")
	assert.Contains(t, p.User, "[pass, disqualifying] coverage-limit")
	assert.Contains(t, p.User, "[fail, advisory] vendor-named: invoice has no vendor")
	assert.Contains(t, p.User, "[error, disqualifying] odd-rule: no such key")
	assert.Contains(t, p.User, "[auto-1-1] (auto, Collision coverage, score 0.82)")
	assert.NotContains(t, p.User, NoClauseMarker)
	assert.Equal(t, []string{"auto-1-1"}, p.ClauseIDs)
}

func TestBuildPromptNoClauses(t *testing.T) {
	in := testInput()
	p := BuildPrompt(in.Claim, in.Validation, retrieval.Result{}, DefaultLimits())

	assert.Contains(t, p.User, NoClauseMarker)
	assert.Empty(t, p.ClauseIDs)
}

func TestBuildPromptIsBounded(t *testing.T) {
	in := testInput()
	in.Claim.Description = strings.Repeat("very long description ", 500)

	var clauses []retrieval.ScoredClause
	for i := 0; i < 20; i++ {
		clauses = append(clauses, retrieval.ScoredClause{
			PolicyClause: retrieval.PolicyClause{ID: fmt.Sprintf("c-%02d", i), DocumentID: "auto", Text: strings.Repeat("x", 2000)},
			Score:        0.5,
		})
	}

	limits := Limits{MaxClauses: 10, MaxClauseChars: 800, MaxContextChars: 2000}
	p := BuildPrompt(in.Claim, in.Validation, retrieval.Result{Clauses: clauses}, limits)

	assert.Equal(t, []string{"c-00", "c-01", "c-02"}, p.ClauseIDs, "clause budget stops after 2000 chars")
	assert.Equal(t, 797+797+397, strings.Count(p.User, "x"), "each cut clause ends in an ellipsis")
	assert.Less(t, len(p.User), 4000)

	limits = Limits{MaxClauses: 2, MaxClauseChars: 100, MaxContextChars: 4000}
	p = BuildPrompt(in.Claim, in.Validation, retrieval.Result{Clauses: clauses}, limits)
	assert.Len(t, p.ClauseIDs, 2)
}

func TestTruncate(t *testing.T) {
	testCases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"much longer text", 10, "much lo..."},
		{"héllo wörld", 8, "héllo..."},
		{"abc", 2, "ab"},
	}

	for _, tc := range testCases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
