package reasoner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/retrieval"
	"github.com/liamcoop/claims/rules"
)

// NoClauseMarker replaces the clause section when retrieval found nothing.
const NoClauseMarker = "NO MATCHING POLICY CLAUSE FOUND"

const (
	maxDescriptionChars = 1000
	maxInvoiceLines     = 20
)

// Limits bound the context sent to the oracle.
type Limits struct {
	MaxClauses      int
	MaxClauseChars  int
	MaxContextChars int
}

func DefaultLimits() Limits {
	return Limits{MaxClauses: 5, MaxClauseChars: 800, MaxContextChars: 4000}
}

// Prompt is the structured oracle input. ClauseIDs lists the clauses that
// made it into User after budgeting.
type Prompt struct {
	System    string   `json:"system"`
	User      string   `json:"user"`
	ClauseIDs []string `json:"clause_ids"`
}

const systemPrompt = `You are a claims adjudication assistant. Decide whether the claim should be approved, rejected or sent to a human for review, using only the claim, the rule results and the policy clauses provided.

Respond with ONLY a JSON object of this exact shape:
{"verdict": "approved" | "rejected" | "needs_review", "justification": "<reasoning citing clause ids>", "clause_ids": ["<ids of the clauses you relied on>"], "confidence": <number between 0 and 1>}

Only cite clause ids that appear in the policy clauses section. If no clause supports the claim, answer needs_review.`

// BuildPrompt renders the bounded context for one claim.
func BuildPrompt(rec claim.Record, outcome rules.Outcome, result retrieval.Result, limits Limits) Prompt {
	var b strings.Builder

	b.WriteString("## Claim\n")
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "- %s: %s\n", name, value)
		}
	}
	field("claim id", rec.ClaimID)
	field("claimant", rec.Claimant)
	field("policy number", rec.PolicyNumber)
	field("claim type", rec.ClaimType)
	field("incident date", rec.IncidentDay())
	field("claimed amount", strings.TrimSpace(formatAmount(rec.ClaimedAmount)+" "+rec.Currency))
	field("description", truncate(rec.Description, maxDescriptionChars))
	field("vendor", rec.VendorName)
	if len(rec.SupportingDocs) > 0 {
		field("supporting documents", strings.Join(rec.SupportingDocs, ", "))
	}
	for i, item := range rec.InvoiceItems {
		if i == maxInvoiceLines {
			fmt.Fprintf(&b, "- ... %d more invoice items\n", len(rec.InvoiceItems)-i)
			break
		}
		fmt.Fprintf(&b, "- invoice item: %s (%s)\n", truncate(item.Description, 120), formatAmount(item.Amount))
	}

	fmt.Fprintf(&b, "\n## Rule results (rule set %s, as of %s)\n", outcome.RuleSetVersion, outcome.AsOf)
	for _, r := range outcome.Results {
		b.WriteString("- " + ruleLine(r) + "\n")
	}

	b.WriteString("\n## Policy clauses\n")
	ids := writeClauses(&b, result.Clauses, limits)
	if len(ids) == 0 {
		b.WriteString(NoClauseMarker + "\n")
	}

	return Prompt{System: systemPrompt, User: b.String(), ClauseIDs: ids}
}

func ruleLine(r rules.RuleResult) string {
	kind := "advisory"
	if r.Disqualifying {
		kind = "disqualifying"
	}

	switch {
	case r.Err != nil:
		return fmt.Sprintf("[error, %s] %s: %s", kind, r.RuleID, truncate(r.Error, 200))
	case r.Passed:
		return fmt.Sprintf("[pass, %s] %s", kind, r.RuleID)
	default:
		return fmt.Sprintf("[fail, %s] %s: %s", kind, r.RuleID, truncate(r.Explanation, 200))
	}
}

func writeClauses(b *strings.Builder, clauses []retrieval.ScoredClause, limits Limits) []string {
	budget := limits.MaxContextChars
	var ids []string
	for i, c := range clauses {
		if i == limits.MaxClauses || budget <= 0 {
			break
		}

		text := truncate(strings.Join(strings.Fields(c.Text), " "), min(limits.MaxClauseChars, budget))
		budget -= len([]rune(text))

		meta := []string{c.DocumentID}
		if c.Section != "" {
			meta = append(meta, c.Section)
		}
		if c.Page > 0 {
			meta = append(meta, "p."+strconv.Itoa(c.Page))
		}
		meta = append(meta, "score "+strconv.FormatFloat(c.Score, 'f', 2, 64))

		fmt.Fprintf(b, "[%s] (%s)\n%s\n\n", c.ID, strings.Join(meta, ", "), text)
		ids = append(ids, c.ID)
	}
	return ids
}

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:max(n, 0)])
	}
	return string(runes[:n-3]) + "..."
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
