// Package claim turns heterogeneous claim submissions into a canonical
// Record that the rest of the adjudication pipeline can rely on.
package claim

import (
	"fmt"
	"time"
)

// DateLayout is the canonical civil-date layout for incident dates.
const DateLayout = "2006-01-02"

// InvoiceItem is a single line of a vendor invoice attached to a claim.
type InvoiceItem struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// Record is the canonical claim. All required fields are present and
// well-typed once a Normalizer has produced it. Records are passed by value
// and must not be modified after normalization.
type Record struct {
	ClaimID        string        `json:"claim_id,omitempty"`
	Claimant       string        `json:"claimant"`
	PolicyNumber   string        `json:"policy_number"`
	IncidentDate   time.Time     `json:"incident_date"`
	ClaimType      string        `json:"claim_type"`
	ClaimedAmount  float64       `json:"claimed_amount"`
	Currency       string        `json:"currency"`
	Description    string        `json:"description"`
	VendorName     string        `json:"vendor_name,omitempty"`
	InvoiceItems   []InvoiceItem `json:"invoice_items,omitempty"`
	SupportingDocs []string      `json:"supporting_docs,omitempty"`
}

// IncidentDay returns the incident date in DateLayout.
func (r Record) IncidentDay() string {
	return r.IncidentDate.Format(DateLayout)
}

// Facts flattens the record into the map shape rule expressions see under
// the `claim` variable. Slices are copied so evaluation cannot alias the
// record.
func (r Record) Facts() map[string]any {
	items := make([]any, 0, len(r.InvoiceItems))
	for _, it := range r.InvoiceItems {
		items = append(items, map[string]any{
			"description": it.Description,
			"amount":      it.Amount,
		})
	}
	docs := make([]any, 0, len(r.SupportingDocs))
	for _, d := range r.SupportingDocs {
		docs = append(docs, d)
	}

	return map[string]any{
		"claim_id":        r.ClaimID,
		"claimant":        r.Claimant,
		"policy_number":   r.PolicyNumber,
		"incident_date":   r.IncidentDay(),
		"claim_type":      r.ClaimType,
		"claimed_amount":  r.ClaimedAmount,
		"currency":        r.Currency,
		"description":     r.Description,
		"vendor_name":     r.VendorName,
		"invoice_items":   items,
		"supporting_docs": docs,
	}
}

// MalformedClaimError reports a claim input that could not be normalized.
// It is never retried and is surfaced to the caller verbatim.
type MalformedClaimError struct {
	Field  string
	Reason string
}

func (e *MalformedClaimError) Error() string {
	return fmt.Sprintf("malformed claim: field %q %s", e.Field, e.Reason)
}

func malformed(field, format string, args ...any) error {
	return &MalformedClaimError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
