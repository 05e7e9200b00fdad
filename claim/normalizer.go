package claim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// RequiredFields lists the canonical names every submission must carry.
var RequiredFields = []string{"policy_number", "claim_type", "incident_date", "claimed_amount", "description"}

var fieldAliases = map[string][]string{
	"claim_id":        {"claim_id", "claimId", "id"},
	"claimant":        {"claimant", "policy_holder", "policyHolder", "claimant_name", "claimantName"},
	"policy_number":   {"policy_number", "policyNumber", "policy_no", "policy"},
	"incident_date":   {"incident_date", "incidentDate", "date_of_loss", "dateOfLoss"},
	"claim_type":      {"claim_type", "claimType", "type"},
	"claimed_amount":  {"claimed_amount", "claimedAmount", "claim_amount", "claimAmount", "total_amount", "totalAmount", "amount"},
	"currency":        {"currency"},
	"description":     {"description", "details"},
	"vendor_name":     {"vendor_name", "vendorName", "vendor"},
	"invoice_items":   {"invoice_items", "invoiceItems", "items"},
	"supporting_docs": {"supporting_docs", "supportingDocs", "supporting_documents", "supportingDocuments", "documents"},
}

var claimTypeAliases = map[string]string{
	"automobile": "auto",
	"car":        "auto",
	"vehicle":    "auto",
	"motor":      "auto",
	"medical":    "health",
	"healthcare": "health",
	"home":       "property",
	"homeowners": "property",
}

var dateLayouts = []string{
	DateLayout,
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// currencySymbols is checked in order; the first symbol found sets the
// currency.
var currencySymbols = []struct{ symbol, code string }{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
}

// Normalizer converts manual field submissions and JSON documents into a
// Record. It holds no state besides its settings and is safe for concurrent
// use.
type Normalizer struct {
	// DefaultCurrency is used when the amount carries no currency marker.
	DefaultCurrency string
}

// NewNormalizer returns a Normalizer that assumes USD amounts.
func NewNormalizer() *Normalizer {
	return &Normalizer{DefaultCurrency: "USD"}
}

// FromFields normalizes a field-by-field manual submission. Supporting
// documents may be given comma separated; invoice items as a JSON array.
func (n *Normalizer) FromFields(fields map[string]string) (Record, error) {
	raw := make(map[string]any, len(fields))
	for k, v := range fields {
		raw[k] = v
	}
	if v, ok := lookup(raw, "invoice_items"); ok {
		if s, isString := v.(string); isString && strings.TrimSpace(s) != "" {
			var items []any
			dec := json.NewDecoder(strings.NewReader(s))
			dec.UseNumber()
			if err := dec.Decode(&items); err != nil {
				return Record{}, malformed("invoice_items", "is not a JSON array: %v", err)
			}
			setCanonical(raw, "invoice_items", items)
		}
	}
	return n.normalize(raw)
}

// FromJSON normalizes an uploaded JSON claim document.
func (n *Normalizer) FromJSON(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Record{}, malformed("$", "is not a JSON object: %v", err)
	}
	if raw == nil {
		return Record{}, malformed("$", "is empty")
	}
	return n.normalize(raw)
}

func (n *Normalizer) normalize(raw map[string]any) (Record, error) {
	var rec Record
	var err error

	if rec.PolicyNumber, err = requiredString(raw, "policy_number"); err != nil {
		return Record{}, err
	}
	rec.PolicyNumber = strings.ToUpper(strings.Join(strings.Fields(rec.PolicyNumber), ""))

	claimType, err := requiredString(raw, "claim_type")
	if err != nil {
		return Record{}, err
	}
	rec.ClaimType = normalizeClaimType(claimType)

	day, err := requiredString(raw, "incident_date")
	if err != nil {
		return Record{}, err
	}
	if rec.IncidentDate, err = parseDate(day); err != nil {
		return Record{}, malformed("incident_date", "%v", err)
	}

	amountRaw, ok := lookup(raw, "claimed_amount")
	if !ok || isBlank(amountRaw) {
		return Record{}, malformed("claimed_amount", "is required")
	}
	amount, currency, err := parseAmount(amountRaw)
	if err != nil {
		return Record{}, malformed("claimed_amount", "%v", err)
	}
	if amount <= 0 {
		return Record{}, malformed("claimed_amount", "must be positive, got %v", amount)
	}
	rec.ClaimedAmount = amount

	if c, _ := optionalString(raw, "currency"); c != "" {
		currency = strings.ToUpper(c)
	}
	if currency == "" {
		currency = n.DefaultCurrency
	}
	rec.Currency = currency

	if rec.Description, err = requiredString(raw, "description"); err != nil {
		return Record{}, err
	}

	rec.ClaimID, _ = optionalString(raw, "claim_id")
	rec.Claimant, _ = optionalString(raw, "claimant")
	rec.VendorName, _ = optionalString(raw, "vendor_name")

	if rec.InvoiceItems, err = parseInvoiceItems(raw); err != nil {
		return Record{}, err
	}
	if rec.SupportingDocs, err = parseDocs(raw); err != nil {
		return Record{}, err
	}

	return rec, nil
}

func lookup(raw map[string]any, canonical string) (any, bool) {
	for _, key := range fieldAliases[canonical] {
		if v, ok := raw[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func setCanonical(raw map[string]any, canonical string, v any) {
	for _, key := range fieldAliases[canonical] {
		delete(raw, key)
	}
	raw[canonical] = v
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func optionalString(raw map[string]any, field string) (string, error) {
	v, ok := lookup(raw, field)
	if !ok {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return collapse(t), nil
	case json.Number:
		return t.String(), nil
	default:
		return "", malformed(field, "must be a string, got %T", v)
	}
}

func requiredString(raw map[string]any, field string) (string, error) {
	s, err := optionalString(raw, field)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", malformed(field, "is required")
	}
	return s, nil
}

func normalizeClaimType(s string) string {
	t := strings.ToLower(collapse(s))
	t = strings.ReplaceAll(t, " ", "_")
	if alias, ok := claimTypeAliases[t]; ok {
		return alias
	}
	return t
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("has unrecognized date %q", s)
}

// parseAmount accepts JSON numbers and strings such as "$1,234.50",
// "1.234,50 EUR" or "USD 500" and returns the value with any currency code
// it found.
func parseAmount(v any) (float64, string, error) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, "", fmt.Errorf("is not a number: %v", err)
		}
		return checkFinite(f)
	case float64:
		return checkFinite(t)
	case string:
		return parseAmountString(t)
	default:
		return 0, "", fmt.Errorf("must be a number or string, got %T", v)
	}
}

func checkFinite(f float64) (float64, string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "", fmt.Errorf("is not finite")
	}
	return f, "", nil
}

func parseAmountString(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	currency := ""

	for _, cs := range currencySymbols {
		if !strings.Contains(s, cs.symbol) {
			continue
		}
		if currency == "" {
			currency = cs.code
		}
		s = strings.ReplaceAll(s, cs.symbol, "")
	}

	fields := strings.Fields(s)
	var numeric []string
	for _, f := range fields {
		if len(f) == 3 && isAlpha(f) {
			currency = strings.ToUpper(f)
			continue
		}
		numeric = append(numeric, f)
	}
	if len(numeric) == 0 {
		return 0, "", fmt.Errorf("has no numeric value in %q", s)
	}
	num := strings.Join(numeric, "")

	lastComma := strings.LastIndex(num, ",")
	lastDot := strings.LastIndex(num, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// 1.234,50
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			// 1,234.50
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(num, ",") == 1 && len(num)-lastComma-1 != 3 {
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case strings.Count(num, ".") > 1:
		num = strings.ReplaceAll(num, ".", "")
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", fmt.Errorf("is not a number: %q", s)
	}
	f, _, err = checkFinite(f)
	return f, currency, err
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func parseInvoiceItems(raw map[string]any) ([]InvoiceItem, error) {
	v, ok := lookup(raw, "invoice_items")
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, malformed("invoice_items", "must be an array, got %T", v)
	}

	items := make([]InvoiceItem, 0, len(list))
	for i, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, malformed(fmt.Sprintf("invoice_items[%d]", i), "must be an object")
		}
		var item InvoiceItem
		for _, key := range []string{"description", "item", "name"} {
			if s, ok := obj[key].(string); ok {
				item.Description = collapse(s)
				break
			}
		}
		for _, key := range []string{"amount", "price", "cost"} {
			if a, ok := obj[key]; ok {
				amount, _, err := parseAmount(a)
				if err != nil {
					return nil, malformed(fmt.Sprintf("invoice_items[%d].%s", i, key), "%v", err)
				}
				item.Amount = amount
				break
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func parseDocs(raw map[string]any) ([]string, error) {
	v, ok := lookup(raw, "supporting_docs")
	if !ok {
		return nil, nil
	}

	var docs []string
	switch t := v.(type) {
	case string:
		for _, part := range strings.Split(t, ",") {
			if p := collapse(part); p != "" {
				docs = append(docs, p)
			}
		}
	case []any:
		for i, entry := range t {
			s, ok := entry.(string)
			if !ok {
				return nil, malformed(fmt.Sprintf("supporting_docs[%d]", i), "must be a string")
			}
			if p := collapse(s); p != "" {
				docs = append(docs, p)
			}
		}
	default:
		return nil, malformed("supporting_docs", "must be a list or comma separated string")
	}
	return docs, nil
}
