package reasoner

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const outputSchemaURL = "https://claims.local/schemas/decision.schema.json"

const outputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["verdict", "justification", "clause_ids", "confidence"],
  "properties": {
    "verdict": {"enum": ["approved", "rejected", "needs_review"]},
    "justification": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "clause_ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var outputSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(outputSchemaURL, strings.NewReader(outputSchemaJSON)); err != nil {
		panic(fmt.Sprintf("decision schema load failed: %v", err))
	}
	schema, err := c.Compile(outputSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("decision schema compile failed: %v", err))
	}
	return schema
}

// oracleOutput is the only shape accepted from the oracle.
type oracleOutput struct {
	Verdict       Verdict  `json:"verdict"`
	Justification string   `json:"justification"`
	ClauseIDs     []string `json:"clause_ids"`
	Confidence    float64  `json:"confidence"`
}

var (
	errNoJSON    = errors.New("no JSON object in oracle output")
	fencedObject = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")
)

// parseOutput extracts, schema-checks and decodes raw oracle output. Cited
// clause ids must all be in allowed.
func parseOutput(raw string, allowed map[string]bool) (oracleOutput, error) {
	text, err := extractJSON(raw)
	if err != nil {
		return oracleOutput{}, err
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return oracleOutput{}, fmt.Errorf("decode oracle output: %w", err)
	}
	if err := outputSchema.Validate(doc); err != nil {
		return oracleOutput{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var out oracleOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return oracleOutput{}, fmt.Errorf("decode oracle output: %w", err)
	}
	for _, id := range out.ClauseIDs {
		if !allowed[id] {
			return oracleOutput{}, fmt.Errorf("clause %q was not offered for this claim", id)
		}
	}
	return out, nil
}

// extractJSON finds the JSON object in raw: the whole text, a fenced code
// block, or the first balanced object.
func extractJSON(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	if m := fencedObject.FindStringSubmatch(trimmed); m != nil && json.Valid([]byte(m[1])) {
		return m[1], nil
	}

	if obj, ok := firstObject(trimmed); ok {
		return obj, nil
	}
	return "", errNoJSON
}

// firstObject scans for the first brace-balanced substring that parses as
// JSON, honouring string literals.
func firstObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		depth := 0
		inString, escaped := false, false
		for i := start; i < len(s); i++ {
			ch := s[i]
			switch {
			case escaped:
				escaped = false
			case inString && ch == '\\':
				escaped = true
			case ch == '"':
				inString = !inString
			case inString:
			case ch == '{':
				depth++
			case ch == '}':
				depth--
				if depth == 0 {
					if candidate := s[start : i+1]; json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(s)
				}
			}
		}

		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}
