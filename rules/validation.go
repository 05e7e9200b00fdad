package rules

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	ruleIDPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

const (
	maxRules         = 500
	maxIdentifierLen = 100
)

// ValidateRuleSet checks identifiers and structure before anything is
// compiled. Expressions are checked later by the engine.
func ValidateRuleSet(rs *RuleSet) error {
	if rs.Version == nil {
		return fmt.Errorf("rule set %q has no version", rs.Name)
	}
	if len(rs.Rules) == 0 {
		return fmt.Errorf("rule set %q must contain at least one rule", rs.Name)
	}
	if len(rs.Rules) > maxRules {
		return fmt.Errorf("rule set contains %d rules, maximum allowed is %d", len(rs.Rules), maxRules)
	}

	seen := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if err := validateRuleID(r.ID); err != nil {
			return fmt.Errorf("invalid rule id %q: %w", r.ID, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("rule %q has an empty expression", r.ID)
		}
		if r.ClaimType != AnyClaimType {
			if err := validateIdentifier(r.ClaimType); err != nil {
				return fmt.Errorf("rule %q has invalid claim type %q: %w", r.ID, r.ClaimType, err)
			}
		}
	}

	for claimType, ref := range rs.References {
		if claimType != AnyClaimType {
			if err := validateIdentifier(claimType); err != nil {
				return fmt.Errorf("invalid reference claim type %q: %w", claimType, err)
			}
		}
		for key := range ref.Extra {
			if err := validateIdentifier(key); err != nil {
				return fmt.Errorf("invalid reference key %q for %q: %w", key, claimType, err)
			}
		}
		if ref.PolicyStart != "" && ref.PolicyEnd != "" && ref.PolicyEnd < ref.PolicyStart {
			return fmt.Errorf("reference %q: policy_end %s precedes policy_start %s", claimType, ref.PolicyEnd, ref.PolicyStart)
		}
	}

	return nil
}

func validateRuleID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(id), maxIdentifierLen)
	}
	if !ruleIDPattern.MatchString(id) {
		return fmt.Errorf("must match pattern %s", ruleIDPattern)
	}
	return nil
}

// validateIdentifier applies to names that CEL expressions reach through
// field selection, so they must be valid CEL identifiers.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLen)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern)
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// isReservedKeyword reports CEL reserved words.
func isReservedKeyword(name string) bool {
	switch name {
	case "true", "false", "null",
		"if", "else", "for", "while", "break", "continue", "return",
		"var", "let", "const", "function",
		"in", "as", "import", "package", "namespace", "loop", "void":
		return true
	}
	return false
}
