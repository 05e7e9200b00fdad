package rules

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

//go:embed default_ruleset.yaml
var defaultRuleSetYAML []byte

// Reference holds the per-claim-type tables rule expressions read through
// the `ref` variable. Unset fields are left out of the map so a rule that
// depends on them fails evaluation instead of comparing against zero.
type Reference struct {
	CoverageLimit   float64        `yaml:"coverage_limit" json:"coverage_limit,omitempty"`
	ReviewThreshold float64        `yaml:"review_threshold" json:"review_threshold,omitempty"`
	PolicyStart     string         `yaml:"policy_start" json:"policy_start,omitempty"`
	PolicyEnd       string         `yaml:"policy_end" json:"policy_end,omitempty"`
	ExcludedTerms   []string       `yaml:"excluded_terms" json:"excluded_terms,omitempty"`
	Extra           map[string]any `yaml:"extra" json:"extra,omitempty"`
}

// RuleSet is a versioned collection of rules plus reference tables.
type RuleSet struct {
	Name       string
	Version    *semver.Version
	AsOf       string
	Rules      []*Rule
	References map[string]Reference
}

type ruleSetFile struct {
	Name       string               `yaml:"name"`
	Version    string               `yaml:"version"`
	AsOf       string               `yaml:"as_of"`
	References map[string]Reference `yaml:"references"`
	Rules      []ruleFile           `yaml:"rules"`
}

type ruleFile struct {
	Rule   `yaml:",inline"`
	Active *bool `yaml:"active"`
}

// ParseRuleSet decodes and validates a YAML rule set. Rules default to
// active and to the wildcard claim type.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var f ruleSetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}

	version, err := semver.NewVersion(f.Version)
	if err != nil {
		return nil, fmt.Errorf("rule set %q: invalid version %q: %w", f.Name, f.Version, err)
	}

	rs := &RuleSet{
		Name:       f.Name,
		Version:    version,
		AsOf:       f.AsOf,
		References: f.References,
	}
	if rs.Name == "" {
		rs.Name = "default"
	}
	if rs.References == nil {
		rs.References = map[string]Reference{}
	}

	for i := range f.Rules {
		r := f.Rules[i].Rule
		r.Active = f.Rules[i].Active == nil || *f.Rules[i].Active
		if r.ClaimType == "" {
			r.ClaimType = AnyClaimType
		}
		if r.Name == "" {
			r.Name = r.ID
		}
		rs.Rules = append(rs.Rules, &r)
	}
	sort.Slice(rs.Rules, func(i, j int) bool { return rs.Rules[i].ID < rs.Rules[j].ID })

	if err := ValidateRuleSet(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadRuleSet reads a rule set from path, or the embedded default rule set
// when path is empty.
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet()
	}
	// #nosec G304 -- path is operator-provided config path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}
	return ParseRuleSet(data)
}

// DefaultRuleSet returns the rule set compiled into the binary.
func DefaultRuleSet() (*RuleSet, error) {
	return ParseRuleSet(defaultRuleSetYAML)
}

// Key identifies the rule set in stores and caches.
func (rs *RuleSet) Key() string {
	return rs.Name + "@" + rs.Version.String()
}

// Satisfies checks the rule set version against a semver constraint such
// as "^1.2". An empty constraint always matches.
func (rs *RuleSet) Satisfies(constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid rule set version constraint %q: %w", constraint, err)
	}
	if ok, errs := c.Validate(rs.Version); !ok {
		return fmt.Errorf("rule set %s does not satisfy %q: %v", rs.Key(), constraint, errs)
	}
	return nil
}

// ReferenceFor merges the wildcard reference with the claim-type specific
// one into the map exposed to expressions.
func (rs *RuleSet) ReferenceFor(claimType string) map[string]any {
	out := map[string]any{"excluded_terms": []any{}}
	merge := func(ref Reference) {
		if ref.CoverageLimit != 0 {
			out["coverage_limit"] = ref.CoverageLimit
		}
		if ref.ReviewThreshold != 0 {
			out["review_threshold"] = ref.ReviewThreshold
		}
		if ref.PolicyStart != "" {
			out["policy_start"] = ref.PolicyStart
		}
		if ref.PolicyEnd != "" {
			out["policy_end"] = ref.PolicyEnd
		}
		if len(ref.ExcludedTerms) > 0 {
			terms := out["excluded_terms"].([]any)
			for _, t := range ref.ExcludedTerms {
				terms = append(terms, t)
			}
			out["excluded_terms"] = terms
		}
		for k, v := range ref.Extra {
			out[k] = v
		}
	}

	if ref, ok := rs.References[AnyClaimType]; ok {
		merge(ref)
	}
	if ref, ok := rs.References[claimType]; ok && claimType != AnyClaimType {
		merge(ref)
	}
	return out
}
