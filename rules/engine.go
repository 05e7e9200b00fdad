package rules

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// costLimit bounds the work a single rule evaluation may do.
const costLimit = 1000000

// Engine manages the CEL environment and rule compilation/evaluation.
// Compiled programs are guarded by an RWMutex so evaluation can run
// concurrently with compilation.
type Engine struct {
	env      *cel.Env
	store    RuleStore
	cache    RulesCache             // cache for active rules list
	programs map[string]cel.Program // ruleID -> compiled program
	mu       sync.RWMutex
}

// NewClaimEnv returns the CEL environment rule expressions are checked
// against: `claim` is the normalized claim, `ref` the reference tables for
// its type and `as_of` the civil date the claim is judged on.
func NewClaimEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("claim", cel.DynType),
		cel.Variable("ref", cel.DynType),
		cel.Variable("as_of", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// NewEngine creates a rules engine over store with the claim environment
// and an in-memory active rules cache.
func NewEngine(store RuleStore) (*Engine, error) {
	env, err := NewClaimEnv()
	if err != nil {
		return nil, err
	}
	return NewEngineWithEnv(env, store)
}

// NewEngineWithEnv creates a rules engine with a custom CEL environment.
func NewEngineWithEnv(env *cel.Env, store RuleStore) (*Engine, error) {
	return NewEngineWithCache(env, store, NewInMemoryRulesCache(DefaultCacheConfig()))
}

// NewEngineWithCache creates a rules engine that keeps its active rules
// list in cache, e.g. a RedisRulesCache shared between replicas.
func NewEngineWithCache(env *cel.Env, store RuleStore, cache RulesCache) (*Engine, error) {
	en := &Engine{
		env:      env,
		store:    store,
		cache:    cache,
		programs: make(map[string]cel.Program),
	}

	if err := en.CompileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// CompileRule compiles a single rule expression to a CEL program and caches
// it under ruleID. Expressions must type-check to bool or dyn.
func (en *Engine) CompileRule(ruleID, expression string) error {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return fmt.Errorf("compile error: expression returns %s, want bool", t)
	}

	prog, err := en.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[ruleID] = prog
	en.mu.Unlock()

	return nil
}

// CompileAllRules compiles all active rules from the store and populates
// the cache with the active rules list.
func (en *Engine) CompileAllRules() error {
	rules, err := en.store.ListActive()
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if err := en.CompileRule(rule.ID, rule.Expression); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
		}
	}

	en.cache.Set(rules)

	return nil
}

// EvaluateClaim evaluates every active rule that applies to claimType
// exactly once, in rule id order. A rule that errors or yields a non-bool
// is recorded as failed with a RuleEvaluationError and the batch continues.
func (en *Engine) EvaluateClaim(claimType string, vars map[string]any) ([]RuleResult, error) {
	rules, err := en.activeRules()
	if err != nil {
		return nil, err
	}

	applicable := applicableRules(rules, claimType)
	results := make([]RuleResult, 0, len(applicable))
	for _, r := range applicable {
		results = append(results, en.evaluate(r, vars))
	}
	return results, nil
}

// UnreadableResults records every rule in rules that applies to claimType
// as failed with cause, in rule id order. It stands in for EvaluateClaim
// when the active rules list cannot be read.
func UnreadableResults(rules []*Rule, claimType string, vars map[string]any, cause error) []RuleResult {
	applicable := applicableRules(rules, claimType)
	results := make([]RuleResult, 0, len(applicable))
	for _, r := range applicable {
		res := RuleResult{
			RuleID:        r.ID,
			Name:          r.Name,
			Disqualifying: r.Disqualifying,
			Explanation:   renderExplanation(r.Explanation, vars),
		}
		results = append(results, res.failed(cause))
	}
	return results
}

func applicableRules(rules []*Rule, claimType string) []*Rule {
	applicable := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active && r.AppliesTo(claimType) {
			applicable = append(applicable, r)
		}
	}
	sort.Slice(applicable, func(i, j int) bool { return applicable[i].ID < applicable[j].ID })
	return applicable
}

// activeRules reads the cached rules list, falling back to the store.
func (en *Engine) activeRules() ([]*Rule, error) {
	if rules := en.cache.Get(); rules != nil {
		return rules, nil
	}

	rules, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}
	en.cache.Set(rules)
	return rules, nil
}

func (en *Engine) evaluate(rule *Rule, vars map[string]any) RuleResult {
	res := RuleResult{
		RuleID:        rule.ID,
		Name:          rule.Name,
		Disqualifying: rule.Disqualifying,
		Explanation:   renderExplanation(rule.Explanation, vars),
	}

	en.mu.RLock()
	prog, exists := en.programs[rule.ID]
	en.mu.RUnlock()

	if !exists {
		return res.failed(fmt.Errorf("rule is not compiled"))
	}

	out, _, err := prog.Eval(vars)
	if err != nil {
		return res.failed(err)
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return res.failed(fmt.Errorf("expression returned %s, want bool", out.Type().TypeName()))
	}
	res.Passed = passed
	return res
}

func (res RuleResult) failed(err error) RuleResult {
	res.Passed = false
	res.Err = &RuleEvaluationError{RuleID: res.RuleID, Err: err}
	res.Error = res.Err.Error()
	return res
}

// renderExplanation substitutes ${claim.field}, ${ref.key} and ${as_of}.
// Unknown references render as "?".
func renderExplanation(tmpl string, vars map[string]any) string {
	if !strings.Contains(tmpl, "$") {
		return tmpl
	}
	return os.Expand(tmpl, func(key string) string {
		scope, field, nested := strings.Cut(key, ".")
		v, ok := vars[scope]
		if !ok {
			return "?"
		}
		if nested {
			m, isMap := v.(map[string]any)
			if !isMap {
				return "?"
			}
			if v, ok = m[field]; !ok {
				return "?"
			}
		}
		return formatValue(v)
	})
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
