package rules

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Every query is
// scoped to one rule set key so several versions can share the table.
type PostgresRuleStore struct {
	db      *sql.DB
	ruleSet string
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore for ruleSet,
// usually RuleSet.Key().
func NewPostgresRuleStore(db *sql.DB, ruleSet string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:      db,
		ruleSet: ruleSet,
	}
}

const ruleColumns = `id, name, claim_type, expression, disqualifying, explanation, active, created_at, updated_at`

func (s *PostgresRuleStore) Add(rule *Rule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND rule_set = $2)
	`, rule.ID, s.ruleSet).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (id, rule_set, name, claim_type, expression, disqualifying, explanation, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rule.ID, s.ruleSet, rule.Name, rule.ClaimType, rule.Expression, rule.Disqualifying,
		rule.Explanation, rule.Active, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND rule_set = $2
	`, id, s.ruleSet)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// ListActive returns the active rules of the rule set ordered by id.
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	rows, err := s.db.Query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE rule_set = $1 AND active = true
		ORDER BY id ASC
	`, s.ruleSet)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

func (s *PostgresRuleStore) Update(rule *Rule) error {
	rule.UpdatedAt = time.Now().UTC()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, claim_type = $2, expression = $3, disqualifying = $4,
			explanation = $5, active = $6, updated_at = $7
		WHERE id = $8 AND rule_set = $9
	`, rule.Name, rule.ClaimType, rule.Expression, rule.Disqualifying,
		rule.Explanation, rule.Active, rule.UpdatedAt, rule.ID, s.ruleSet)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	return nil
}

func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND rule_set = $2
	`, id, s.ruleSet)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	if err := row.Scan(&r.ID, &r.Name, &r.ClaimType, &r.Expression, &r.Disqualifying,
		&r.Explanation, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
