package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrRuleNotFound is returned by stores when a rule id is unknown.
var ErrRuleNotFound = errors.New("rule not found")

// RuleStore manages rule persistence and retrieval for one rule set.
type RuleStore interface {
	// Add a new rule
	Add(rule *Rule) error

	// Get a rule by ID
	Get(id string) (*Rule, error)

	// List all active rules
	ListActive() ([]*Rule, error)

	// Update an existing rule
	Update(rule *Rule) error

	// Delete a rule
	Delete(id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

// Add stores a copy of rule and stamps its timestamps. Rule ids are unique.
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	out := *rule
	return &out, nil
}

// ListActive returns copies of all active rules ordered by id.
func (s *InMemoryRuleStore) ListActive() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Rule
	for _, rule := range s.rules {
		if rule.Active {
			r := *rule
			active = append(active, &r)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// Update replaces an existing rule, preserving CreatedAt.
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	return nil
}

// syncStore makes store hold exactly the rules of rs: new rules are added,
// existing ones updated and active rules no longer in the set deleted.
func syncStore(store RuleStore, rs *RuleSet) error {
	wanted := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		wanted[r.ID] = true
		rule := *r

		_, err := store.Get(r.ID)
		switch {
		case err == nil:
			if err := store.Update(&rule); err != nil {
				return fmt.Errorf("update rule %s: %w", r.ID, err)
			}
		case errors.Is(err, ErrRuleNotFound):
			if err := store.Add(&rule); err != nil {
				return fmt.Errorf("add rule %s: %w", r.ID, err)
			}
		default:
			return err
		}
	}

	active, err := store.ListActive()
	if err != nil {
		return err
	}
	for _, r := range active {
		if !wanted[r.ID] {
			if err := store.Delete(r.ID); err != nil {
				return fmt.Errorf("delete stale rule %s: %w", r.ID, err)
			}
		}
	}
	return nil
}
