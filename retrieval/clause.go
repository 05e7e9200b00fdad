// Package retrieval finds the policy clauses relevant to a claim.
package retrieval

import (
	"context"
	"fmt"
)

// PolicyClause is one chunk of a policy document. Clauses are owned by the
// index and never modified after loading.
type PolicyClause struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Section    string    `json:"section,omitempty"`
	Page       int       `json:"page,omitempty"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
}

// ScoredClause is a clause with its relevance in [0,1].
type ScoredClause struct {
	PolicyClause
	Score float64 `json:"score"`
}

// Result is an ordered clause list: at most K clauses, unique by id, sorted
// by descending score then ascending id. Queries is set on merged results.
type Result struct {
	Queries []string       `json:"queries,omitempty"`
	Clauses []ScoredClause `json:"clauses"`
}

// IDs returns the clause ids in rank order.
func (r Result) IDs() []string {
	ids := make([]string, 0, len(r.Clauses))
	for _, c := range r.Clauses {
		ids = append(ids, c.ID)
	}
	return ids
}

// Index answers similarity queries over the policy corpus. Implementations
// must be safe for concurrent use and honour ctx deadlines.
type Index interface {
	Query(ctx context.Context, text string, topK int) (Result, error)
}

// RetrievalUnavailableError is returned once a query has exhausted its
// retry budget. The run cannot continue without policy context.
type RetrievalUnavailableError struct {
	Query    string
	Attempts int
	Err      error
}

func (e *RetrievalUnavailableError) Error() string {
	return fmt.Sprintf("policy index unavailable after %d attempts for query %q: %v", e.Attempts, e.Query, e.Err)
}

func (e *RetrievalUnavailableError) Unwrap() error {
	return e.Err
}
