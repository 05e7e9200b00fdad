package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index doing brute-force cosine similarity.
// It is meant for local runs and tests; production corpora live behind a
// dedicated vector store.
type MemoryIndex struct {
	embedder Embedder

	mu      sync.RWMutex
	clauses []PolicyClause
}

func NewMemoryIndex(embedder Embedder) *MemoryIndex {
	return &MemoryIndex{embedder: embedder}
}

// Add embeds clauses that have no embedding yet and adds them to the index.
func (idx *MemoryIndex) Add(ctx context.Context, clauses ...PolicyClause) error {
	var pending []int
	var texts []string
	for i, c := range clauses {
		if len(c.Embedding) == 0 {
			pending = append(pending, i)
			texts = append(texts, c.Text)
		}
	}

	if len(texts) > 0 {
		vectors, err := idx.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed clauses: %w", err)
		}
		for n, i := range pending {
			clauses[i].Embedding = vectors[n]
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.clauses = append(idx.clauses, clauses...)
	return nil
}

// Len returns the number of indexed clauses.
func (idx *MemoryIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.clauses)
}

func (idx *MemoryIndex) Query(ctx context.Context, text string, topK int) (Result, error) {
	if topK <= 0 {
		return Result{}, nil
	}

	vectors, err := idx.embedder.Embed(ctx, []string{text})
	if err != nil {
		return Result{}, fmt.Errorf("embed query: %w", err)
	}
	query := vectors[0]

	idx.mu.RLock()
	scored := make([]ScoredClause, 0, len(idx.clauses))
	for _, c := range idx.clauses {
		score := cosine(query, c.Embedding)
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredClause{PolicyClause: c, Score: score})
	}
	idx.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	sortClauses(scored)
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return Result{Clauses: scored}, nil
}

func sortClauses(clauses []ScoredClause) {
	sort.SliceStable(clauses, func(i, j int) bool {
		if clauses[i].Score != clauses[j].Score {
			return clauses[i].Score > clauses[j].Score
		}
		return clauses[i].ID < clauses[j].ID
	})
}
