package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Index = (*MemoryIndex)(nil)

func testClauses() []PolicyClause {
	return []PolicyClause{
		{ID: "auto-1-1", DocumentID: "auto", Text: "Collision coverage pays for damage to your vehicle after an accident with another car."},
		{ID: "auto-2-1", DocumentID: "auto", Text: "Racing and commercial use of the vehicle are excluded from coverage."},
		{ID: "health-1-1", DocumentID: "health", Text: "Hospital stays and doctor visits are covered up to the annual limit."},
		{ID: "property-1-1", DocumentID: "property", Text: "Flood and earthquake damage to the house are excluded."},
	}
}

func newTestIndex(t *testing.T) *MemoryIndex {
	t.Helper()
	idx := NewMemoryIndex(NewHashEmbedder(256, nil))
	require.NoError(t, idx.Add(context.Background(), testClauses()...))
	return idx
}

func TestMemoryIndexQuery(t *testing.T) {
	idx := newTestIndex(t)
	assert.Equal(t, 4, idx.Len())

	res, err := idx.Query(context.Background(), "car accident damage", 2)
	require.NoError(t, err)
	require.NotEmpty(t, res.Clauses)
	assert.LessOrEqual(t, len(res.Clauses), 2)
	assert.Equal(t, "auto-1-1", res.Clauses[0].ID)

	for i := 1; i < len(res.Clauses); i++ {
		assert.GreaterOrEqual(t, res.Clauses[i-1].Score, res.Clauses[i].Score)
	}
	for _, c := range res.Clauses {
		assert.Greater(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0+1e-9)
	}
}

func TestMemoryIndexNoMatch(t *testing.T) {
	idx := newTestIndex(t)

	res, err := idx.Query(context.Background(), "the and of", 5)
	require.NoError(t, err)
	assert.Empty(t, res.Clauses)

	res, err = idx.Query(context.Background(), "vehicle", 0)
	require.NoError(t, err)
	assert.Empty(t, res.Clauses)
}

func TestMemoryIndexKeepsPrecomputedEmbeddings(t *testing.T) {
	idx := NewMemoryIndex(NewHashEmbedder(4, nil))
	pre := PolicyClause{ID: "x", Text: "anything", Embedding: []float32{1, 0, 0, 0}}
	require.NoError(t, idx.Add(context.Background(), pre))

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	assert.Equal(t, []float32{1, 0, 0, 0}, idx.clauses[0].Embedding)
}

func TestMemoryIndexCancelled(t *testing.T) {
	idx := newTestIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Query(ctx, "vehicle", 3)
	assert.ErrorIs(t, err, context.Canceled)
}
