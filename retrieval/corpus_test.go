package retrieval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	text := strings.Repeat("abcdefghij", 120) // 1200 runes

	chunks := Chunk(text, ChunkSize, ChunkOverlap)
	require.Len(t, chunks, 3)
	assert.Equal(t, 500, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, 500, utf8.RuneCountInString(chunks[1]))
	assert.Equal(t, 300, utf8.RuneCountInString(chunks[2]))
	assert.Equal(t, chunks[0][450:], chunks[1][:50], "consecutive chunks overlap")
}

func TestChunkDropsShortText(t *testing.T) {
	assert.Empty(t, Chunk("Too short to be a clause.", ChunkSize, ChunkOverlap))
	assert.Empty(t, Chunk("   \n\t ", ChunkSize, ChunkOverlap))

	got := Chunk("Deductible   applies\n\nto every   collision claim under this policy.", ChunkSize, ChunkOverlap)
	require.Len(t, got, 1)
	assert.Equal(t, "Deductible applies to every collision claim under this policy.", got[0])
}

func TestChunkNonPositiveSize(t *testing.T) {
	text := strings.Repeat("collision coverage ", 20)
	assert.Nil(t, Chunk(text, 0, ChunkOverlap))
	assert.Nil(t, Chunk(text, -5, 0))
}

const corpusYAML = `
documents:
  - id: auto
    title: Auto policy
    sections:
      - name: Collision
        page: 2
        text: Collision coverage pays for damage to the insured vehicle caused by an accident.
      - name: Short
        text: tiny
`

func TestLoadCorpusYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(corpusYAML), 0o600))

	clauses, err := LoadCorpus(path)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, "auto-1-1", clauses[0].ID)
	assert.Equal(t, "auto", clauses[0].DocumentID)
	assert.Equal(t, "Collision", clauses[0].Section)
	assert.Equal(t, 2, clauses[0].Page)
}

func TestLoadCorpusJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.json")
	body := `{"documents":[{"id":"travel","sections":[{"name":"Cancellation","text":"Trip cancellation is covered when a covered illness prevents travel."}]}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	clauses, err := LoadCorpus(path)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, "travel-1-1", clauses[0].ID)
}

func TestCorpusRejectsBadDocuments(t *testing.T) {
	_, err := Corpus{Documents: []Document{{Title: "untitled"}}}.Clauses()
	assert.Error(t, err)

	_, err = Corpus{Documents: []Document{{ID: "a"}, {ID: "a"}}}.Clauses()
	assert.Error(t, err)
}

func TestShippedCorpusLoads(t *testing.T) {
	clauses, err := LoadCorpus(filepath.Join("..", "data", "policies.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, clauses)

	ids := make(map[string]bool)
	for _, c := range clauses {
		assert.False(t, ids[c.ID], "duplicate clause id %s", c.ID)
		ids[c.ID] = true
		assert.GreaterOrEqual(t, utf8.RuneCountInString(c.Text), MinChunkChars)
	}
}
