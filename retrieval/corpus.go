package retrieval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Chunking parameters for policy text.
const (
	ChunkSize     = 500
	ChunkOverlap  = 50
	MinChunkChars = 50
)

// Corpus is the on-disk policy document format.
type Corpus struct {
	Documents []Document `yaml:"documents" json:"documents"`
}

type Document struct {
	ID       string    `yaml:"id" json:"id"`
	Title    string    `yaml:"title" json:"title"`
	Sections []Section `yaml:"sections" json:"sections"`
}

type Section struct {
	Name string `yaml:"name" json:"name"`
	Page int    `yaml:"page" json:"page"`
	Text string `yaml:"text" json:"text"`
}

// LoadCorpus reads a YAML or JSON corpus file and chunks it into clauses.
func LoadCorpus(path string) ([]PolicyClause, error) {
	// #nosec G304 -- path is operator-provided config path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}

	var corpus Corpus
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &corpus)
	} else {
		err = yaml.Unmarshal(data, &corpus)
	}
	if err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return corpus.Clauses()
}

// Clauses splits every section into overlapping chunks. Clause ids are
// <document>-<section>-<chunk>, numbered from 1.
func (c Corpus) Clauses() ([]PolicyClause, error) {
	var out []PolicyClause
	seen := make(map[string]bool)
	for _, doc := range c.Documents {
		if doc.ID == "" {
			return nil, fmt.Errorf("corpus document %q has no id", doc.Title)
		}
		if seen[doc.ID] {
			return nil, fmt.Errorf("duplicate corpus document id %q", doc.ID)
		}
		seen[doc.ID] = true

		for si, sec := range doc.Sections {
			for ci, text := range Chunk(sec.Text, ChunkSize, ChunkOverlap) {
				out = append(out, PolicyClause{
					ID:         fmt.Sprintf("%s-%d-%d", doc.ID, si+1, ci+1),
					DocumentID: doc.ID,
					Section:    sec.Name,
					Page:       sec.Page,
					Text:       text,
				})
			}
		}
	}
	return out, nil
}

// Chunk collapses whitespace and cuts text into windows of size runes that
// overlap by overlap runes. Windows shorter than MinChunkChars after
// trimming are dropped. A non-positive size yields no chunks.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	runes := []rune(strings.Join(strings.Fields(text), " "))
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		chunk := strings.TrimSpace(string(runes[start:end]))
		if utf8.RuneCountInString(chunk) >= MinChunkChars {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
