package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashEmbedder is a bag-of-words hashing embedder. It needs no network and
// gives stable vectors, which makes it the default for tests and offline
// deployments.
type HashEmbedder struct {
	dim      int
	synonyms map[string]string
}

// NewHashEmbedder creates an embedder of dimension dim. Synonyms map words
// to a canonical term before hashing and may be nil.
func NewHashEmbedder(dim int, synonyms map[string]string) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	if synonyms == nil {
		synonyms = defaultSynonyms
	}
	return &HashEmbedder{dim: dim, synonyms: synonyms}
}

func (h *HashEmbedder) Name() string { return "hash" }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vec := make([]float32, h.dim)
		for _, w := range Terms(t) {
			if canonical, ok := h.synonyms[w]; ok {
				w = canonical
			}
			f := fnv.New32a()
			_, _ = f.Write([]byte(w))
			vec[f.Sum32()%uint32(h.dim)] += 1.0
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

// Terms lower-cases text, strips punctuation and drops stop words.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	out := fields[:0]
	for _, w := range fields {
		if len(w) < 2 || stopWords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1 / math.Sqrt(sumSq))
	for i, v := range vec {
		vec[i] = v * norm
	}
}

// cosine assumes both vectors are L2-normalized.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

var defaultSynonyms = map[string]string{
	"car":        "vehicle",
	"automobile": "vehicle",
	"auto":       "vehicle",
	"collision":  "accident",
	"crash":      "accident",
	"bender":     "accident",
	"medical":    "health",
	"hospital":   "health",
	"doctor":     "health",
	"house":      "property",
	"home":       "property",
	"stolen":     "theft",
	"limits":     "limit",
	"exclusions": "exclusion",
	"excluded":   "exclusion",
}

var stopWords = map[string]bool{
	"me": true, "my": true, "myself": true, "we": true, "our": true, "ours": true, "you": true, "your": true,
	"he": true, "him": true, "his": true, "she": true, "her": true, "it": true, "its": true, "they": true,
	"them": true, "their": true, "what": true, "which": true, "who": true, "whom": true, "this": true,
	"that": true, "these": true, "those": true, "am": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "an": true, "the": true, "and": true, "but": true, "if": true, "or": true, "because": true,
	"as": true, "until": true, "while": true, "of": true, "at": true, "by": true, "for": true, "with": true,
	"about": true, "into": true, "through": true, "during": true, "before": true, "after": true, "to": true,
	"from": true, "up": true, "down": true, "in": true, "out": true, "on": true, "off": true, "over": true,
	"under": true, "then": true, "once": true, "here": true, "there": true, "when": true, "where": true,
	"why": true, "how": true, "all": true, "any": true, "both": true, "each": true, "few": true, "more": true,
	"most": true, "other": true, "some": true, "such": true, "no": true, "nor": true, "not": true, "only": true,
	"own": true, "same": true, "so": true, "than": true, "too": true, "very": true, "can": true, "will": true,
	"just": true, "should": true, "now": true, "please": true, "claim": true, "claimed": true,
}
