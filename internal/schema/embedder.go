package schema

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// hashDimensions is the fixed width of a HashingEmbedder vector. Wide enough
// that token collisions rarely wash out a short object/field name.
const hashDimensions = 256

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// HashingEmbedder is a deterministic, dependency-free stand-in for a real
// embeddings API: it hashes each lowercased token into a fixed-width bucket
// and L2-normalizes the result. No embeddings client appears anywhere in the
// retrieval pack (see DESIGN.md), so production wiring defaults to this
// rather than inventing a fake SDK dependency; a deployment that wants
// semantic embeddings swaps in its provider's client behind the same
// Embedder interface.
type HashingEmbedder struct{}

// NewHashingEmbedder constructs the default production Embedder.
func NewHashingEmbedder() HashingEmbedder { return HashingEmbedder{} }

// Embed implements Embedder.
func (HashingEmbedder) Embed(text string) ([]float64, error) {
	vec := make([]float64, hashDimensions)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%hashDimensions]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}
