package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// bowDimensions is the fixed hashed-vocabulary size of the fallback.
const bowDimensions = 512

// BagOfWordsEngine is the degraded mode used when no embedding backend is
// available: a normalized hashed bag-of-words vector. It is deterministic
// and cheap, and it reports Semantic() == false.
type BagOfWordsEngine struct{}

// NewBagOfWordsEngine creates the fallback engine.
func NewBagOfWordsEngine() *BagOfWordsEngine {
	return &BagOfWordsEngine{}
}

// Embed hashes lowercased word tokens into a fixed-size vector and
// L2-normalizes it.
func (e *BagOfWordsEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, bowDimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]{}")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%bowDimensions]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// Dimensions returns the hashed vocabulary size.
func (e *BagOfWordsEngine) Dimensions() int { return bowDimensions }

// Name returns the engine name.
func (e *BagOfWordsEngine) Name() string { return "bag-of-words" }

// Semantic reports false: this is a lexical fallback, not an embedding.
func (e *BagOfWordsEngine) Semantic() bool { return false }
