// Package embedding provides vector embedding generation for semantic
// heuristic ranking. The backend is pluggable: a local HTTP endpoint when
// configured, a deterministic bag-of-words fallback otherwise. Callers
// must stay correct under either mode.
package embedding

import (
	"context"
	"fmt"
	"math"

	"elfcore/internal/config"
	"elfcore/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string

	// Semantic reports whether the engine produces true semantic
	// embeddings. The bag-of-words fallback returns false and never
	// claims otherwise.
	Semantic() bool
}

// NewEngine creates an embedding engine based on configuration. An empty
// provider selects the bag-of-words fallback.
func NewEngine(cfg config.EmbeddingConfig, cacheDir string) (Engine, error) {
	switch cfg.Provider {
	case "":
		logging.Embedding("No embedding backend configured; using bag-of-words fallback")
		return NewBagOfWordsEngine(), nil
	case "local":
		logging.Embedding("Initializing local embedding backend: endpoint=%s model=%s", cfg.Endpoint, cfg.Model)
		engine, err := NewLocalEngine(cfg.Endpoint, cfg.Model)
		if err != nil {
			return nil, err
		}
		if cacheDir != "" {
			return NewCachedEngine(engine, cacheDir)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'local' or leave empty)", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
