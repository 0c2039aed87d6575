package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elfcore/internal/config"
)

func TestBagOfWordsDeterministic(t *testing.T) {
	e := NewBagOfWordsEngine()
	ctx := context.Background()

	a, err := e.Embed(ctx, "retry the flaky test")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "retry the flaky test")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, e.Dimensions())
	assert.False(t, e.Semantic())

	// Related text lands closer than unrelated text.
	related, err := e.Embed(ctx, "the flaky test needs a retry")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "rotate database credentials monthly")
	require.NoError(t, err)

	simRelated, err := CosineSimilarity(a, related)
	require.NoError(t, err)
	simUnrelated, err := CosineSimilarity(a, unrelated)
	require.NoError(t, err)
	assert.Greater(t, simRelated, simUnrelated)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}

	_, err := CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestCachedEngineRoundTrip(t *testing.T) {
	inner := NewBagOfWordsEngine()
	cached, err := NewCachedEngine(inner, t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "warm the cache with this text")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "warm the cache with this text")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, inner.Dimensions(), cached.Dimensions())
	assert.False(t, cached.Semantic())
}

func TestNewEngineSelection(t *testing.T) {
	engine, err := NewEngine(configFor(""), "")
	require.NoError(t, err)
	assert.Equal(t, "bag-of-words", engine.Name())

	_, err = NewEngine(configFor("bogus"), "")
	assert.Error(t, err)
}

func configFor(provider string) config.EmbeddingConfig {
	return config.EmbeddingConfig{Provider: provider, Endpoint: "http://localhost:11434", Model: "m"}
}
