package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"elfcore/internal/logging"
)

// CachedEngine wraps another engine with an on-disk cache keyed by the
// hash of the embedded text.
type CachedEngine struct {
	inner Engine
	dir   string
}

// NewCachedEngine creates the cache directory and wraps the engine.
func NewCachedEngine(inner Engine, dir string) (*CachedEngine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create embedding cache dir: %w", err)
	}
	return &CachedEngine{inner: inner, dir: dir}, nil
}

func (c *CachedEngine) cachePath(text string) string {
	sum := sha256.Sum256([]byte(text))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".vec")
}

// Embed returns a cached vector when present, otherwise embeds and caches.
func (c *CachedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	path := c.cachePath(text)
	if vec, err := readVec(path); err == nil {
		logging.EmbeddingDebug("Embedding cache hit: %s", filepath.Base(path))
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := writeVec(path, vec); err != nil {
		logging.Get(logging.CategoryEmbedding).Warn("Embedding cache write failed: %v", err)
	}
	return vec, nil
}

// Dimensions delegates to the wrapped engine.
func (c *CachedEngine) Dimensions() int { return c.inner.Dimensions() }

// Name delegates to the wrapped engine.
func (c *CachedEngine) Name() string { return c.inner.Name() + "+cache" }

// Semantic delegates to the wrapped engine.
func (c *CachedEngine) Semantic() bool { return c.inner.Semantic() }

// readVec loads a float32 vector from its little-endian disk form.
func readVec(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("corrupt embedding cache entry: %s", path)
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

// writeVec stores a float32 vector atomically.
func writeVec(path string, vec []float32) error {
	data := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
