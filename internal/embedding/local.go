package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
)

// LocalEngine talks to an Ollama-style /api/embeddings endpoint.
type LocalEngine struct {
	endpoint   string
	model      string
	client     *http.Client
	dimensions int
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewLocalEngine creates a local HTTP embedding engine.
func NewLocalEngine(endpoint, model string) (*LocalEngine, error) {
	if endpoint == "" {
		return nil, qerr.New(qerr.CodeConfiguration, "embedding endpoint not configured")
	}
	return &LocalEngine{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Embed generates an embedding via the HTTP backend.
func (e *LocalEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "LocalEngine.Embed")
	defer timer.Stop()

	body, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeConfiguration, err, "embedding backend unreachable at %s", e.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, qerr.New(qerr.CodeConfiguration, "embedding backend returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, qerr.New(qerr.CodeConfiguration, "embedding backend returned an empty vector")
	}

	out := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		out[i] = float32(v)
	}
	if e.dimensions == 0 {
		e.dimensions = len(out)
	}
	return out, nil
}

// Dimensions returns the dimensionality observed from the backend.
func (e *LocalEngine) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *LocalEngine) Name() string { return "local:" + e.model }

// Semantic reports true: this backend produces real embeddings.
func (e *LocalEngine) Semantic() bool { return true }
