package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"tx/internal/txerr"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "embeddinggemma"
	// embeddinggemma emits 768-dimensional vectors.
	ollamaDimensions = 768
)

// ollamaEngine talks to a local Ollama server.
type ollamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

func newOllamaEngine(endpoint, model string) *ollamaEngine {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaEngine{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *ollamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeEmbeddingUnavailable, err, "encode ollama request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeEmbeddingUnavailable, err, "build ollama request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeEmbeddingUnavailable, err, "ollama request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, txerr.New(txerr.CodeEmbeddingUnavailable,
			"ollama returned %d: %s", resp.StatusCode, string(msg))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, txerr.Wrap(txerr.CodeEmbeddingUnavailable, err, "decode ollama response")
	}
	return result.Embedding, nil
}

// EmbedBatch issues sequential requests; Ollama has no batch API.
func (e *ollamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *ollamaEngine) Dimensions() int { return ollamaDimensions }

func (e *ollamaEngine) Name() string { return "ollama:" + e.model }
