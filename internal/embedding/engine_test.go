package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/txerr"
)

func TestCosine(t *testing.T) {
	same, err := Cosine([]float32{1, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same, 1e-9)

	opposite, err := Cosine([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, opposite, 1e-9)

	orthogonal, err := Cosine([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, orthogonal, 1e-9)

	zero, err := Cosine([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, zero)

	_, err = Cosine([]float32{1, 2}, []float32{1, 2, 3})
	assert.True(t, txerr.HasCode(err, txerr.CodeEmbeddingDimensionMismatch))
}

func TestScaleSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, ScaleSimilarity(1))
	assert.Equal(t, 0.5, ScaleSimilarity(0))
	assert.Equal(t, 0.0, ScaleSimilarity(-1))
}

func TestNewEngineSelection(t *testing.T) {
	e, err := NewEngine(Config{})
	require.NoError(t, err)
	assert.Equal(t, "none", e.Name())

	e, err = NewEngine(Config{Provider: "genai"})
	require.NoError(t, err)
	assert.Equal(t, "none", e.Name(), "missing API key selects the no-op engine")

	e, err = NewEngine(Config{Provider: "ollama", OllamaModel: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:custom", e.Name())

	_, err = NewEngine(Config{Provider: "bogus"})
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))
}

func TestNoopFails(t *testing.T) {
	_, err := Noop{}.Embed(context.Background(), "text")
	assert.True(t, txerr.HasCode(err, txerr.CodeEmbeddingUnavailable))
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req.Model)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := newOllamaEngine(srv.URL, "")
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	batch, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newOllamaEngine(srv.URL, "missing").Embed(context.Background(), "hello")
	assert.True(t, txerr.HasCode(err, txerr.CodeEmbeddingUnavailable))
}
