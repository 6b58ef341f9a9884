// Package embedding generates vector embeddings for learning content.
// Backends: a local Ollama server, Google GenAI, or a no-op engine
// when neither is configured. Retrieval degrades to lexical-only when
// the no-op engine is active.
package embedding

import (
	"context"
	"math"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// Engine turns text into fixed-dimension float vectors.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// Config selects and parameterizes the backend.
type Config struct {
	// Provider: "ollama", "genai" or "" / "none" for the no-op engine.
	Provider string `yaml:"provider" json:"provider"`

	OllamaEndpoint string `yaml:"ollamaEndpoint" json:"ollamaEndpoint"`
	OllamaModel    string `yaml:"ollamaModel" json:"ollamaModel"`

	GenAIAPIKey string `yaml:"genaiApiKey" json:"-"`
	GenAIModel  string `yaml:"genaiModel" json:"genaiModel"`
	TaskType    string `yaml:"taskType" json:"taskType"`
}

// NewEngine builds the configured backend. A genai provider without an
// API key silently selects the no-op engine; callers never abort for
// missing capability credentials.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "", "none", "noop":
		return Noop{}, nil
	case "ollama":
		return newOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "genai":
		if cfg.GenAIAPIKey == "" {
			logging.Embedding("No GenAI API key configured; embeddings disabled")
			return Noop{}, nil
		}
		return newGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, txerr.New(txerr.CodeValidationError,
			"unknown embedding provider %q (use ollama, genai or none)", cfg.Provider)
	}
}

// Cosine computes cosine similarity in [-1, 1]. Mismatched dimensions
// are an error, never a silent zero.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, txerr.New(txerr.CodeEmbeddingDimensionMismatch,
			"embedding dimensions differ: %d vs %d", len(a), len(b))
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

// ScaleSimilarity maps cosine similarity from [-1, 1] to [0, 1] so it
// composes with the other retrieval scores.
func ScaleSimilarity(cos float64) float64 {
	return (cos + 1) / 2
}
