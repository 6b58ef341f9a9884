package embedding

import (
	"context"

	"tx/internal/txerr"
)

// Noop is the engine used when no embedding backend is configured.
// Every call fails with EmbeddingUnavailable; callers that can degrade
// (retrieval, promotion dedup) check for that code and skip the vector
// path.
type Noop struct{}

// Embed always fails.
func (Noop) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, txerr.New(txerr.CodeEmbeddingUnavailable, "no embedding backend configured")
}

// EmbedBatch always fails.
func (Noop) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, txerr.New(txerr.CodeEmbeddingUnavailable, "no embedding backend configured")
}

// Dimensions is zero for the no-op engine.
func (Noop) Dimensions() int { return 0 }

// Name identifies the no-op engine.
func (Noop) Name() string { return "none" }
