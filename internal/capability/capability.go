// Package capability declares the pluggable LLM-backed services the
// engine consumes. Each interface ships with a no-op variant so the
// core runs without any external credentials; callers that need the
// real thing check for the Unavailable error codes and degrade.
package capability

import (
	"context"

	"tx/internal/txerr"
)

// Summarizer condenses a batch of finished tasks into a prose summary
// plus extracted learnings, used by compaction.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (summary string, learnings string, err error)
	Available() bool
}

// Reranker rescores retrieval candidates against a query; scores are
// in [0, 1].
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
	Available() bool
}

// QueryExpander rewrites a retrieval query into additional variants.
type QueryExpander interface {
	Expand(ctx context.Context, query string) ([]string, error)
	Available() bool
}

// Extractor pulls candidate learnings out of free-form run output.
type Extractor interface {
	Extract(ctx context.Context, transcript string) ([]string, error)
	Available() bool
}

// NoopSummarizer refuses every call.
type NoopSummarizer struct{}

func (NoopSummarizer) Summarize(ctx context.Context, text string) (string, string, error) {
	return "", "", txerr.New(txerr.CodeExtractionUnavailable, "no summarizer configured")
}

func (NoopSummarizer) Available() bool { return false }

// NoopReranker refuses every call.
type NoopReranker struct{}

func (NoopReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	return nil, txerr.New(txerr.CodeRerankerUnavailable, "no reranker configured")
}

func (NoopReranker) Available() bool { return false }

// NoopQueryExpander returns the query unchanged.
type NoopQueryExpander struct{}

func (NoopQueryExpander) Expand(ctx context.Context, query string) ([]string, error) {
	return []string{query}, nil
}

func (NoopQueryExpander) Available() bool { return false }

// NoopExtractor refuses every call.
type NoopExtractor struct{}

func (NoopExtractor) Extract(ctx context.Context, transcript string) ([]string, error) {
	return nil, txerr.New(txerr.CodeExtractionUnavailable, "no extractor configured")
}

func (NoopExtractor) Available() bool { return false }
