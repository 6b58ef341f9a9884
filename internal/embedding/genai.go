package embedding

import (
	"context"

	"google.golang.org/genai"

	"tx/internal/txerr"
)

const (
	defaultGenAIModel = "gemini-embedding-001"
	// gemini-embedding-001 emits 768-dimensional vectors.
	genaiDimensions = 768
)

// genaiEngine embeds through Google's Gemini API.
type genaiEngine struct {
	client   *genai.Client
	model    string
	taskType string
}

func newGenAIEngine(apiKey, model, taskType string) (*genaiEngine, error) {
	if model == "" {
		model = defaultGenAIModel
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeEmbeddingUnavailable, err, "create genai client")
	}
	return &genaiEngine{
		client:   client,
		model:    model,
		taskType: parseTaskType(taskType),
	}, nil
}

func parseTaskType(s string) string {
	switch s {
	case "RETRIEVAL_QUERY":
		return "RETRIEVAL_QUERY"
	case "RETRIEVAL_DOCUMENT":
		return "RETRIEVAL_DOCUMENT"
	case "CODE_RETRIEVAL_QUERY":
		return "CODE_RETRIEVAL_QUERY"
	case "CLASSIFICATION":
		return "CLASSIFICATION"
	case "CLUSTERING":
		return "CLUSTERING"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

func (e *genaiEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *genaiEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: e.taskType})
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeEmbeddingUnavailable, err, "genai embed failed")
	}
	if len(result.Embeddings) != len(texts) {
		return nil, txerr.New(txerr.CodeEmbeddingUnavailable,
			"genai returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func (e *genaiEngine) Dimensions() int { return genaiDimensions }

func (e *genaiEngine) Name() string { return "genai:" + e.model }
