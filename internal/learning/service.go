// Package learning manages the contextual-learnings corpus: CRUD and
// feedback, candidate promotion with near-duplicate merging, compaction
// of finished tasks into exported summaries, and code anchors with
// drift detection.
package learning

import (
	"context"
	"strings"
	"time"

	"tx/internal/capability"
	"tx/internal/embedding"
	"tx/internal/ident"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
)

// CreateInput describes a new learning.
type CreateInput struct {
	Content    string
	SourceType store.LearningSourceType
	SourceRef  *string
	Keywords   []string
	Category   *string
}

// UpdateInput carries partial learning updates; nil fields are left
// untouched.
type UpdateInput struct {
	Content  *string
	Keywords []string
	Category *string
}

// Service owns the learnings corpus.
type Service struct {
	store      *store.Store
	embedder   embedding.Engine
	summarizer capability.Summarizer
}

// NewService builds the learning service. Nil capabilities fall back
// to no-ops.
func NewService(s *store.Store, embedder embedding.Engine, summarizer capability.Summarizer) *Service {
	if embedder == nil {
		embedder = embedding.Noop{}
	}
	if summarizer == nil {
		summarizer = capability.NoopSummarizer{}
	}
	return &Service{store: s, embedder: embedder, summarizer: summarizer}
}

// Create validates and persists a learning, embedding its content when
// a backend is configured.
func (svc *Service) Create(ctx context.Context, in CreateInput) (*store.Learning, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, txerr.New(txerr.CodeValidationError, "learning content must not be empty")
	}
	sourceType := in.SourceType
	if sourceType == "" {
		sourceType = store.SourceManual
	}
	l := &store.Learning{
		ID:         ident.NewLearningID(),
		Content:    in.Content,
		SourceType: sourceType,
		SourceRef:  in.SourceRef,
		CreatedAt:  svc.store.Now(),
		Keywords:   in.Keywords,
		Category:   in.Category,
	}
	l.Embedding = svc.tryEmbed(ctx, in.Content)
	if err := svc.store.InsertLearning(ctx, l); err != nil {
		return nil, err
	}
	logging.Learning("Created learning %s (%s)", l.ID, l.SourceType)
	return l, nil
}

// Get returns one learning.
func (svc *Service) Get(ctx context.Context, id string) (*store.Learning, error) {
	return svc.store.GetLearning(ctx, id)
}

// List returns learnings filtered by optional category and source type.
func (svc *Service) List(ctx context.Context, category string, sourceType store.LearningSourceType, limit int) ([]*store.Learning, error) {
	return svc.store.ListLearnings(ctx, category, sourceType, limit)
}

// Update applies partial changes and refreshes the embedding when the
// content changed.
func (svc *Service) Update(ctx context.Context, id string, in UpdateInput) (*store.Learning, error) {
	l, err := svc.store.GetLearning(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Content != nil {
		if strings.TrimSpace(*in.Content) == "" {
			return nil, txerr.New(txerr.CodeValidationError, "learning content must not be empty")
		}
		l.Content = *in.Content
		l.Embedding = svc.tryEmbed(ctx, l.Content)
	}
	if in.Keywords != nil {
		l.Keywords = in.Keywords
	}
	if in.Category != nil {
		if *in.Category == "" {
			l.Category = nil
		} else {
			l.Category = in.Category
		}
	}
	if err := svc.store.UpdateLearning(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Delete removes a learning and all of its edges, anchors and
// feedback.
func (svc *Service) Delete(ctx context.Context, id string) error {
	return svc.store.DeleteLearning(ctx, id)
}

// RecordFeedback stores a usefulness score in [0, 1] for a learning;
// 0.5 is neutral.
func (svc *Service) RecordFeedback(ctx context.Context, learningID string, score float64, note string) error {
	if score < 0 || score > 1 {
		return txerr.New(txerr.CodeValidationError, "feedback score must be in [0, 1]")
	}
	if _, err := svc.store.GetLearning(ctx, learningID); err != nil {
		return err
	}
	return svc.store.InsertFeedback(ctx, &store.Feedback{
		LearningID: learningID,
		Score:      score,
		Note:       note,
		CreatedAt:  svc.store.Now(),
	})
}

// Feedback lists recorded feedback for a learning, newest first.
func (svc *Service) Feedback(ctx context.Context, learningID string) ([]*store.Feedback, error) {
	return svc.store.FeedbackByLearning(ctx, learningID)
}

// SetOutcomeScore records the aggregate outcome score for a learning.
func (svc *Service) SetOutcomeScore(ctx context.Context, id string, score float64) error {
	if _, err := svc.store.GetLearning(ctx, id); err != nil {
		return err
	}
	return svc.store.SetLearningOutcomeScore(ctx, id, score)
}

// Link adds (or reweights) a typed edge between two learnings.
func (svc *Service) Link(ctx context.Context, fromID, toID string, edgeType store.EdgeType, weight float64) error {
	if _, err := svc.store.GetLearning(ctx, fromID); err != nil {
		return err
	}
	if _, err := svc.store.GetLearning(ctx, toID); err != nil {
		return err
	}
	if weight <= 0 {
		weight = 1
	}
	return svc.store.UpsertEdge(ctx, &store.Edge{
		FromID: fromID, ToID: toID, Type: edgeType, Weight: weight,
		CreatedAt: svc.store.Now(),
	})
}

// Unlink removes an edge.
func (svc *Service) Unlink(ctx context.Context, fromID, toID string, edgeType store.EdgeType) error {
	return svc.store.RemoveEdge(ctx, fromID, toID, edgeType)
}

// Edges lists edges touching a learning in either direction.
func (svc *Service) Edges(ctx context.Context, id string) ([]*store.Edge, error) {
	return svc.store.EdgesTouching(ctx, id)
}

// tryEmbed returns the content embedding, or nil when no backend is
// configured. Other embedding failures are logged and skipped; the
// learning is still useful for lexical retrieval.
func (svc *Service) tryEmbed(ctx context.Context, content string) []float32 {
	vec, err := svc.embedder.Embed(ctx, content)
	if err != nil {
		if !txerr.HasCode(err, txerr.CodeEmbeddingUnavailable) {
			logging.Learning("Embedding failed, storing without vector: %v", err)
		}
		return nil
	}
	return vec
}

// now is a convenience for subpackage files.
func (svc *Service) now() time.Time { return svc.store.Now() }
