package learning

import (
	"context"
	"strings"

	"tx/internal/embedding"
	"tx/internal/ident"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
)

// dedupThreshold is the cosine similarity above which a candidate is
// considered a duplicate of an existing learning.
const dedupThreshold = 0.85

// CandidateInput describes a proposed learning.
type CandidateInput struct {
	Content      string
	Confidence   store.CandidateConfidence
	SourceRunID  *string
	SourceTaskID *string
}

// AutoPromoteResult summarizes one auto-promotion sweep.
type AutoPromoteResult struct {
	Promoted []string `json:"promoted"`
	Merged   []string `json:"merged"`
}

// ProposeCandidate records a learning-in-waiting.
func (svc *Service) ProposeCandidate(ctx context.Context, in CandidateInput) (*store.Candidate, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, txerr.New(txerr.CodeValidationError, "candidate content must not be empty")
	}
	confidence := in.Confidence
	if confidence == "" {
		confidence = store.ConfidenceMedium
	}
	c := &store.Candidate{
		ID:           ident.NewCandidateID(),
		Content:      in.Content,
		Confidence:   confidence,
		Status:       store.CandidatePending,
		SourceRunID:  in.SourceRunID,
		SourceTaskID: in.SourceTaskID,
		CreatedAt:    svc.now(),
		UpdatedAt:    svc.now(),
	}
	if err := svc.store.InsertCandidate(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCandidate returns one candidate.
func (svc *Service) GetCandidate(ctx context.Context, id string) (*store.Candidate, error) {
	return svc.store.GetCandidate(ctx, id)
}

// ListCandidates returns candidates filtered by optional status.
func (svc *Service) ListCandidates(ctx context.Context, status store.CandidateStatus, limit int) ([]*store.Candidate, error) {
	return svc.store.ListCandidates(ctx, status, limit)
}

// RejectCandidate marks a pending candidate rejected.
func (svc *Service) RejectCandidate(ctx context.Context, id string) error {
	c, err := svc.store.GetCandidate(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != store.CandidatePending {
		return txerr.New(txerr.CodeValidationError, "candidate %s is already %s", id, c.Status)
	}
	return svc.store.SetCandidateStatus(ctx, id, store.CandidateRejected, nil, svc.now())
}

// Promote turns a pending candidate into a learning, links provenance
// to its source run or task, and marks the candidate promoted. The
// provenance edge is best-effort: a failure there is logged, never
// fatal.
func (svc *Service) Promote(ctx context.Context, candidateID string) (*store.Learning, error) {
	c, err := svc.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != store.CandidatePending {
		return nil, txerr.New(txerr.CodeValidationError, "candidate %s is already %s", candidateID, c.Status)
	}

	sourceType := store.SourceManual
	sourceRef := (*string)(nil)
	switch {
	case c.SourceRunID != nil:
		sourceType = store.SourceRun
		sourceRef = c.SourceRunID
	case c.SourceTaskID != nil:
		sourceRef = c.SourceTaskID
	}

	l := &store.Learning{
		ID:         ident.NewLearningID(),
		Content:    c.Content,
		SourceType: sourceType,
		SourceRef:  sourceRef,
		CreatedAt:  svc.now(),
	}
	l.Embedding = svc.tryEmbed(ctx, c.Content)
	if err := svc.store.InsertLearning(ctx, l); err != nil {
		return nil, err
	}

	if sourceRef != nil {
		err := svc.store.UpsertEdge(ctx, &store.Edge{
			FromID: l.ID, ToID: *sourceRef, Type: store.EdgeDerivedFrom, Weight: 1,
			CreatedAt: svc.now(),
		})
		if err != nil {
			logging.Learning("Provenance edge for %s failed: %v", l.ID, err)
		}
	}

	if err := svc.store.SetCandidateStatus(ctx, candidateID, store.CandidatePromoted, nil, svc.now()); err != nil {
		return nil, err
	}
	logging.Learning("Promoted candidate %s to learning %s", candidateID, l.ID)
	return l, nil
}

// AutoPromote sweeps pending high-confidence candidates. A candidate
// whose content embeds within dedupThreshold of an existing learning
// is marked merged with that learning's id instead of promoted.
func (svc *Service) AutoPromote(ctx context.Context) (*AutoPromoteResult, error) {
	pending, err := svc.store.ListCandidates(ctx, store.CandidatePending, 0)
	if err != nil {
		return nil, err
	}
	res := &AutoPromoteResult{}
	for _, c := range pending {
		if c.Confidence != store.ConfidenceHigh {
			continue
		}
		dup, err := svc.findDuplicate(ctx, c.Content)
		if err != nil {
			return res, err
		}
		if dup != "" {
			if err := svc.store.SetCandidateStatus(ctx, c.ID, store.CandidateMerged, &dup, svc.now()); err != nil {
				return res, err
			}
			logging.Learning("Merged candidate %s into learning %s", c.ID, dup)
			res.Merged = append(res.Merged, c.ID)
			continue
		}
		if _, err := svc.Promote(ctx, c.ID); err != nil {
			return res, err
		}
		res.Promoted = append(res.Promoted, c.ID)
	}
	return res, nil
}

// findDuplicate returns the id of the most similar existing learning
// above the dedup threshold, or "". Without an embedding backend the
// check is skipped and promotion proceeds.
func (svc *Service) findDuplicate(ctx context.Context, content string) (string, error) {
	qvec, err := svc.embedder.Embed(ctx, content)
	if err != nil {
		if txerr.HasCode(err, txerr.CodeEmbeddingUnavailable) {
			return "", nil
		}
		return "", err
	}

	stored, err := svc.store.LearningsWithEmbeddings(ctx)
	if err != nil {
		return "", err
	}
	bestID, bestCos := "", dedupThreshold
	for _, l := range stored {
		cos, err := embedding.Cosine(qvec, l.Embedding)
		if err != nil {
			return "", err
		}
		if cos >= bestCos {
			bestID, bestCos = l.ID, cos
		}
	}
	return bestID, nil
}
