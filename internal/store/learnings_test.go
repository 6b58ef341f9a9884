package store

import (
	"context"
	"testing"

	"tx/internal/txerr"
)

func seedLearning(t *testing.T, s *Store, id, content string, embedding []float32) *Learning {
	t.Helper()
	l := &Learning{
		ID:         id,
		Content:    content,
		SourceType: SourceManual,
		CreatedAt:  s.Now(),
		Keywords:   []string{"test"},
		Embedding:  embedding,
	}
	if err := s.InsertLearning(context.Background(), l); err != nil {
		t.Fatalf("InsertLearning(%s) failed: %v", id, err)
	}
	return l
}

func TestLearningEmbeddingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	in := seedLearning(t, s, "lrn-emb", "embedding carrier", []float32{0.25, -1.5, 3})

	out, err := s.GetLearning(context.Background(), in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Embedding) != 3 {
		t.Fatalf("embedding dim = %d, want 3", len(out.Embedding))
	}
	for i, v := range in.Embedding {
		if out.Embedding[i] != v {
			t.Errorf("embedding[%d] = %v, want %v", i, out.Embedding[i], v)
		}
	}
}

func TestTouchLearningUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l := seedLearning(t, s, "lrn-used", "usage tracked", nil)

	if err := s.TouchLearningUsage(ctx, []string{l.ID}, testEpoch); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchLearningUsage(ctx, []string{l.ID}, testEpoch); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLearning(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != 2 {
		t.Errorf("usage count = %d, want 2", got.UsageCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(testEpoch) {
		t.Errorf("last used = %v, want %v", got.LastUsedAt, testEpoch)
	}
}

func TestDeleteLearningCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedLearning(t, s, "lrn-a", "kept", nil)
	b := seedLearning(t, s, "lrn-b", "deleted", nil)

	if err := s.UpsertEdge(ctx, &Edge{FromID: b.ID, ToID: a.ID, Type: EdgeRelatesTo,
		Weight: 1, CreatedAt: s.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertAnchor(ctx, &Anchor{LearningID: b.ID, AnchorType: "file",
		FilePath: "internal/store/store.go", Status: AnchorValid}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertFeedback(ctx, &Feedback{LearningID: b.ID, Score: 1, CreatedAt: s.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteLearning(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetLearning(ctx, b.ID)
	if !txerr.HasCode(err, txerr.CodeLearningNotFound) {
		t.Errorf("want LearningNotFound, got %v", err)
	}
	edges, err := s.EdgesTouching(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 0 {
		t.Errorf("edges survived delete: %v", edges)
	}
	anchors, err := s.AnchorsByLearning(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(anchors) != 0 {
		t.Errorf("anchors survived delete: %v", anchors)
	}
}

func TestLexicalCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hit := seedLearning(t, s, "lrn-hit", "sqlite busy timeout needs the immediate txlock", nil)
	seedLearning(t, s, "lrn-miss", "completely unrelated note about parsers", nil)

	matches, err := s.LexicalCandidates(ctx, "sqlite busy timeout", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("no lexical matches")
	}
	if matches[0].LearningID != hit.ID {
		t.Errorf("top match = %s, want %s", matches[0].LearningID, hit.ID)
	}
}

func TestLexicalCandidatesEmptyQuery(t *testing.T) {
	s := newTestStore(t)
	matches, err := s.LexicalCandidates(context.Background(), "  ?! ", 10)
	if err != nil {
		t.Fatal(err)
	}
	if matches != nil {
		t.Errorf("expected no matches for empty query, got %v", matches)
	}
}

func TestMeanFeedbackScores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l := seedLearning(t, s, "lrn-fb", "scored", nil)
	other := seedLearning(t, s, "lrn-none", "unscored", nil)

	for _, score := range []float64{1, 0, 1, 1} {
		if err := s.InsertFeedback(ctx, &Feedback{LearningID: l.ID, Score: score,
			CreatedAt: s.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	means, err := s.MeanFeedbackScores(ctx, []string{l.ID, other.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got := means[l.ID]; got != 0.75 {
		t.Errorf("mean = %v, want 0.75", got)
	}
	if _, ok := means[other.ID]; ok {
		t.Error("learning without feedback should be absent from the map")
	}
}

func TestAnchorStatusChangeLogged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l := seedLearning(t, s, "lrn-anchored", "anchored", nil)
	a, err := s.InsertAnchor(ctx, &Anchor{LearningID: l.ID, AnchorType: "file",
		FilePath: "internal/kernel/kernel.go", Status: AnchorValid})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetAnchorStatus(ctx, a.ID, AnchorDrifted, "file content changed", testEpoch); err != nil {
		t.Fatal(err)
	}
	// Same status again writes no duplicate history.
	if err := s.SetAnchorStatus(ctx, a.ID, AnchorDrifted, "repeat", testEpoch); err != nil {
		t.Fatal(err)
	}

	history, err := s.AnchorInvalidations(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].OldStatus != string(AnchorValid) || history[0].NewStatus != string(AnchorDrifted) {
		t.Errorf("history = %+v", history[0])
	}
}
