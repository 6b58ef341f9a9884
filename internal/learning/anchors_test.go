package learning

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/store"
	"tx/internal/txerr"
)

func TestAnchorLifecycle(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	l, err := svc.Create(ctx, CreateInput{Content: "retry loops belong in one place"})
	require.NoError(t, err)

	dir := t.TempDir()
	file := filepath.Join(dir, "retry.go")
	require.NoError(t, os.WriteFile(file, []byte("package retry\n\nfunc Do() {}\n"), 0o644))

	a, err := svc.AddAnchor(ctx, AnchorInput{
		LearningID: l.ID, AnchorType: "file", FilePath: file,
	})
	require.NoError(t, err)
	assert.Equal(t, store.AnchorValid, a.Status)
	require.NotNil(t, a.ContentHash, "readable files are hashed at creation")
	require.NotNil(t, a.VerifiedAt)

	// Unchanged file stays valid.
	sum, err := svc.VerifyAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Valid)

	// Edit drifts it.
	require.NoError(t, os.WriteFile(file, []byte("package retry\n\nfunc Do(n int) {}\n"), 0o644))
	sum, err = svc.VerifyAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Drifted)

	// Deletion invalidates it.
	require.NoError(t, os.Remove(file))
	sum, err = svc.VerifyAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Invalid)

	// Each flip landed in the append-only log.
	history, err := svc.AnchorHistory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, string(store.AnchorValid), history[0].OldStatus)
	assert.Equal(t, string(store.AnchorDrifted), history[0].NewStatus)
	assert.Equal(t, string(store.AnchorDrifted), history[1].OldStatus)
	assert.Equal(t, string(store.AnchorInvalid), history[1].NewStatus)
}

func TestAnchorSpanHashing(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	l, err := svc.Create(ctx, CreateInput{Content: "span anchored"})
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "code.go")
	require.NoError(t, os.WriteFile(file,
		[]byte("line one\nline two\nline three\nline four\n"), 0o644))

	start, end := 2, 3
	a, err := svc.AddAnchor(ctx, AnchorInput{
		LearningID: l.ID, AnchorType: "span", FilePath: file,
		LineStart: &start, LineEnd: &end,
	})
	require.NoError(t, err)
	require.NotNil(t, a.ContentHash)

	// Changes outside the span do not drift the anchor.
	require.NoError(t, os.WriteFile(file,
		[]byte("LINE ONE\nline two\nline three\nline four\n"), 0o644))
	sum, err := svc.VerifyAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Valid)

	// Changes inside the span do.
	require.NoError(t, os.WriteFile(file,
		[]byte("LINE ONE\nline 2\nline three\nline four\n"), 0o644))
	sum, err = svc.VerifyAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Drifted)
}

func TestAnchorValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.AddAnchor(ctx, AnchorInput{LearningID: "lrn-ghost", FilePath: "x"})
	assert.True(t, txerr.HasCode(err, txerr.CodeLearningNotFound))

	l, err := svc.Create(ctx, CreateInput{Content: "needs a path"})
	require.NoError(t, err)
	_, err = svc.AddAnchor(ctx, AnchorInput{LearningID: l.ID})
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))

	err = svc.InvalidateAnchor(ctx, 999, store.AnchorInvalid, "nope")
	assert.True(t, txerr.HasCode(err, txerr.CodeAnchorNotFound))
}
