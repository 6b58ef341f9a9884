package learning

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/store"
	"tx/internal/txerr"
)

// cannedSummarizer returns fixed text, optionally failing.
type cannedSummarizer struct {
	summary   string
	learnings string
	err       error
}

func (c *cannedSummarizer) Summarize(ctx context.Context, text string) (string, string, error) {
	if c.err != nil {
		return "", "", c.err
	}
	return c.summary, c.learnings, nil
}

func (c *cannedSummarizer) Available() bool { return c.err == nil }

func seedDoneTask(t *testing.T, s *store.Store, id string, completedAt time.Time) {
	t.Helper()
	done := completedAt
	require.NoError(t, s.InsertTask(context.Background(), &store.Task{
		ID: id, Title: "task " + id, Status: store.TaskDone,
		CreatedAt: s.Now(), UpdatedAt: s.Now(), CompletedAt: &done,
	}))
}

func TestCompact(t *testing.T) {
	svc, s := newTestService(t, nil)
	svc.summarizer = &cannedSummarizer{summary: "summary text", learnings: "- lesson one\n"}
	ctx := context.Background()

	old := epoch.Add(-48 * time.Hour)
	seedDoneTask(t, s, "tx-old-1", old)
	seedDoneTask(t, s, "tx-old-2", old)
	seedDoneTask(t, s, "tx-fresh", epoch.Add(-time.Hour))

	out := filepath.Join(t.TempDir(), "learnings.md")
	cutoff := epoch.Add(-24 * time.Hour)

	dry, err := svc.Compact(ctx, CompactInput{Before: cutoff, OutputFile: out, DryRun: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tx-old-1", "tx-old-2"}, dry.TaskIDs)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "dry run writes nothing")

	res, err := svc.Compact(ctx, CompactInput{Before: cutoff, OutputFile: out})
	require.NoError(t, err)
	assert.Equal(t, "summary text", res.Summary)
	assert.NotEmpty(t, res.LearningID)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "- lesson one\n", string(data))

	// Compacted tasks are gone, the fresh one survives.
	_, err = s.GetTask(ctx, "tx-old-1")
	assert.True(t, txerr.HasCode(err, txerr.CodeTaskNotFound))
	_, err = s.GetTask(ctx, "tx-fresh")
	require.NoError(t, err)

	hist, err := svc.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 2, hist[0].TaskCount)
	assert.Equal(t, out, hist[0].OutputFile)

	// The summary itself became a compaction-sourced learning.
	l, err := svc.Get(ctx, res.LearningID)
	require.NoError(t, err)
	assert.Equal(t, store.SourceCompaction, l.SourceType)
}

func TestCompactAbortsOnWriteFailure(t *testing.T) {
	svc, s := newTestService(t, nil)
	svc.summarizer = &cannedSummarizer{summary: "s", learnings: "l"}
	ctx := context.Background()
	seedDoneTask(t, s, "tx-1", epoch.Add(-48*time.Hour))

	// A directory in place of the output file makes the write fail.
	out := t.TempDir()
	_, err := svc.Compact(ctx, CompactInput{Before: epoch, OutputFile: out})
	require.Error(t, err)

	_, err = s.GetTask(ctx, "tx-1")
	require.NoError(t, err, "no deletion may happen before the file is written")
}

func TestCompactWithoutSummarizer(t *testing.T) {
	svc, s := newTestService(t, nil)
	ctx := context.Background()
	seedDoneTask(t, s, "tx-1", epoch.Add(-48*time.Hour))

	_, err := svc.Compact(ctx, CompactInput{Before: epoch, OutputFile: filepath.Join(t.TempDir(), "out.md")})
	assert.True(t, txerr.HasCode(err, txerr.CodeExtractionUnavailable))

	_, err = svc.Compact(ctx, CompactInput{})
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))
}

func TestCompactAppendMode(t *testing.T) {
	svc, s := newTestService(t, nil)
	svc.summarizer = &cannedSummarizer{summary: "s", learnings: "second\n"}
	ctx := context.Background()
	seedDoneTask(t, s, "tx-1", epoch.Add(-48*time.Hour))

	out := filepath.Join(t.TempDir(), "learnings.md")
	require.NoError(t, os.WriteFile(out, []byte("first\n"), 0o644))

	_, err := svc.Compact(ctx, CompactInput{Before: epoch, OutputFile: out, OutputMode: OutputModeAppend})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))

	_, err = svc.Compact(ctx, CompactInput{Before: epoch, OutputFile: out, OutputMode: "bogus"})
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))
}
