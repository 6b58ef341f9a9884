package learning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
)

// Output modes for the compaction artifact.
const (
	OutputModeWrite  = "write"
	OutputModeAppend = "append"
)

// CompactInput selects which finished tasks to fold away.
type CompactInput struct {
	// Before is the completion-time cutoff; done tasks completed at or
	// after it are kept.
	Before     time.Time
	OutputFile string
	OutputMode string
	DryRun     bool
}

// CompactResult reports what a compaction did (or, dry-run, would do).
type CompactResult struct {
	TaskIDs    []string `json:"taskIds"`
	OutputFile string   `json:"outputFile,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	LearningID string   `json:"learningId,omitempty"`
	DryRun     bool     `json:"dryRun"`
}

// Compact folds done tasks completed before the cutoff (and whose
// children are all done) into a summary artifact, then deletes them.
// The learnings file is written before any row is deleted; a write
// failure aborts with the store untouched.
func (svc *Service) Compact(ctx context.Context, in CompactInput) (*CompactResult, error) {
	if in.Before.IsZero() {
		return nil, txerr.New(txerr.CodeValidationError, "compaction cutoff must be set")
	}
	switch in.OutputMode {
	case "", OutputModeAppend:
		in.OutputMode = OutputModeAppend
	case OutputModeWrite:
	default:
		return nil, txerr.New(txerr.CodeValidationError,
			"outputMode must be %q or %q", OutputModeWrite, OutputModeAppend)
	}

	tasks, err := svc.store.CompactableTasks(ctx, in.Before)
	if err != nil {
		return nil, err
	}
	res := &CompactResult{DryRun: in.DryRun}
	if len(tasks) == 0 {
		return res, nil
	}
	for _, t := range tasks {
		res.TaskIDs = append(res.TaskIDs, t.ID)
	}
	if in.DryRun {
		return res, nil
	}

	summary, learningsText, err := svc.summarizer.Summarize(ctx, renderTasks(tasks))
	if err != nil {
		return nil, err
	}
	res.Summary = summary

	outputFile := in.OutputFile
	if outputFile == "" {
		outputFile = "learnings.md"
	}
	if err := writeArtifact(outputFile, learningsText, in.OutputMode); err != nil {
		return nil, txerr.Wrap(txerr.CodeFileLearningNotFound, err,
			"write learnings file %s", outputFile)
	}
	res.OutputFile = outputFile

	rec := &store.CompactionRecord{
		Cutoff:     in.Before,
		TaskCount:  len(tasks),
		OutputFile: outputFile,
		CreatedAt:  svc.now(),
	}
	if err := svc.store.RemoveCompactedTasks(ctx, res.TaskIDs, rec); err != nil {
		return nil, err
	}

	l, err := svc.Create(ctx, CreateInput{
		Content:    summary,
		SourceType: store.SourceCompaction,
		SourceRef:  &outputFile,
	})
	if err != nil {
		logging.Learning("Compaction summary learning failed: %v", err)
	} else {
		res.LearningID = l.ID
	}

	logging.Learning("Compacted %d tasks into %s", len(tasks), outputFile)
	return res, nil
}

// History lists past compactions, newest first.
func (svc *Service) History(ctx context.Context, limit int) ([]*store.CompactionRecord, error) {
	return svc.store.CompactionHistory(ctx, limit)
}

// renderTasks flattens tasks into the text handed to the summarizer.
func renderTasks(tasks []*store.Task) string {
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "## %s: %s\n", t.ID, t.Title)
		if t.Description != "" {
			b.WriteString(t.Description)
			b.WriteString("\n")
		}
		if t.CompletedAt != nil {
			fmt.Fprintf(&b, "completed: %s\n", t.CompletedAt.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeArtifact(path, text, mode string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	flags := os.O_CREATE | os.O_WRONLY
	if mode == OutputModeAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
