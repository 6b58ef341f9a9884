// Package run tracks external agent process executions and their
// activity heartbeats, and reaps the ones that stall.
package run

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tx/internal/claim"
	"tx/internal/ident"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/txerr"
)

// Stall reasons reported by ListStalled.
const (
	ReasonTranscriptIdle = "transcript_idle"
	ReasonHeartbeatStale = "heartbeat_stale"
)

// killGraceSeconds is the SIGTERM grace before SIGKILL escalation.
const killGraceSeconds = 2

// reapExitCode mirrors the shell convention for SIGKILL (128+9).
const reapExitCode = 137

// RecordInput describes a newly launched run.
type RecordInput struct {
	TaskID         *string
	Agent          string
	PID            *int
	TranscriptPath *string
	StdoutPath     *string
	StderrPath     *string
	Metadata       map[string]string
}

// HeartbeatInput is one activity sample for a run.
type HeartbeatInput struct {
	RunID           string
	StdoutBytes     int64
	StderrBytes     int64
	TranscriptBytes int64
	// ActivityAt overrides activity detection; when nil, activity is
	// inferred from byte deltas.
	ActivityAt *time.Time
}

// StallCriteria configures stall detection. HeartbeatLagSeconds <= 0
// disables the second check.
type StallCriteria struct {
	TranscriptIdleSeconds int
	HeartbeatLagSeconds   int
}

// StalledRun pairs a run with why it is considered stalled.
type StalledRun struct {
	Run    *store.Run `json:"run"`
	Reason string     `json:"reason"`
}

// ReapOptions controls a reap pass.
type ReapOptions struct {
	StallCriteria
	ResetTask bool
	DryRun    bool
}

// ReapResult summarizes one reaped run.
type ReapResult struct {
	RunID     string  `json:"runId"`
	TaskID    *string `json:"taskId,omitempty"`
	Reason    string  `json:"reason"`
	Killed    bool    `json:"killed"`
	TaskReset bool    `json:"taskReset"`
}

// Service tracks runs.
type Service struct {
	store  *store.Store
	tasks  *task.Service
	claims *claim.Service
}

// NewService builds the run tracker.
func NewService(s *store.Store, tasks *task.Service, claims *claim.Service) *Service {
	return &Service{store: s, tasks: tasks, claims: claims}
}

// Record persists a new running run.
func (svc *Service) Record(ctx context.Context, in RecordInput) (*store.Run, error) {
	if in.TaskID != nil {
		exists, err := svc.store.TaskExists(ctx, *in.TaskID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, txerr.New(txerr.CodeTaskNotFound, "task %s not found", *in.TaskID)
		}
	}
	r := &store.Run{
		ID:             ident.NewRunID(),
		TaskID:         in.TaskID,
		Agent:          in.Agent,
		Status:         store.RunRunning,
		PID:            in.PID,
		StartedAt:      svc.store.Now(),
		TranscriptPath: in.TranscriptPath,
		StdoutPath:     in.StdoutPath,
		StderrPath:     in.StderrPath,
		Metadata:       in.Metadata,
	}
	if err := svc.store.InsertRun(ctx, r); err != nil {
		return nil, err
	}
	logging.Run("Recorded run %s (agent %s)", r.ID, r.Agent)
	return r, nil
}

// Get returns one run.
func (svc *Service) Get(ctx context.Context, id string) (*store.Run, error) {
	return svc.store.GetRun(ctx, id)
}

// List returns runs, newest first.
func (svc *Service) List(ctx context.Context, status store.RunStatus, taskID string, limit int) ([]*store.Run, error) {
	return svc.store.ListRuns(ctx, status, taskID, limit)
}

// Finish stamps a run's terminal state. Finishing an already finished
// run is a no-op.
func (svc *Service) Finish(ctx context.Context, id string, status store.RunStatus, exitCode *int, errorMessage *string) error {
	if _, err := svc.store.GetRun(ctx, id); err != nil {
		return err
	}
	_, err := svc.store.FinishRun(ctx, id, status, svc.store.Now(), exitCode, errorMessage)
	return err
}

// Heartbeat folds an activity sample into the run's heartbeat row.
// Byte counters never regress. lastActivityAt advances only when the
// sample carries new bytes or an explicit newer ActivityAt; a flat
// sample preserves the stored activity time.
func (svc *Service) Heartbeat(ctx context.Context, in HeartbeatInput) (*store.RunHeartbeat, error) {
	if _, err := svc.store.GetRun(ctx, in.RunID); err != nil {
		return nil, err
	}
	now := svc.store.Now()
	prev, err := svc.store.GetRunHeartbeat(ctx, in.RunID)
	if err != nil {
		return nil, err
	}

	hb := &store.RunHeartbeat{
		RunID:           in.RunID,
		LastCheckAt:     now,
		StdoutBytes:     in.StdoutBytes,
		StderrBytes:     in.StderrBytes,
		TranscriptBytes: in.TranscriptBytes,
	}
	if prev != nil {
		hb.StdoutBytes = maxInt64(prev.StdoutBytes, in.StdoutBytes)
		hb.StderrBytes = maxInt64(prev.StderrBytes, in.StderrBytes)
		hb.TranscriptBytes = maxInt64(prev.TranscriptBytes, in.TranscriptBytes)
		hb.LastDeltaBytes = (hb.StdoutBytes - prev.StdoutBytes) +
			(hb.StderrBytes - prev.StderrBytes) +
			(hb.TranscriptBytes - prev.TranscriptBytes)
		hb.LastActivityAt = prev.LastActivityAt
	} else {
		hb.LastDeltaBytes = in.StdoutBytes + in.StderrBytes + in.TranscriptBytes
		hb.LastActivityAt = now
	}

	switch {
	case in.ActivityAt != nil && in.ActivityAt.After(hb.LastActivityAt):
		hb.LastActivityAt = in.ActivityAt.UTC()
	case hb.LastDeltaBytes > 0:
		hb.LastActivityAt = now
	}

	if err := svc.store.UpsertRunHeartbeat(ctx, hb); err != nil {
		return nil, err
	}
	return hb, nil
}

// ListStalled returns running runs that tripped a stall threshold.
func (svc *Service) ListStalled(ctx context.Context, c StallCriteria) ([]StalledRun, error) {
	if c.TranscriptIdleSeconds <= 0 {
		return nil, txerr.New(txerr.CodeValidationError, "transcriptIdleSeconds must be positive")
	}
	now := svc.store.Now()
	running, err := svc.store.RunningRuns(ctx)
	if err != nil {
		return nil, err
	}
	var stalled []StalledRun
	for _, r := range running {
		hb, err := svc.store.GetRunHeartbeat(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		lastActivity, lastCheck := r.StartedAt, r.StartedAt
		if hb != nil {
			lastActivity, lastCheck = hb.LastActivityAt, hb.LastCheckAt
		}
		switch {
		case now.Sub(lastActivity) >= time.Duration(c.TranscriptIdleSeconds)*time.Second:
			stalled = append(stalled, StalledRun{Run: r, Reason: ReasonTranscriptIdle})
		case c.HeartbeatLagSeconds > 0 &&
			now.Sub(lastCheck) >= time.Duration(c.HeartbeatLagSeconds)*time.Second:
			stalled = append(stalled, StalledRun{Run: r, Reason: ReasonHeartbeatStale})
		}
	}
	return stalled, nil
}

// ReapStalled terminates every stalled run: kill the process tree,
// cancel the run with exit code 137, expire its task's claims and reset
// the task to ready. DryRun reports what would happen without touching
// anything.
func (svc *Service) ReapStalled(ctx context.Context, opts ReapOptions) ([]ReapResult, error) {
	stalled, err := svc.ListStalled(ctx, opts.StallCriteria)
	if err != nil {
		return nil, err
	}
	if len(stalled) == 0 {
		return nil, nil
	}

	results := make([]ReapResult, len(stalled))

	// Process-tree termination is slow (2s grace per tree); kill in
	// parallel, then apply store updates sequentially.
	g, gctx := errgroup.WithContext(ctx)
	for i, sr := range stalled {
		i, sr := i, sr
		results[i] = ReapResult{RunID: sr.Run.ID, TaskID: sr.Run.TaskID, Reason: sr.Reason}
		if opts.DryRun || sr.Run.PID == nil {
			continue
		}
		pid := *sr.Run.PID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if terminateTree(pid, killGraceSeconds*time.Second) {
				results[i].Killed = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if opts.DryRun {
		return results, nil
	}

	for i, sr := range stalled {
		exitCode := reapExitCode
		msg := fmt.Sprintf("reaped: %s", sr.Reason)
		if _, err := svc.store.FinishRun(ctx, sr.Run.ID, store.RunCancelled,
			svc.store.Now(), &exitCode, &msg); err != nil {
			return results, err
		}
		if sr.Run.TaskID == nil {
			continue
		}
		taskID := *sr.Run.TaskID
		if active, err := svc.claims.GetActiveClaim(ctx, taskID); err != nil {
			return results, err
		} else if active != nil {
			if err := svc.claims.Expire(ctx, active.ID); err != nil {
				return results, err
			}
		}
		if opts.ResetTask {
			if err := svc.tasks.ForceStatus(ctx, taskID, store.TaskReady); err != nil {
				return results, err
			}
			results[i].TaskReset = true
		}
		logging.Run("Reaped run %s (%s), task %s reset=%v", sr.Run.ID, sr.Reason, taskID, opts.ResetTask)
	}
	return results, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
