// Package task implements the task engine: validated status
// transitions, batched dependency hydration, readiness evaluation and
// hierarchy traversal over the store's task repository.
package task

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"tx/internal/ident"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
)

// transitions is the status matrix. A missing entry is an illegal
// transition; same-status writes are accepted as no-ops upstream.
var transitions = map[store.TaskStatus][]store.TaskStatus{
	store.TaskBacklog:   {store.TaskReady, store.TaskPlanning, store.TaskCancelled},
	store.TaskPlanning:  {store.TaskReady, store.TaskActive, store.TaskBlocked, store.TaskFailed, store.TaskCancelled, store.TaskBacklog},
	store.TaskReady:     {store.TaskPlanning, store.TaskActive, store.TaskBlocked, store.TaskFailed, store.TaskCancelled, store.TaskBacklog},
	store.TaskActive:    {store.TaskBlocked, store.TaskDone, store.TaskFailed, store.TaskCancelled, store.TaskBacklog},
	store.TaskBlocked:   {store.TaskReady, store.TaskPlanning, store.TaskActive, store.TaskFailed, store.TaskCancelled, store.TaskBacklog},
	store.TaskDone:      {store.TaskBacklog},
	store.TaskFailed:    {store.TaskReady, store.TaskPlanning, store.TaskActive, store.TaskCancelled, store.TaskBacklog},
	store.TaskCancelled: {store.TaskReady, store.TaskPlanning, store.TaskBacklog},
}

// CanTransition reports whether from -> to is a legal validated move.
func CanTransition(from, to store.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// readinessStatuses are the statuses from which a task counts as ready
// once its blockers are done.
var readinessStatuses = map[store.TaskStatus]bool{
	store.TaskBacklog:  true,
	store.TaskReady:    true,
	store.TaskPlanning: true,
}

// TaskWithDeps is the hydrated task shape returned everywhere a task
// leaves the engine.
type TaskWithDeps struct {
	store.Task
	BlockedBy []string `json:"blockedBy"`
	Blocks    []string `json:"blocks"`
	Children  []string `json:"children"`
	IsReady   bool     `json:"isReady"`
}

// CreateInput carries the writable fields of a new task.
type CreateInput struct {
	Title       string
	Description string
	ParentID    *string
	Score       int
	Metadata    map[string]string
}

// UpdateInput carries optional field updates; nil means unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
	ParentID    *string
	Score       *int
	Status      *store.TaskStatus
	Metadata    map[string]string
}

// UpdateResult pairs the updated task with the set of tasks that became
// ready because of this update (populated on transitions to done).
type UpdateResult struct {
	Task     *TaskWithDeps `json:"task"`
	NowReady []string      `json:"nowReady,omitempty"`
}

// Service is the task engine.
type Service struct {
	store *store.Store
}

// NewService builds a task engine over the store.
func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// Create validates and persists a new task. New tasks start in backlog.
func (svc *Service) Create(ctx context.Context, in CreateInput) (*TaskWithDeps, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, txerr.New(txerr.CodeValidationError, "task title must not be empty")
	}
	if in.ParentID != nil {
		exists, err := svc.store.TaskExists(ctx, *in.ParentID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, txerr.New(txerr.CodeTaskNotFound, "parent task %s not found", *in.ParentID)
		}
	}

	now := svc.store.Now()
	t := &store.Task{
		ID:          ident.NewTaskID(),
		Title:       title,
		Description: in.Description,
		Status:      store.TaskBacklog,
		ParentID:    in.ParentID,
		Score:       in.Score,
		Metadata:    in.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := svc.store.InsertTask(ctx, t); err != nil {
		return nil, err
	}
	logging.Task("Created task %s: %s", t.ID, t.Title)
	return svc.GetWithDeps(ctx, t.ID)
}

// Get returns the bare task row.
func (svc *Service) Get(ctx context.Context, id string) (*store.Task, error) {
	return svc.store.GetTask(ctx, id)
}

// GetWithDeps returns one hydrated task.
func (svc *Service) GetWithDeps(ctx context.Context, id string) (*TaskWithDeps, error) {
	batch, err := svc.GetWithDepsBatch(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, txerr.New(txerr.CodeTaskNotFound, "task %s not found", id)
	}
	return batch[0], nil
}

// GetWithDepsBatch hydrates N tasks in O(1) round trips: one fetch per
// task plus three bulk queries shared across the whole batch.
func (svc *Service) GetWithDepsBatch(ctx context.Context, ids []string) ([]*TaskWithDeps, error) {
	tasks := make([]*store.Task, 0, len(ids))
	for _, id := range ids {
		t, err := svc.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return svc.hydrate(ctx, tasks)
}

// ListWithDeps returns hydrated tasks filtered by the FULL status set.
func (svc *Service) ListWithDeps(ctx context.Context, statuses []store.TaskStatus, limit int) ([]*TaskWithDeps, error) {
	for _, st := range statuses {
		if !store.ValidTaskStatus(st) {
			return nil, txerr.New(txerr.CodeValidationError, "unknown status %q", st)
		}
	}
	tasks, err := svc.store.ListTasks(ctx, statuses, limit)
	if err != nil {
		return nil, err
	}
	return svc.hydrate(ctx, tasks)
}

// Ready returns the current ready set: hydrated tasks whose isReady
// predicate holds, best score first.
func (svc *Service) Ready(ctx context.Context, limit int) ([]*TaskWithDeps, error) {
	candidates, err := svc.ListWithDeps(ctx,
		[]store.TaskStatus{store.TaskBacklog, store.TaskReady, store.TaskPlanning}, 0)
	if err != nil {
		return nil, err
	}
	var ready []*TaskWithDeps
	for _, t := range candidates {
		if t.IsReady {
			ready = append(ready, t)
			if limit > 0 && len(ready) >= limit {
				break
			}
		}
	}
	return ready, nil
}

// hydrate attaches blockedBy/blocks/children/isReady to task rows using
// three bulk queries regardless of batch size.
func (svc *Service) hydrate(ctx context.Context, tasks []*store.Task) ([]*TaskWithDeps, error) {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	blockedBy, err := svc.store.BlockersByBlocked(ctx, ids)
	if err != nil {
		return nil, err
	}
	blocks, err := svc.store.BlockedByBlocker(ctx, ids)
	if err != nil {
		return nil, err
	}
	children, err := svc.store.ChildrenByParent(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Resolve blocker statuses for the readiness predicate in one query.
	var blockerIDs []string
	seen := make(map[string]bool)
	for _, list := range blockedBy {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				blockerIDs = append(blockerIDs, id)
			}
		}
	}
	blockerStatus, err := svc.store.StatusesByID(ctx, blockerIDs)
	if err != nil {
		return nil, err
	}

	out := make([]*TaskWithDeps, len(tasks))
	for i, t := range tasks {
		hydrated := &TaskWithDeps{
			Task:      *t,
			BlockedBy: orEmpty(blockedBy[t.ID]),
			Blocks:    orEmpty(blocks[t.ID]),
			Children:  orEmpty(children[t.ID]),
		}
		hydrated.IsReady = readinessStatuses[t.Status] && allDone(hydrated.BlockedBy, blockerStatus)
		out[i] = hydrated
	}
	return out, nil
}

func allDone(blockers []string, statuses map[string]store.TaskStatus) bool {
	for _, id := range blockers {
		if statuses[id] != store.TaskDone {
			return false
		}
	}
	return true
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// Update applies field changes; status changes go through the matrix.
// Transitioning to done stamps completedAt and reports newly ready
// dependents; leaving done clears the stamp.
func (svc *Service) Update(ctx context.Context, id string, in UpdateInput) (*UpdateResult, error) {
	t, err := svc.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, txerr.New(txerr.CodeValidationError, "task title must not be empty")
		}
		t.Title = title
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.ParentID != nil {
		if *in.ParentID == "" {
			t.ParentID = nil
		} else {
			exists, err := svc.store.TaskExists(ctx, *in.ParentID)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, txerr.New(txerr.CodeTaskNotFound, "parent task %s not found", *in.ParentID)
			}
			t.ParentID = in.ParentID
		}
	}
	if in.Score != nil {
		t.Score = *in.Score
	}
	if in.Metadata != nil {
		t.Metadata = in.Metadata
	}

	becameDone := false
	if in.Status != nil && *in.Status != t.Status {
		to := *in.Status
		if !store.ValidTaskStatus(to) {
			return nil, txerr.New(txerr.CodeValidationError, "unknown status %q", to)
		}
		if !CanTransition(t.Status, to) {
			return nil, txerr.New(txerr.CodeInvalidTransition,
				"cannot transition task %s from %s to %s", id, t.Status, to).
				WithDetail("from", string(t.Status)).
				WithDetail("to", string(to))
		}
		now := svc.store.Now()
		switch {
		case to == store.TaskDone:
			t.CompletedAt = &now
			becameDone = true
		case t.Status == store.TaskDone:
			// Reactivation clears the completion stamp.
			t.CompletedAt = nil
		}
		logging.Task("Task %s: %s -> %s", id, t.Status, to)
		t.Status = to
	}

	t.UpdatedAt = svc.store.Now()
	if err := svc.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	result := &UpdateResult{}
	if becameDone {
		nowReady, err := svc.newlyReadyDependents(ctx, id)
		if err != nil {
			return nil, err
		}
		result.NowReady = nowReady
	}
	result.Task, err = svc.GetWithDeps(ctx, id)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// newlyReadyDependents returns dependents of a just-completed task whose
// readiness predicate now holds.
func (svc *Service) newlyReadyDependents(ctx context.Context, doneID string) ([]string, error) {
	dependents, err := svc.store.BlockedByBlocker(ctx, []string{doneID})
	if err != nil {
		return nil, err
	}
	ids := dependents[doneID]
	if len(ids) == 0 {
		return nil, nil
	}
	hydrated, err := svc.GetWithDepsBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	var ready []string
	for _, t := range hydrated {
		if t.IsReady {
			ready = append(ready, t.ID)
		}
	}
	return ready, nil
}

// ForceStatus bypasses the matrix. Reconciler and reaper use this to
// repair invariants; it still maintains the completedAt contract.
func (svc *Service) ForceStatus(ctx context.Context, id string, status store.TaskStatus) error {
	if !store.ValidTaskStatus(status) {
		return txerr.New(txerr.CodeValidationError, "unknown status %q", status)
	}
	now := svc.store.Now()
	var stamp *time.Time
	if status == store.TaskDone {
		stamp = &now
	}
	return svc.store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.SetTaskStatusQ(ctx, tx, id, status, stamp, now)
	})
}

// Remove deletes a task. With cascade the whole subtree goes; without,
// only the task itself. Dependency rows referencing deleted tasks are
// removed in the same transaction.
func (svc *Service) Remove(ctx context.Context, id string, cascade bool) error {
	ids := []string{id}
	if cascade {
		subtree, err := svc.store.SubtreeIDs(ctx, id)
		if err != nil {
			return err
		}
		if len(subtree) > 0 {
			ids = subtree
		}
	}
	exists, err := svc.store.TaskExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return txerr.New(txerr.CodeTaskNotFound, "task %s not found", id)
	}
	err = svc.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.DeleteTasksTx(ctx, tx, ids); err != nil {
			return err
		}
		return store.DeleteAttemptsForTasksTx(ctx, tx, ids)
	})
	if err != nil {
		return err
	}
	logging.Task("Removed %d task(s) rooted at %s", len(ids), id)
	return nil
}

// AddBlocker records that blocker must finish before blocked starts.
// Cycle safety lives in the store's single-transaction check.
func (svc *Service) AddBlocker(ctx context.Context, blockedID, blockerID string) error {
	return svc.store.AddBlocker(ctx, blockedID, blockerID)
}

// RemoveBlocker removes a dependency edge.
func (svc *Service) RemoveBlocker(ctx context.Context, blockedID, blockerID string) error {
	return svc.store.RemoveBlocker(ctx, blockedID, blockerID)
}

// RecordAttempt appends an attempt to a task's history.
func (svc *Service) RecordAttempt(ctx context.Context, taskID, approach string, outcome store.AttemptOutcome, reason *string) (*store.Attempt, error) {
	if strings.TrimSpace(approach) == "" {
		return nil, txerr.New(txerr.CodeValidationError, "attempt approach must not be empty")
	}
	if outcome != store.AttemptSucceeded && outcome != store.AttemptFailed {
		return nil, txerr.New(txerr.CodeValidationError, "unknown attempt outcome %q", outcome)
	}
	exists, err := svc.store.TaskExists(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, txerr.New(txerr.CodeTaskNotFound, "task %s not found", taskID)
	}
	a := &store.Attempt{
		ID:        ident.NewAttemptID(),
		TaskID:    taskID,
		Approach:  approach,
		Outcome:   outcome,
		Reason:    reason,
		CreatedAt: svc.store.Now(),
	}
	if err := svc.store.InsertAttempt(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Attempts lists a task's attempt history.
func (svc *Service) Attempts(ctx context.Context, taskID string) ([]*store.Attempt, error) {
	return svc.store.AttemptsByTask(ctx, taskID)
}
