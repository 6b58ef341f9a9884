package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/ident"
	"tx/internal/store"
	"tx/internal/txerr"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	restore := ident.SetGenerator(&ident.SequenceGenerator{})
	t.Cleanup(restore)
	return NewService(s), s
}

func mustCreate(t *testing.T, svc *Service, title string) *TaskWithDeps {
	t.Helper()
	created, err := svc.Create(context.Background(), CreateInput{Title: title})
	require.NoError(t, err)
	return created
}

func setStatus(t *testing.T, svc *Service, id string, path ...store.TaskStatus) {
	t.Helper()
	for _, st := range path {
		status := st
		_, err := svc.Update(context.Background(), id, UpdateInput{Status: &status})
		require.NoError(t, err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Title: "   "})
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))

	ghost := "tx-ghost"
	_, err = svc.Create(ctx, CreateInput{Title: "orphan", ParentID: &ghost})
	assert.True(t, txerr.HasCode(err, txerr.CodeTaskNotFound))

	created := mustCreate(t, svc, "real work")
	assert.Equal(t, store.TaskBacklog, created.Status)
	assert.True(t, created.IsReady, "backlog task with no blockers is ready")
}

func TestTransitionMatrix(t *testing.T) {
	tests := []struct {
		from, to store.TaskStatus
		ok       bool
	}{
		{store.TaskBacklog, store.TaskReady, true},
		{store.TaskBacklog, store.TaskActive, false},
		{store.TaskBacklog, store.TaskDone, false},
		{store.TaskReady, store.TaskActive, true},
		{store.TaskReady, store.TaskDone, false},
		{store.TaskActive, store.TaskDone, true},
		{store.TaskActive, store.TaskReady, false},
		{store.TaskDone, store.TaskBacklog, true},
		{store.TaskDone, store.TaskReady, false},
		{store.TaskFailed, store.TaskActive, true},
		{store.TaskFailed, store.TaskBlocked, false},
		{store.TaskCancelled, store.TaskReady, true},
		{store.TaskCancelled, store.TaskActive, false},
		{store.TaskBlocked, store.TaskActive, true},
		{store.TaskPlanning, store.TaskActive, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	svc, _ := newTestService(t)
	created := mustCreate(t, svc, "jump the queue")

	done := store.TaskDone
	_, err := svc.Update(context.Background(), created.ID, UpdateInput{Status: &done})
	require.True(t, txerr.HasCode(err, txerr.CodeInvalidTransition))

	e := txerr.CodeOf(err)
	assert.Equal(t, txerr.CodeInvalidTransition, e)
}

func TestDoneStampsAndReactivationClears(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	created := mustCreate(t, svc, "finish me")

	setStatus(t, svc, created.ID, store.TaskReady, store.TaskActive, store.TaskDone)
	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, s.Now(), *got.CompletedAt, time.Second)

	setStatus(t, svc, created.ID, store.TaskBacklog)
	got, err = svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt, "reactivation must clear completedAt")
}

func TestReadyPropagation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "A")
	b := mustCreate(t, svc, "B")
	require.NoError(t, svc.AddBlocker(ctx, b.ID, a.ID))

	got, err := svc.GetWithDeps(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsReady)
	assert.Equal(t, []string{a.ID}, got.BlockedBy)

	setStatus(t, svc, a.ID, store.TaskReady, store.TaskActive)
	done := store.TaskDone
	result, err := svc.Update(ctx, a.ID, UpdateInput{Status: &done})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, result.NowReady)

	got, err = svc.GetWithDeps(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReady)
}

func TestListWithDepsFullStatusSet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "stays backlog")
	r := mustCreate(t, svc, "goes ready")
	setStatus(t, svc, r.ID, store.TaskReady)
	f := mustCreate(t, svc, "goes failed")
	setStatus(t, svc, f.ID, store.TaskReady, store.TaskFailed)

	// Both statuses in the set must match, not just the first.
	tasks, err := svc.ListWithDeps(ctx, []store.TaskStatus{store.TaskReady, store.TaskFailed}, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestRemoveCascade(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	root := mustCreate(t, svc, "root")
	child, err := svc.Create(ctx, CreateInput{Title: "child", ParentID: &root.ID})
	require.NoError(t, err)
	other := mustCreate(t, svc, "bystander")
	require.NoError(t, svc.AddBlocker(ctx, other.ID, child.ID))

	require.NoError(t, svc.Remove(ctx, root.ID, true))

	_, err = svc.Get(ctx, root.ID)
	assert.True(t, txerr.HasCode(err, txerr.CodeTaskNotFound))
	_, err = svc.Get(ctx, child.ID)
	assert.True(t, txerr.HasCode(err, txerr.CodeTaskNotFound))

	// The bystander survives with its dangling edge removed.
	got, err := svc.GetWithDeps(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedBy)
	assert.True(t, got.IsReady)
}

func TestForceStatusBypassesMatrix(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created := mustCreate(t, svc, "stuck active")
	setStatus(t, svc, created.ID, store.TaskReady, store.TaskActive)

	// active -> ready is illegal through Update but fine when forced.
	require.NoError(t, svc.ForceStatus(ctx, created.ID, store.TaskReady))
	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, got.Status)
}

func TestRecordAttempt(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created := mustCreate(t, svc, "tried twice")

	reason := "flaky network"
	_, err := svc.RecordAttempt(ctx, created.ID, "first pass", store.AttemptFailed, &reason)
	require.NoError(t, err)
	_, err = svc.RecordAttempt(ctx, created.ID, "second pass", store.AttemptSucceeded, nil)
	require.NoError(t, err)

	attempts, err := svc.Attempts(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "first pass", attempts[0].Approach)
	assert.Equal(t, store.AttemptSucceeded, attempts[1].Outcome)

	_, err = svc.RecordAttempt(ctx, "tx-ghost", "nope", store.AttemptFailed, nil)
	assert.True(t, txerr.HasCode(err, txerr.CodeTaskNotFound))
}
