package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tx/internal/claim"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/txerr"
	"tx/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *store.Store
	tasks   *task.Service
	workers *worker.Service
	claims  *claim.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetClock(func() time.Time { return epoch })
	tasks := task.NewService(s)
	workers := worker.NewService(s)
	claims := claim.NewService(s, 0)
	return &fixture{
		svc:     NewService(s, tasks, workers, claims),
		store:   s,
		tasks:   tasks,
		workers: workers,
		claims:  claims,
	}
}

func seedTask(t *testing.T, s *store.Store, id string, status store.TaskStatus) {
	t.Helper()
	require.NoError(t, s.InsertTask(context.Background(), &store.Task{
		ID: id, Title: "task " + id, Status: status,
		CreatedAt: s.Now(), UpdatedAt: s.Now(),
	}))
}

func seedWorker(t *testing.T, s *store.Store, id string) {
	t.Helper()
	require.NoError(t, s.InsertWorker(context.Background(), &store.Worker{
		ID: id, Name: "worker " + id, Status: store.WorkerIdle,
		RegisteredAt: s.Now(), LastHeartbeatAt: s.Now(),
	}))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Start(ctx, Settings{ReconcileIntervalSeconds: 3600}))
	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestratorRunning, st.Status)
	require.NotNil(t, st.PID)
	require.NotNil(t, st.StartedAt)
	assert.Equal(t, 3600, st.ReconcileIntervalSeconds)

	err = f.svc.Start(ctx, Settings{})
	require.True(t, txerr.HasCode(err, txerr.CodeOrchestratorError), "double start must fail")

	require.NoError(t, f.svc.Stop(ctx, true))
	st, err = f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestratorStopped, st.Status)
	assert.Nil(t, st.PID)
	assert.Nil(t, st.StartedAt)

	err = f.svc.Stop(ctx, true)
	assert.True(t, txerr.HasCode(err, txerr.CodeOrchestratorError), "stop when stopped must fail")
}

func TestReconcilePass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A dead worker holding a claim on an active task.
	seedWorker(t, f.store, "worker-dead")
	seedTask(t, f.store, "tx-orphan", store.TaskReady)
	_, err := f.claims.Claim(ctx, "tx-orphan", "worker-dead", 60)
	require.NoError(t, err)
	require.NoError(t, f.tasks.ForceStatus(ctx, "tx-orphan", store.TaskActive))

	// A ready task whose blocker is still open.
	seedTask(t, f.store, "tx-blocker", store.TaskActive)
	seedTask(t, f.store, "tx-stale-ready", store.TaskReady)
	require.NoError(t, f.store.AddBlocker(ctx, "tx-stale-ready", "tx-blocker"))

	// A blocked task whose blocker already finished.
	seedTask(t, f.store, "tx-finished", store.TaskDone)
	seedTask(t, f.store, "tx-stale-blocked", store.TaskBlocked)
	require.NoError(t, f.store.AddBlocker(ctx, "tx-stale-blocked", "tx-finished"))

	// Two minutes pass with no heartbeat; default 30s interval makes
	// the 90s dead cutoff trip.
	f.store.SetClock(func() time.Time { return epoch.Add(2 * time.Minute) })

	c, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.DeadWorkersMarked)
	assert.Equal(t, 1, c.ExpiredClaimsReleased)
	assert.Equal(t, 1, c.OrphanedTasksRecovered)
	assert.Equal(t, 2, c.StaleStatesFixed)

	w, err := f.workers.Get(ctx, "worker-dead")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerOffline, w.Status)

	for id, want := range map[string]store.TaskStatus{
		"tx-orphan":        store.TaskReady,
		"tx-stale-ready":   store.TaskBlocked,
		"tx-stale-blocked": store.TaskReady,
	} {
		got, err := f.store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastReconcileAt)
	assert.Equal(t, epoch.Add(2*time.Minute), *st.LastReconcileAt)

	// Second pass on the now quiescent store changes nothing.
	c, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counters{}, c)
}

func TestReconcileExpiredLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedWorker(t, f.store, "worker-1")
	seedTask(t, f.store, "tx-1", store.TaskReady)

	cl, err := f.claims.Claim(ctx, "tx-1", "worker-1", 1)
	require.NoError(t, err)
	require.NoError(t, f.tasks.ForceStatus(ctx, "tx-1", store.TaskActive))

	// The lease lapses but the worker itself stays alive.
	f.store.SetClock(func() time.Time { return epoch.Add(2 * time.Minute) })
	require.NoError(t, f.workers.Heartbeat(ctx, "worker-1"))

	c, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, c.DeadWorkersMarked)
	assert.Equal(t, 1, c.ExpiredClaimsReleased)
	assert.Equal(t, 1, c.OrphanedTasksRecovered)

	got, err := f.store.GetClaim(ctx, cl.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ClaimExpired, got.Status)

	taskRow, err := f.store.GetTask(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, taskRow.Status)
}

func TestLoopInvokesReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Real wall-clock ticks for the loop; the store clock stays frozen.
	require.NoError(t, f.svc.Start(ctx, Settings{ReconcileIntervalSeconds: 1}))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := f.svc.Status(ctx)
		require.NoError(t, err)
		if st.LastReconcileAt != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.NotNil(t, st.LastReconcileAt, "loop should have stamped a pass")
	require.NoError(t, f.svc.Stop(ctx, true))
}
