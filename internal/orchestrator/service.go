// Package orchestrator runs the singleton reconciliation loop that
// restores coordination invariants: dead workers go offline, expired
// claims are released, orphaned and stale task statuses are repaired.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"tx/internal/claim"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/txerr"
	"tx/internal/worker"
)

// A worker is dead once its heartbeat is older than this many
// heartbeat intervals.
const deadWorkerHeartbeatMultiple = 3

// Default loop settings, applied when a field is zero.
const (
	DefaultWorkerPoolSize           = 4
	DefaultHeartbeatIntervalSeconds = 30
	DefaultLeaseDurationMinutes     = claim.DefaultLeaseMinutes
	DefaultReconcileIntervalSeconds = 60
)

// Settings configures the reconciliation loop.
type Settings struct {
	WorkerPoolSize           int `json:"workerPoolSize"`
	HeartbeatIntervalSeconds int `json:"heartbeatIntervalSeconds"`
	LeaseDurationMinutes     int `json:"leaseDurationMinutes"`
	ReconcileIntervalSeconds int `json:"reconcileIntervalSeconds"`
}

func (st Settings) withDefaults() Settings {
	if st.WorkerPoolSize <= 0 {
		st.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if st.HeartbeatIntervalSeconds <= 0 {
		st.HeartbeatIntervalSeconds = DefaultHeartbeatIntervalSeconds
	}
	if st.LeaseDurationMinutes <= 0 {
		st.LeaseDurationMinutes = DefaultLeaseDurationMinutes
	}
	if st.ReconcileIntervalSeconds <= 0 {
		st.ReconcileIntervalSeconds = DefaultReconcileIntervalSeconds
	}
	return st
}

// Counters reports what one reconcile pass changed. A quiescent store
// yields all zeros.
type Counters struct {
	DeadWorkersMarked      int `json:"deadWorkersMarked"`
	ExpiredClaimsReleased  int `json:"expiredClaimsReleased"`
	OrphanedTasksRecovered int `json:"orphanedTasksRecovered"`
	StaleStatesFixed       int `json:"staleStatesFixed"`
}

func (c Counters) total() int {
	return c.DeadWorkersMarked + c.ExpiredClaimsReleased +
		c.OrphanedTasksRecovered + c.StaleStatesFixed
}

// Service owns the orchestrator lifecycle and the reconcile pass.
type Service struct {
	store   *store.Store
	tasks   *task.Service
	workers *worker.Service
	claims  *claim.Service

	// mu serializes reconcile passes; a graceful stop acquires it to
	// wait out the in-flight pass.
	mu       sync.Mutex
	settings Settings

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewService builds the orchestrator over its collaborating services.
func NewService(s *store.Store, tasks *task.Service, workers *worker.Service, claims *claim.Service) *Service {
	return &Service{store: s, tasks: tasks, workers: workers, claims: claims}
}

// Status reads the singleton state row.
func (svc *Service) Status(ctx context.Context) (*store.OrchestratorState, error) {
	return svc.store.GetOrchestratorState(ctx)
}

// Start elects this process as the host's orchestrator and begins the
// reconcile loop. Exactly one contender wins the stopped -> starting
// swap; the rest fail with OrchestratorError.
func (svc *Service) Start(ctx context.Context, settings Settings) error {
	settings = settings.withDefaults()

	won, err := svc.store.CASOrchestratorStatus(ctx, store.OrchestratorStopped, store.OrchestratorStarting)
	if err != nil {
		return err
	}
	if !won {
		st, serr := svc.store.GetOrchestratorState(ctx)
		if serr != nil {
			return serr
		}
		return txerr.New(txerr.CodeOrchestratorError,
			"orchestrator already %s", st.Status)
	}

	cfg := &store.OrchestratorState{
		WorkerPoolSize:           settings.WorkerPoolSize,
		HeartbeatIntervalSeconds: settings.HeartbeatIntervalSeconds,
		LeaseDurationMinutes:     settings.LeaseDurationMinutes,
		ReconcileIntervalSeconds: settings.ReconcileIntervalSeconds,
	}
	if err := svc.store.WriteOrchestratorConfig(ctx, os.Getpid(), svc.store.Now(), cfg); err != nil {
		return err
	}
	if _, err := svc.store.CASOrchestratorStatus(ctx, store.OrchestratorStarting, store.OrchestratorRunning); err != nil {
		return err
	}

	svc.mu.Lock()
	svc.settings = settings
	svc.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	svc.loopCancel = cancel
	svc.loopDone = make(chan struct{})
	go svc.runLoop(loopCtx, time.Duration(settings.ReconcileIntervalSeconds)*time.Second)

	logging.Orchestrator("Started (pid %d, reconcile every %ds)", os.Getpid(), settings.ReconcileIntervalSeconds)
	return nil
}

// Stop halts the loop. When graceful, an in-flight reconcile pass
// finishes before the status flips to stopped.
func (svc *Service) Stop(ctx context.Context, graceful bool) error {
	won, err := svc.store.CASOrchestratorStatus(ctx, store.OrchestratorRunning, store.OrchestratorStopping)
	if err != nil {
		return err
	}
	if !won {
		return txerr.New(txerr.CodeOrchestratorError, "orchestrator is not running")
	}

	if svc.loopCancel != nil {
		svc.loopCancel()
		<-svc.loopDone
		svc.loopCancel = nil
	}
	if graceful {
		// A manual Reconcile may still be in flight; wait it out.
		svc.mu.Lock()
		svc.mu.Unlock()
	}

	if err := svc.store.ClearOrchestratorRuntime(ctx); err != nil {
		return err
	}
	if _, err := svc.store.CASOrchestratorStatus(ctx, store.OrchestratorStopping, store.OrchestratorStopped); err != nil {
		return err
	}
	logging.Orchestrator("Stopped (graceful=%v)", graceful)
	return nil
}

func (svc *Service) runLoop(ctx context.Context, interval time.Duration) {
	defer close(svc.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Reconcile(ctx); err != nil {
				logging.Orchestrator("Reconcile pass failed: %v", err)
			}
		}
	}
}

// Reconcile runs one repair pass. The pass is idempotent: running it
// again on a quiescent store changes nothing and returns zero counters.
// It is safe to call outside the loop, concurrently with agents.
func (svc *Service) Reconcile(ctx context.Context) (Counters, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	var c Counters

	heartbeatInterval := svc.settings.HeartbeatIntervalSeconds
	if heartbeatInterval <= 0 {
		st, err := svc.store.GetOrchestratorState(ctx)
		if err != nil {
			return c, err
		}
		heartbeatInterval = st.HeartbeatIntervalSeconds
		if heartbeatInterval <= 0 {
			heartbeatInterval = DefaultHeartbeatIntervalSeconds
		}
	}

	// 1. Workers that missed three heartbeat intervals go offline.
	dead, err := svc.workers.FindDead(ctx, deadWorkerHeartbeatMultiple*heartbeatInterval, false)
	if err != nil {
		return c, err
	}
	if len(dead) > 0 {
		ids := make([]string, len(dead))
		for i, w := range dead {
			ids[i] = w.ID
		}
		n, err := svc.workers.MarkOffline(ctx, ids)
		if err != nil {
			return c, err
		}
		c.DeadWorkersMarked = n

		// 2. Their claims are forfeit.
		for _, w := range dead {
			released, err := svc.claims.ReleaseByWorker(ctx, w.ID)
			if err != nil {
				return c, err
			}
			c.ExpiredClaimsReleased += released
		}
	}

	// 3. Leases past their expiry are released regardless of owner.
	expired, err := svc.claims.GetExpired(ctx)
	if err != nil {
		return c, err
	}
	for _, cl := range expired {
		if err := svc.claims.Expire(ctx, cl.ID); err != nil {
			return c, err
		}
		c.ExpiredClaimsReleased++
	}

	// 4. Active tasks that lost their claim fall back to ready.
	orphaned, err := svc.store.ActiveTasksWithoutClaim(ctx)
	if err != nil {
		return c, err
	}
	for _, id := range orphaned {
		if err := svc.tasks.ForceStatus(ctx, id, store.TaskReady); err != nil {
			return c, err
		}
		c.OrphanedTasksRecovered++
	}

	// 5. Stale readiness in both directions.
	shouldBlock, err := svc.store.ReadyTasksWithUnfinishedBlockers(ctx)
	if err != nil {
		return c, err
	}
	for _, id := range shouldBlock {
		if err := svc.tasks.ForceStatus(ctx, id, store.TaskBlocked); err != nil {
			return c, err
		}
		c.StaleStatesFixed++
	}
	shouldReady, err := svc.store.BlockedTasksFullyUnblocked(ctx)
	if err != nil {
		return c, err
	}
	for _, id := range shouldReady {
		if err := svc.tasks.ForceStatus(ctx, id, store.TaskReady); err != nil {
			return c, err
		}
		c.StaleStatesFixed++
	}

	// 6. Stamp the pass even when nothing changed.
	if err := svc.store.StampReconcile(ctx, svc.store.Now()); err != nil {
		return c, err
	}
	if c.total() > 0 {
		logging.Orchestrator("Reconciled: %d workers offline, %d claims released, %d tasks recovered, %d stale fixes",
			c.DeadWorkersMarked, c.ExpiredClaimsReleased, c.OrphanedTasksRecovered, c.StaleStatesFixed)
	}
	return c, nil
}
