// Package worker implements registration and heartbeat tracking for
// agent processes. Dead-worker detection is a pure read; the
// orchestrator decides what to do with the result.
package worker

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"

	"tx/internal/ident"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
)

// RegisterInput describes a worker joining the pool.
type RegisterInput struct {
	Name         string
	Hostname     string
	PID          int
	Capabilities []string
}

// Service is the worker registry.
type Service struct {
	store *store.Store
}

// NewService builds a worker registry over the store.
func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// Register adds a worker in status idle.
func (svc *Service) Register(ctx context.Context, in RegisterInput) (*store.Worker, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, txerr.New(txerr.CodeRegistrationError, "worker name must not be empty")
	}
	now := svc.store.Now()
	w := &store.Worker{
		ID:              ident.NewWorkerID(),
		Name:            strings.TrimSpace(in.Name),
		Hostname:        in.Hostname,
		PID:             in.PID,
		Status:          store.WorkerIdle,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Capabilities:    in.Capabilities,
	}
	if err := svc.store.InsertWorker(ctx, w); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryWorker).Info("Registered worker %s (%s pid %d)", w.ID, w.Name, w.PID)
	return w, nil
}

// Get returns one worker.
func (svc *Service) Get(ctx context.Context, id string) (*store.Worker, error) {
	return svc.store.GetWorker(ctx, id)
}

// List returns workers, optionally filtered by status.
func (svc *Service) List(ctx context.Context, status store.WorkerStatus) ([]*store.Worker, error) {
	return svc.store.ListWorkers(ctx, status)
}

// Heartbeat advances the worker's heartbeat clock to now.
func (svc *Service) Heartbeat(ctx context.Context, id string) error {
	return svc.store.TouchWorkerHeartbeat(ctx, id, svc.store.Now())
}

// SetStatus updates a worker's status and current task.
func (svc *Service) SetStatus(ctx context.Context, id string, status store.WorkerStatus, currentTaskID *string) error {
	return svc.store.UpdateWorkerStatus(ctx, id, status, currentTaskID)
}

// FindDead returns workers whose heartbeat is older than
// heartbeatAgeSeconds and, when probeProcess is set, whose OS process is
// gone. The age threshold alone is sufficient; the probe only spares
// workers that are provably still alive.
func (svc *Service) FindDead(ctx context.Context, heartbeatAgeSeconds int, probeProcess bool) ([]*store.Worker, error) {
	cutoff := svc.store.Now().Add(-secondsDuration(heartbeatAgeSeconds))
	stale, err := svc.store.WorkersHeartbeatOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if !probeProcess {
		return stale, nil
	}
	var dead []*store.Worker
	for _, w := range stale {
		if w.PID > 0 && processAlive(w.PID) {
			continue
		}
		dead = append(dead, w)
	}
	return dead, nil
}

// MarkOffline flips the given workers offline; returns how many changed.
func (svc *Service) MarkOffline(ctx context.Context, ids []string) (int, error) {
	count, err := svc.store.MarkWorkersOffline(ctx, ids)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Get(logging.CategoryWorker).Info("Marked %d worker(s) offline", count)
	}
	return count, nil
}

// processAlive reports whether a pid refers to a live process. Signal 0
// performs the existence check without delivering anything.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
