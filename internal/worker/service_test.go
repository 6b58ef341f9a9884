package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/store"
	"tx/internal/txerr"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewService(s), s
}

func TestRegister(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Register(ctx, RegisterInput{
		Name: "builder", Hostname: "dev-box", PID: os.Getpid(),
		Capabilities: []string{"go", "shell"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.WorkerIdle, w.Status)
	assert.Contains(t, w.ID, "worker-")

	_, err = svc.Register(ctx, RegisterInput{Name: "  "})
	assert.True(t, txerr.HasCode(err, txerr.CodeRegistrationError))
}

func TestFindDeadByAge(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	epoch := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return epoch })

	stale, err := svc.Register(ctx, RegisterInput{Name: "stale", PID: -1})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{Name: "fresh", PID: -1})
	require.NoError(t, err)

	// Advance the clock past the threshold, then heartbeat only "fresh".
	s.SetClock(func() time.Time { return epoch.Add(5 * time.Minute) })
	workers, err := svc.List(ctx, "")
	require.NoError(t, err)
	for _, w := range workers {
		if w.Name == "fresh" {
			require.NoError(t, svc.Heartbeat(ctx, w.ID))
		}
	}

	dead, err := svc.FindDead(ctx, 90, false)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, stale.ID, dead[0].ID)
}

func TestFindDeadLivenessProbeSparesSelf(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	epoch := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return epoch })

	// A worker backed by this test process: stale heartbeat but alive.
	_, err := svc.Register(ctx, RegisterInput{Name: "alive", PID: os.Getpid()})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return epoch.Add(time.Hour) })
	dead, err := svc.FindDead(ctx, 90, true)
	require.NoError(t, err)
	assert.Empty(t, dead)

	// Without the probe the age threshold alone condemns it.
	dead, err = svc.FindDead(ctx, 90, false)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}
