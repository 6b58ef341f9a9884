package claim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/store"
	"tx/internal/txerr"
)

var epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetClock(func() time.Time { return epoch })
	return NewService(s, 0), s
}

func seedTask(t *testing.T, s *store.Store, id string) {
	t.Helper()
	require.NoError(t, s.InsertTask(context.Background(), &store.Task{
		ID: id, Title: "task " + id, Status: store.TaskReady,
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

func TestClaimContention(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	seedTask(t, s, "tx-1")
	seedWorker(t, s, "worker-1")
	seedWorker(t, s, "worker-2")

	first, err := svc.Claim(ctx, "tx-1", "worker-1", 0)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(DefaultLeaseMinutes*time.Minute), first.LeaseExpiresAt)

	_, err = svc.Claim(ctx, "tx-1", "worker-2", 0)
	require.True(t, txerr.HasCode(err, txerr.CodeAlreadyClaimed))
	holder, _ := txerr.DetailOf(err, "claimedByWorkerId")
	assert.Equal(t, "worker-1", holder)

	require.NoError(t, svc.Release(ctx, "tx-1", "worker-1"))
	second, err := svc.Claim(ctx, "tx-1", "worker-2", 0)
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID, "released claims keep their row; new claims get fresh ids")
}

func TestClaimValidation(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	seedWorker(t, s, "worker-1")

	_, err := svc.Claim(ctx, "tx-ghost", "worker-1", 0)
	assert.True(t, txerr.HasCode(err, txerr.CodeTaskNotFound))

	seedTask(t, s, "tx-1")
	_, err = svc.Claim(ctx, "tx-1", "worker-ghost", 0)
	assert.True(t, txerr.HasCode(err, txerr.CodeWorkerNotFound))
}

func TestRenew(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	seedTask(t, s, "tx-1")
	seedWorker(t, s, "worker-1")
	seedWorker(t, s, "worker-2")

	_, err := svc.Claim(ctx, "tx-1", "worker-1", 0)
	require.NoError(t, err)

	// Only the holder can renew.
	_, err = svc.Renew(ctx, "tx-1", "worker-2")
	assert.True(t, txerr.HasCode(err, txerr.CodeClaimNotFound))

	renewed, err := svc.Renew(ctx, "tx-1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewedCount)
	assert.True(t, renewed.LeaseExpiresAt.After(epoch))
}

func TestRenewCap(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	seedTask(t, s, "tx-1")
	seedWorker(t, s, "worker-1")

	_, err := svc.Claim(ctx, "tx-1", "worker-1", 0)
	require.NoError(t, err)

	for i := 0; i < store.MaxRenewals; i++ {
		_, err := svc.Renew(ctx, "tx-1", "worker-1")
		require.NoError(t, err, "renewal %d", i+1)
	}
	_, err = svc.Renew(ctx, "tx-1", "worker-1")
	assert.True(t, txerr.HasCode(err, txerr.CodeMaxRenewalsExceeded))
}

func TestLeaseExpiry(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	seedTask(t, s, "tx-1")
	seedWorker(t, s, "worker-1")

	c, err := svc.Claim(ctx, "tx-1", "worker-1", 1)
	require.NoError(t, err)

	// Freeze the clock two minutes past the one-minute lease.
	s.SetClock(func() time.Time { return epoch.Add(2 * time.Minute) })

	expired, err := svc.GetExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, c.ID, expired[0].ID)

	_, err = svc.Renew(ctx, "tx-1", "worker-1")
	assert.True(t, txerr.HasCode(err, txerr.CodeLeaseExpired))
}

func TestExpireIdempotent(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	seedTask(t, s, "tx-1")
	seedWorker(t, s, "worker-1")

	c, err := svc.Claim(ctx, "tx-1", "worker-1", 0)
	require.NoError(t, err)

	require.NoError(t, svc.Expire(ctx, c.ID))
	require.NoError(t, svc.Expire(ctx, c.ID), "second expire is a no-op")

	err = svc.Expire(ctx, c.ID+999)
	assert.True(t, txerr.HasCode(err, txerr.CodeClaimIdNotFound))
}

func TestReleaseByWorker(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	seedTask(t, s, "tx-1")
	seedTask(t, s, "tx-2")
	seedWorker(t, s, "worker-1")

	_, err := svc.Claim(ctx, "tx-1", "worker-1", 0)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "tx-2", "worker-1", 0)
	require.NoError(t, err)

	count, err := svc.ReleaseByWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	active, err := svc.GetActiveClaim(ctx, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}
