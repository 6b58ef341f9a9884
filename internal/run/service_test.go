package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/claim"
	"tx/internal/store"
	"tx/internal/task"
)

var epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.Store, *claim.Service) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetClock(func() time.Time { return epoch })
	tasks := task.NewService(s)
	claims := claim.NewService(s, 0)
	return NewService(s, tasks, claims), s, claims
}

func seedTask(t *testing.T, s *store.Store, id string, status store.TaskStatus) {
	t.Helper()
	require.NoError(t, s.InsertTask(context.Background(), &store.Task{
		ID: id, Title: "task " + id, Status: status,
		CreatedAt: s.Now(), UpdatedAt: s.Now(),
	}))
}

func TestHeartbeatMonotone(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Record(ctx, RecordInput{Agent: "probe"})
	require.NoError(t, err)

	hb, err := svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID, StdoutBytes: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(100), hb.LastDeltaBytes)
	firstActivity := hb.LastActivityAt

	// Flat sample one minute later: counters hold, activity stays put.
	s.SetClock(func() time.Time { return epoch.Add(time.Minute) })
	hb, err = svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID, StdoutBytes: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(0), hb.LastDeltaBytes)
	assert.Equal(t, firstActivity, hb.LastActivityAt, "flat sample must not advance activity")
	assert.Equal(t, epoch.Add(time.Minute), hb.LastCheckAt)

	// A regressed counter (log rotation) never shrinks stored bytes.
	hb, err = svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID, StdoutBytes: 40})
	require.NoError(t, err)
	assert.Equal(t, int64(100), hb.StdoutBytes)

	// New bytes advance activity.
	hb, err = svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID, StdoutBytes: 150})
	require.NoError(t, err)
	assert.Equal(t, int64(50), hb.LastDeltaBytes)
	assert.Equal(t, epoch.Add(time.Minute), hb.LastActivityAt)
}

func TestListStalled(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()

	idle, err := svc.Record(ctx, RecordInput{Agent: "idle"})
	require.NoError(t, err)
	busy, err := svc.Record(ctx, RecordInput{Agent: "busy"})
	require.NoError(t, err)

	_, err = svc.Heartbeat(ctx, HeartbeatInput{RunID: idle.ID, StdoutBytes: 10})
	require.NoError(t, err)

	// Ten minutes later only "busy" shows fresh activity.
	s.SetClock(func() time.Time { return epoch.Add(10 * time.Minute) })
	_, err = svc.Heartbeat(ctx, HeartbeatInput{RunID: busy.ID, StdoutBytes: 10})
	require.NoError(t, err)

	stalled, err := svc.ListStalled(ctx, StallCriteria{TranscriptIdleSeconds: 300})
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, idle.ID, stalled[0].Run.ID)
	assert.Equal(t, ReasonTranscriptIdle, stalled[0].Reason)
}

func TestListStalledHeartbeatLag(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Record(ctx, RecordInput{Agent: "silent"})
	require.NoError(t, err)
	// Recent explicit activity, but no check-in since epoch.
	future := epoch.Add(9 * time.Minute)
	_, err = svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID, ActivityAt: &future})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return epoch.Add(10 * time.Minute) })
	stalled, err := svc.ListStalled(ctx, StallCriteria{
		TranscriptIdleSeconds: 3600, HeartbeatLagSeconds: 300,
	})
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, ReasonHeartbeatStale, stalled[0].Reason)
}

func TestReapDryRun(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Record(ctx, RecordInput{Agent: "stalled"})
	require.NoError(t, err)
	_, err = svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return epoch.Add(time.Hour) })
	results, err := svc.ReapStalled(ctx, ReapOptions{
		StallCriteria: StallCriteria{TranscriptIdleSeconds: 300},
		DryRun:        true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.Status, "dry run must not mutate")
}
