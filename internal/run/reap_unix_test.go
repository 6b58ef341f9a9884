//go:build unix

package run

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/store"
)

func TestReapStalled(t *testing.T) {
	svc, s, claims := newTestService(t)
	ctx := context.Background()
	seedTask(t, s, "tx-1", store.TaskActive)
	require.NoError(t, s.InsertWorker(ctx, &store.Worker{
		ID: "worker-1", Name: "w", Status: store.WorkerBusy,
		RegisteredAt: s.Now(), LastHeartbeatAt: s.Now(),
	}))
	_, err := claims.Claim(ctx, "tx-1", "worker-1", 0)
	require.NoError(t, err)

	// A real sleeping child stands in for a hung agent.
	child := exec.Command("sleep", "300")
	require.NoError(t, child.Start())
	pid := child.Process.Pid
	defer child.Process.Kill()
	go child.Wait()

	taskID := "tx-1"
	r, err := svc.Record(ctx, RecordInput{TaskID: &taskID, Agent: "hung", PID: &pid})
	require.NoError(t, err)
	_, err = svc.Heartbeat(ctx, HeartbeatInput{RunID: r.ID})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return epoch.Add(10 * time.Minute) })
	results, err := svc.ReapStalled(ctx, ReapOptions{
		StallCriteria: StallCriteria{TranscriptIdleSeconds: 300},
		ResetTask:     true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Killed)
	assert.True(t, results[0].TaskReset)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 137, *got.ExitCode)
	require.NotNil(t, got.EndedAt)

	taskRow, err := s.GetTask(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, taskRow.Status)

	active, err := claims.GetActiveClaim(ctx, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, active, "claim must be expired by the reap")

	// The child should be gone shortly after the kill.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Error(t, syscall.Kill(pid, 0), "process tree should be terminated")
}
