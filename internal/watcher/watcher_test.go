package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/txerr"
)

func TestFSWatcherDeliversChanges(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "anchored.go")
	require.NoError(t, os.WriteFile(file, []byte("before"), 0o644))

	var mu sync.Mutex
	var seen []string
	w := NewFSWatcher(func(path string) {
		mu.Lock()
		seen = append(seen, path)
		mu.Unlock()
	})

	require.NoError(t, w.Start(context.Background(), []string{dir}))
	t.Cleanup(func() { w.Stop() })
	assert.True(t, w.Running())

	err := w.Start(context.Background(), nil)
	assert.True(t, txerr.HasCode(err, txerr.CodeWatcherAlreadyRunning))

	require.NoError(t, os.WriteFile(file, []byte("after"), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen, "write event should reach the handler")
	assert.Equal(t, file, seen[0])
}

func TestFSWatcherStopStateMachine(t *testing.T) {
	w := NewFSWatcher(nil)
	err := w.Stop()
	assert.True(t, txerr.HasCode(err, txerr.CodeWatcherNotRunning))

	require.NoError(t, w.Start(context.Background(), nil))
	require.NoError(t, w.Stop())
	assert.False(t, w.Running())

	// Restartable after a stop.
	require.NoError(t, w.Start(context.Background(), nil))
	require.NoError(t, w.Stop())
}

func TestNoopStateMachine(t *testing.T) {
	var w Noop
	assert.False(t, w.Running())
	assert.True(t, txerr.HasCode(w.Stop(), txerr.CodeWatcherNotRunning))

	require.NoError(t, w.Start(context.Background(), []string{"anything"}))
	assert.True(t, w.Running())
	assert.True(t, txerr.HasCode(
		w.Start(context.Background(), nil), txerr.CodeWatcherAlreadyRunning))

	require.NoError(t, w.Stop())
	assert.False(t, w.Running())
}
