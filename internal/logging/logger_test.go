package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledLoggingIsNoOp(t *testing.T) {
	require.NoError(t, Initialize(Options{DebugMode: false}))
	defer Shutdown()

	// Should not panic and should not create any files.
	Store("store message %d", 1)
	Get(CategoryTask).Error("task error")
}

func TestEnabledLoggingWritesCategoryFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Dir: dir, DebugMode: true, Level: "debug"}))
	defer Shutdown()

	Store("hello from store")
	Claim("claim issued for %s", "tx-1")

	data, err := os.ReadFile(filepath.Join(dir, "store.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from store")

	data, err = os.ReadFile(filepath.Join(dir, "claim.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "claim issued for tx-1")
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Dir: dir, DebugMode: true, Level: "warn"}))
	defer Shutdown()

	l := Get(CategoryOutbox)
	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")

	data, err := os.ReadFile(filepath.Join(dir, "outbox.log"))
	require.NoError(t, err)
	s := string(data)
	assert.NotContains(t, s, "debug line")
	assert.NotContains(t, s, "info line")
	assert.Contains(t, s, "warn line")
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{
		Dir:        dir,
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"task": true},
	}))
	defer Shutdown()

	Task("task line")
	Outbox("outbox line")

	_, err := os.Stat(filepath.Join(dir, "task.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "outbox.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestTimerStopDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Dir: dir, DebugMode: true, Level: "debug"}))
	defer Shutdown()

	timer := StartTimer(CategoryStore, "TestOp")
	timer.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "store.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "TestOp took"))
}
