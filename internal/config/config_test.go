package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default("/ws")
	assert.Equal(t, filepath.Join("/ws", ".tx", "tx.db"), cfg.Storage.Path)
	assert.Equal(t, 30, cfg.Orchestrator.HeartbeatIntervalSeconds)
	assert.Equal(t, 30, cfg.Orchestrator.LeaseDurationMinutes)
	assert.Equal(t, 60, cfg.Orchestrator.ReconcileIntervalSeconds)
	assert.Equal(t, "noop", cfg.Embedding.Provider)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, ".tx", "tx.db"), cfg.Storage.Path)
}

func TestLoadYAMLOverrides(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, Dir), 0o755))
	yaml := []byte("storage:\n  path: /custom/tx.db\norchestrator:\n  lease_duration_minutes: 5\n")
	require.NoError(t, os.WriteFile(filepath.Join(ws, Dir, "config.yaml"), yaml, 0o644))

	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "/custom/tx.db", cfg.Storage.Path)
	assert.Equal(t, 5, cfg.Orchestrator.LeaseDurationMinutes)
	// Untouched sections keep defaults.
	assert.Equal(t, 4, cfg.Orchestrator.WorkerPoolSize)
}

func TestLoadInvalidYAMLFails(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, Dir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, Dir, "config.yaml"), []byte("storage: ["), 0o644))

	_, err := Load(ws)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("TX_DB_PATH", "/env/tx.db")
	t.Setenv("TX_EMBEDDING_PROVIDER", "genai")
	t.Setenv("TX_EMBEDDING_API_KEY", "key-123")
	t.Setenv("TX_DEBUG", "true")

	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "/env/tx.db", cfg.Storage.Path)
	assert.Equal(t, "genai", cfg.Embedding.Provider)
	assert.Equal(t, "key-123", cfg.Embedding.GenAIAPIKey)
	assert.True(t, cfg.Logging.DebugMode)
}

func TestFindWorkspaceRoot(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, Dir), 0o755))
	nested := filepath.Join(ws, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(wd)
	require.NoError(t, os.Chdir(nested))

	root, err := FindWorkspaceRoot()
	require.NoError(t, err)
	// Resolve symlinks (macOS temp dirs) before comparing.
	wantReal, _ := filepath.EvalSymlinks(ws)
	gotReal, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, wantReal, gotReal)
}
