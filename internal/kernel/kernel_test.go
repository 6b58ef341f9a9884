package kernel

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/config"
	"tx/internal/task"
)

func TestOpenWiresEverything(t *testing.T) {
	cfg := config.Default(t.TempDir())
	k, err := Open(cfg, Capabilities{})
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	// Every service shares the one store; a task created through the
	// facade is visible to retrieval-adjacent services too.
	created, err := k.Tasks.Create(context.Background(), task.CreateInput{Title: "boot check"})
	require.NoError(t, err)

	got, err := k.Tasks.GetWithDeps(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReady)

	assert.False(t, k.Caps.Summarizer.Available())
	assert.False(t, k.Caps.Reranker.Available())
	assert.False(t, k.Caps.Watcher.Running())
	assert.Equal(t, "none", k.Embedder.Name())

	// The DB landed where config pointed.
	_, err = os.Stat(cfg.Storage.Path)
	assert.NoError(t, err)
}

func TestOpenWorkspaceDefaults(t *testing.T) {
	k, err := OpenWorkspace(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, k.Close())
}
