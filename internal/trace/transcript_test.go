package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTranscript = `{"type":"tool_call","timestamp":"2026-03-14T09:30:00Z","name":"Read","input":{"path":"main.go"}}
not json at all
{"type":"note","timestamp":"2026-03-14T09:30:01Z"}

{"type":"assistant","timestamp":"2026-03-14T09:30:02Z","message":{"content":[{"type":"text","text":"thinking"},{"type":"tool_use","name":"Edit","input":{"path":"main.go"}},{"type":"tool_use","name":"Bash","input":{"command":"go vet"}}]}}
{"tool":"Write","timestamp":"2026-03-14T09:30:03Z","input":{"path":"new.go"}}
`

func TestToolCallsParsing(t *testing.T) {
	var calls []ToolCall
	for call, err := range ToolCalls(strings.NewReader(sampleTranscript)) {
		require.NoError(t, err)
		calls = append(calls, call)
	}
	require.Len(t, calls, 4)

	assert.Equal(t, "Read", calls[0].Name)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), calls[0].Timestamp)
	assert.JSONEq(t, `{"path":"main.go"}`, string(calls[0].Input))

	// Both tool_use blocks of one assistant message, in order.
	assert.Equal(t, "Edit", calls[1].Name)
	assert.Equal(t, "Bash", calls[2].Name)
	assert.Equal(t, calls[1].Timestamp, calls[2].Timestamp)

	assert.Equal(t, "Write", calls[3].Name)
}

func TestToolCallsLazy(t *testing.T) {
	// Stopping early must not drain the rest of the stream.
	count := 0
	for _, err := range ToolCalls(strings.NewReader(sampleTranscript)) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestToolCallsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(sampleTranscript), 0o644))

	calls, err := ToolCallsFromFile(path)
	require.NoError(t, err)
	assert.Len(t, calls, 4)

	_, err = ToolCallsFromFile(filepath.Join(t.TempDir(), "missing.ndjson"))
	assert.Error(t, err)
}

func TestEmptyTranscript(t *testing.T) {
	calls, err := ToolCallsFromFile(writeTemp(t, ""))
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
