package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProductionIDsAreOpaqueAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTaskID()
		assert.True(t, strings.HasPrefix(id, "tx-"))
		assert.Len(t, id, len("tx-")+12)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestPrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewWorkerID(), "worker-"))
	assert.True(t, strings.HasPrefix(NewRunID(), "run-"))
	assert.True(t, strings.HasPrefix(NewLearningID(), "lrn-"))
	assert.True(t, strings.HasPrefix(NewCandidateID(), "cand-"))
	assert.True(t, strings.HasPrefix(NewAttemptID(), "att-"))
}

func TestSequenceGeneratorIsDeterministic(t *testing.T) {
	restore := SetGenerator(&SequenceGenerator{})
	defer restore()

	assert.Equal(t, "tx-000001", NewTaskID())
	assert.Equal(t, "tx-000002", NewTaskID())
	assert.Equal(t, "worker-000003", NewWorkerID())

	restore()
	// Back to opaque ids after restore.
	assert.NotEqual(t, "tx-000004", NewTaskID())
}
