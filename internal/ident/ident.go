// Package ident generates opaque identifiers for tx entities.
// Production ids are prefix + short uuid-derived hash; tests can install
// a deterministic generator so fixtures get stable ids.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const shortHashLen = 12

// Generator produces an opaque id for a given prefix.
type Generator interface {
	NewID(prefix string) string
}

// randomGenerator derives a short hash from a fresh uuid.
type randomGenerator struct{}

func (randomGenerator) NewID(prefix string) string {
	u := uuid.New()
	sum := sha256.Sum256(u[:])
	return prefix + "-" + hex.EncodeToString(sum[:])[:shortHashLen]
}

// SequenceGenerator yields deterministic ids (prefix-000001, ...).
// Intended for test fixtures only.
type SequenceGenerator struct {
	n atomic.Int64
}

func (g *SequenceGenerator) NewID(prefix string) string {
	return fmt.Sprintf("%s-%06d", prefix, g.n.Add(1))
}

var (
	mu      sync.RWMutex
	current Generator = randomGenerator{}
)

// SetGenerator swaps the process-wide generator and returns a restore func.
func SetGenerator(g Generator) (restore func()) {
	mu.Lock()
	prev := current
	current = g
	mu.Unlock()
	return func() {
		mu.Lock()
		current = prev
		mu.Unlock()
	}
}

func newID(prefix string) string {
	mu.RLock()
	g := current
	mu.RUnlock()
	return g.NewID(prefix)
}

// NewTaskID returns a fresh task id (tx-...).
func NewTaskID() string { return newID("tx") }

// NewWorkerID returns a fresh worker id (worker-...).
func NewWorkerID() string { return newID("worker") }

// NewRunID returns a fresh run id (run-...).
func NewRunID() string { return newID("run") }

// NewLearningID returns a fresh learning id (lrn-...).
func NewLearningID() string { return newID("lrn") }

// NewCandidateID returns a fresh candidate id (cand-...).
func NewCandidateID() string { return newID("cand") }

// NewAttemptID returns a fresh attempt id (att-...).
func NewAttemptID() string { return newID("att") }
