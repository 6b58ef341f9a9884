// Package kernel wires the whole engine together: one store, every
// service on top of it, all capabilities defaulting to no-ops. The CLI
// and embedding hosts open a Kernel instead of assembling services by
// hand.
package kernel

import (
	"os"
	"path/filepath"

	"tx/internal/capability"
	"tx/internal/claim"
	"tx/internal/config"
	"tx/internal/embedding"
	"tx/internal/learning"
	"tx/internal/orchestrator"
	"tx/internal/outbox"
	"tx/internal/retrieval"
	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/watcher"
	"tx/internal/worker"
)

// Capabilities carries the pluggable services. Zero fields select the
// no-op variants.
type Capabilities struct {
	Summarizer capability.Summarizer
	Reranker   capability.Reranker
	Expander   capability.QueryExpander
	Extractor  capability.Extractor
	Watcher    watcher.Watcher
}

// Kernel is the assembled engine.
type Kernel struct {
	Config config.Config
	Store  *store.Store

	Tasks        *task.Service
	Workers      *worker.Service
	Claims       *claim.Service
	Runs         *run.Service
	Orchestrator *orchestrator.Service
	Outbox       *outbox.Service
	Learnings    *learning.Service
	Retrieval    *retrieval.Engine

	Embedder embedding.Engine
	Caps     Capabilities
}

// Open builds a kernel from configuration.
func Open(cfg config.Config, caps Capabilities) (*Kernel, error) {
	if dir := filepath.Dir(cfg.Storage.Path); dir != "." && cfg.Storage.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	if caps.Summarizer == nil {
		caps.Summarizer = capability.NoopSummarizer{}
	}
	if caps.Reranker == nil {
		caps.Reranker = capability.NoopReranker{}
	}
	if caps.Expander == nil {
		caps.Expander = capability.NoopQueryExpander{}
	}
	if caps.Extractor == nil {
		caps.Extractor = capability.NoopExtractor{}
	}
	if caps.Watcher == nil {
		caps.Watcher = &watcher.Noop{}
	}

	tasks := task.NewService(s)
	workers := worker.NewService(s)
	claims := claim.NewService(s, cfg.Orchestrator.LeaseDurationMinutes)
	runs := run.NewService(s, tasks, claims)

	k := &Kernel{
		Config:       cfg,
		Store:        s,
		Tasks:        tasks,
		Workers:      workers,
		Claims:       claims,
		Runs:         runs,
		Orchestrator: orchestrator.NewService(s, tasks, workers, claims),
		Outbox:       outbox.NewService(s),
		Learnings:    learning.NewService(s, embedder, caps.Summarizer),
		Retrieval:    retrieval.NewEngine(s, embedder, caps.Reranker),
		Embedder:     embedder,
		Caps:         caps,
	}
	return k, nil
}

// OpenWorkspace loads config from the workspace and opens a kernel.
func OpenWorkspace(workspace string) (*Kernel, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return Open(cfg, Capabilities{})
}

// Close releases the store. The orchestrator loop, if started, should
// be stopped first.
func (k *Kernel) Close() error {
	if k.Caps.Watcher != nil && k.Caps.Watcher.Running() {
		k.Caps.Watcher.Stop()
	}
	return k.Store.Close()
}
