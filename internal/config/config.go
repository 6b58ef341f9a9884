// Package config loads tx configuration from .tx/config.yaml with
// environment overrides. Absent config files fall back to defaults; a
// missing API key silently selects the no-op capability.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Dir is the per-workspace data directory name.
const Dir = ".tx"

// Config holds all tx settings.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Transcripts  TranscriptConfig   `yaml:"transcripts"`
}

// StorageConfig configures the embedded SQLite store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
}

// OrchestratorConfig carries reconciliation loop defaults.
type OrchestratorConfig struct {
	WorkerPoolSize           int `yaml:"worker_pool_size"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	LeaseDurationMinutes     int `yaml:"lease_duration_minutes"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
}

// EmbeddingConfig selects the embedding provider. Provider "" or "noop"
// disables semantic search side effects entirely.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // noop, ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// OutboxConfig carries messaging defaults.
type OutboxConfig struct {
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"` // 0 = no expiry
}

// TranscriptConfig points tracing at agent transcript logs.
type TranscriptConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file is present,
// rooted at the given workspace directory.
func Default(workspace string) Config {
	base := filepath.Join(workspace, Dir)
	return Config{
		Storage: StorageConfig{Path: filepath.Join(base, "tx.db")},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
			Dir:       filepath.Join(base, "logs"),
		},
		Orchestrator: OrchestratorConfig{
			WorkerPoolSize:           4,
			HeartbeatIntervalSeconds: 30,
			LeaseDurationMinutes:     30,
			ReconcileIntervalSeconds: 60,
		},
		Embedding: EmbeddingConfig{
			Provider:       "noop",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Transcripts: TranscriptConfig{Dir: filepath.Join(base, "transcripts")},
	}
}

// Load reads config from workspace/.tx/config.yaml, layering defaults
// underneath and environment variables on top.
func Load(workspace string) (Config, error) {
	cfg := Default(workspace)

	path := filepath.Join(workspace, Dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides config fields from the process environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TX_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TX_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("TX_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("TX_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("TX_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("TX_OLLAMA_ENDPOINT"); v != "" {
		cfg.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("TX_TRANSCRIPT_DIR"); v != "" {
		cfg.Transcripts.Dir = v
	}
}

// FindWorkspaceRoot walks up from the working directory looking for an
// existing .tx directory; falls back to the working directory itself.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for cur := dir; ; {
		if info, err := os.Stat(filepath.Join(cur, Dir)); err == nil && info.IsDir() {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir, nil
		}
		cur = parent
	}
}

// LoggingOptions converts the logging section into logging.Options-shaped
// fields (kept as a plain method so config does not import logging).
func (l LoggingConfig) Enabled() bool { return l.DebugMode }
