// Package logging provides config-driven categorized file-based logging
// for the tx kernel. Logs are written under the configured log directory
// with one file per category. When debug mode is off, every call is a
// silent no-op so the coordination hot path pays nothing for logging.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot         Category = "boot"         // Kernel boot and wiring
	CategoryStore        Category = "store"        // SQLite store operations
	CategoryTask         Category = "task"         // Task engine
	CategoryDeps         Category = "deps"         // Dependency engine
	CategoryClaim        Category = "claim"        // Lease manager
	CategoryWorker       Category = "worker"       // Worker registry
	CategoryRun          Category = "run"          // Run tracking and reaping
	CategoryOrchestrator Category = "orchestrator" // Reconciliation loop
	CategoryOutbox       Category = "outbox"       // Inter-agent messaging
	CategoryRetrieval    Category = "retrieval"    // Hybrid learning retrieval
	CategoryLearning     Category = "learning"     // Learnings, candidates, anchors
	CategoryEmbedding    Category = "embedding"    // Embedding engine
	CategoryWatcher      Category = "watcher"      // Anchor drift watcher
	CategoryPerformance  Category = "performance"  // Slow operation timings
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logger behavior. Passed by the config layer at boot
// so this package stays import-free of internal/config.
type Options struct {
	Dir        string
	DebugMode  bool
	Level      string
	Categories map[string]bool // empty = all enabled
}

// Logger writes category-scoped lines to its own file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	opts     Options
	enabled  bool
	logLevel = LevelInfo
)

// Initialize sets up the logging directory. Safe to call more than once;
// the last call wins. With DebugMode false this is a no-op.
func Initialize(o Options) error {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)

	opts = o
	enabled = o.DebugMode
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if !enabled {
		return nil
	}
	if o.Dir == "" {
		enabled = false
		return fmt.Errorf("logging: dir required when debug mode enabled")
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		enabled = false
		return fmt.Errorf("logging: create dir: %w", err)
	}

	boot := getLocked(CategoryBoot)
	boot.Info("=== tx logging initialized ===")
	boot.Info("Log dir: %s, level: %s", o.Dir, o.Level)
	return nil
}

// Shutdown closes all open log files.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	enabled = false
}

// Get returns the logger for a category, creating its file lazily.
func Get(category Category) *Logger {
	mu.Lock()
	defer mu.Unlock()
	return getLocked(category)
}

func getLocked(category Category) *Logger {
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category}
	if enabled && categoryEnabled(category) {
		path := filepath.Join(opts.Dir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}
	loggers[category] = l
	return l
}

func categoryEnabled(category Category) bool {
	if len(opts.Categories) == 0 {
		return true
	}
	return opts.Categories[string(category)]
}

func (l *Logger) write(level int, tag, format string, args ...any) {
	if l == nil || l.logger == nil || level < logLevel {
		return
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	l.logger.Printf("%s [%s] %s %s", ts, tag, l.category, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, "DBG", format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) { l.write(LevelInfo, "INF", format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) { l.write(LevelWarn, "WRN", format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, "ERR", format, args...) }

// Category shorthands, mirroring the call sites' dominant level.

// Store logs an info-level store message.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a debug-level store message.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Task logs an info-level task engine message.
func Task(format string, args ...any) { Get(CategoryTask).Info(format, args...) }

// Claim logs an info-level lease manager message.
func Claim(format string, args ...any) { Get(CategoryClaim).Info(format, args...) }

// Run logs an info-level run tracker message.
func Run(format string, args ...any) { Get(CategoryRun).Info(format, args...) }

// Orchestrator logs an info-level reconciler message.
func Orchestrator(format string, args ...any) { Get(CategoryOrchestrator).Info(format, args...) }

// Outbox logs an info-level messaging message.
func Outbox(format string, args ...any) { Get(CategoryOutbox).Info(format, args...) }

// Retrieval logs an info-level retrieval message.
func Retrieval(format string, args ...any) { Get(CategoryRetrieval).Info(format, args...) }

// RetrievalDebug logs a debug-level retrieval message.
func RetrievalDebug(format string, args ...any) { Get(CategoryRetrieval).Debug(format, args...) }

// Learning logs an info-level learning message.
func Learning(format string, args ...any) { Get(CategoryLearning).Info(format, args...) }

// Embedding logs an info-level embedding message.
func Embedding(format string, args ...any) { Get(CategoryEmbedding).Info(format, args...) }

// Watcher logs an info-level watcher message.
func Watcher(format string, args ...any) { Get(CategoryWatcher).Info(format, args...) }

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing a named operation.
func StartTimer(category Category, name string) *Timer {
	return &Timer{category: category, name: name, start: time.Now()}
}

// Stop logs the elapsed duration; operations over 100ms also go to the
// performance category.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.name, elapsed)
	if elapsed > 100*time.Millisecond {
		Get(CategoryPerformance).Warn("slow operation: %s/%s took %v", t.category, t.name, elapsed)
	}
}
