// Command tx is the headless task-coordination CLI. Every subcommand
// opens the workspace store, performs one operation and exits; agents
// drive it concurrently from independent processes.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tx/internal/config"
	"tx/internal/kernel"
	"tx/internal/logging"
	"tx/internal/txerr"
)

var (
	// Global flags
	jsonOutput    bool
	workspaceFlag string
	verbose       bool

	// Logger for command-level diagnostics; reports go to stdout.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tx",
	Short: "tx - local-first task coordination for coding agents",
	Long: `tx is a headless coordination substrate for autonomous coding agents.

It keeps a task DAG, worker leases, run traces, an at-most-once outbox
and a learning corpus in one SQLite file under .tx/ in the workspace.
Multiple agent processes operate on the same file concurrently; a
reconciler repairs stale state left behind by dead workers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.OutputPaths = []string{"stderr"}
		zcfg.ErrorOutputPaths = []string{"stderr"}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON on stdout instead of human-readable text")
	rootCmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", "", "workspace root (default: nearest ancestor with a .tx directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug diagnostics on stderr")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

func main() {
	err := rootCmd.Execute()
	logging.Shutdown()
	if err == nil {
		return
	}
	printError(err)
	os.Exit(exitCode(err))
}

// Exit codes: 0 success, 1 operational failure, 2 bad invocation.
func exitCode(err error) int {
	var uerr usageError
	if errors.As(err, &uerr) {
		return 2
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func printError(err error) {
	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	code := string(txerr.CodeOf(err))
	if code == "" {
		var uerr usageError
		if errors.As(err, &uerr) {
			code = "UsageError"
		} else {
			code = "InternalError"
		}
	}
	body := map[string]any{
		"code":    code,
		"message": err.Error(),
	}
	var terr *txerr.Error
	if errors.As(err, &terr) && len(terr.Details) > 0 {
		body["details"] = terr.Details
	}
	enc := json.NewEncoder(os.Stderr)
	_ = enc.Encode(map[string]any{"error": body})
}

// usageError marks a bad invocation so main exits 2 instead of 1.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usagef("%s expects at least %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("%s takes no arguments", cmd.CommandPath())
	}
	return nil
}

// openKernel resolves the workspace, initializes file logging per config
// and assembles the engine. Callers must Close the returned kernel.
func openKernel() (*kernel.Kernel, error) {
	ws := workspaceFlag
	if ws == "" {
		var err error
		ws, err = config.FindWorkspaceRoot()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(logging.Options{
		Dir:        cfg.Logging.Dir,
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}
	return kernel.Open(cfg, kernel.Capabilities{})
}

// emit writes v as indented JSON when --json is set, otherwise calls
// the human renderer. Reports always go to stdout.
func emit(v any, human func(w io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(os.Stdout)
	return nil
}

// parseMetadata converts repeated key=value flags into a map.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, usagef("metadata must be key=value, got %q", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
