package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/trace"
)

var (
	traceStatusFilter string
	traceTaskFilter   string
	traceLimit        int
	traceAgent        string
	traceTaskID       string
	tracePID          int
	traceTranscript   string
	traceStdout       string
	traceStderr       string
	traceExitCode     int
	traceErrMsg       string
	traceFile         string
	traceIdle         int
	traceLag          int
	traceResetTask    bool
	traceDryRun       bool
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Track agent runs and inspect their transcripts",
}

var traceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  noArgs,
	RunE:  traceList,
}

var traceShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run with its activity heartbeat",
	Args:  exactArgs(1),
	RunE:  traceShow,
}

var traceTranscriptCmd = &cobra.Command{
	Use:   "transcript [run-id]",
	Short: "Render the tool-call timeline of a run's transcript",
	Args:  exactArgs(1),
	RunE:  traceShowTranscript,
}

var traceRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a newly launched run",
	Args:  noArgs,
	RunE:  traceRecord,
}

var traceFinishCmd = &cobra.Command{
	Use:   "finish [run-id]",
	Short: "Mark a run finished",
	Args:  exactArgs(1),
	RunE:  traceFinish,
}

var traceStalledCmd = &cobra.Command{
	Use:   "stalled",
	Short: "List runs that look stalled",
	Args:  noArgs,
	RunE:  traceStalled,
}

var traceReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Kill stalled runs and optionally reset their tasks",
	Args:  noArgs,
	RunE:  traceReap,
}

func init() {
	traceListCmd.Flags().StringVar(&traceStatusFilter, "status", "", "filter by status (running, succeeded, failed, cancelled)")
	traceListCmd.Flags().StringVar(&traceTaskFilter, "task", "", "filter by task id")
	traceListCmd.Flags().IntVar(&traceLimit, "limit", 20, "max rows (0 = all)")

	traceTranscriptCmd.Flags().StringVar(&traceFile, "file", "", "parse this transcript file instead of the run's recorded path")

	traceRecordCmd.Flags().StringVar(&traceAgent, "agent", "", "agent name (required)")
	traceRecordCmd.Flags().StringVar(&traceTaskID, "task", "", "task this run works on")
	traceRecordCmd.Flags().IntVar(&tracePID, "pid", 0, "agent process id")
	traceRecordCmd.Flags().StringVar(&traceTranscript, "transcript", "", "transcript file path")
	traceRecordCmd.Flags().StringVar(&traceStdout, "stdout", "", "stdout log path")
	traceRecordCmd.Flags().StringVar(&traceStderr, "stderr", "", "stderr log path")

	traceFinishCmd.Flags().StringVar(&traceStatusFilter, "status", "succeeded", "final status (succeeded, failed, cancelled)")
	traceFinishCmd.Flags().IntVar(&traceExitCode, "exit-code", 0, "process exit code")
	traceFinishCmd.Flags().StringVar(&traceErrMsg, "error", "", "error message for failed runs")

	for _, c := range []*cobra.Command{traceStalledCmd, traceReapCmd} {
		c.Flags().IntVar(&traceIdle, "idle", 300, "transcript idle threshold in seconds")
		c.Flags().IntVar(&traceLag, "lag", 0, "heartbeat lag threshold in seconds (0 = off)")
	}
	traceReapCmd.Flags().BoolVar(&traceResetTask, "reset-task", false, "return the reaped run's task to ready")
	traceReapCmd.Flags().BoolVar(&traceDryRun, "dry-run", false, "report without killing")

	traceCmd.AddCommand(traceListCmd, traceShowCmd, traceTranscriptCmd,
		traceRecordCmd, traceFinishCmd, traceStalledCmd, traceReapCmd)
	rootCmd.AddCommand(traceCmd)
}

func traceList(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	runs, err := k.Runs.List(cmd.Context(), store.RunStatus(traceStatusFilter), traceTaskFilter, traceLimit)
	if err != nil {
		return err
	}
	return emit(runs, func(w io.Writer) {
		if len(runs) == 0 {
			fmt.Fprintln(w, "no runs")
			return
		}
		for _, r := range runs {
			taskID := "-"
			if r.TaskID != nil {
				taskID = *r.TaskID
			}
			fmt.Fprintf(w, "%-16s %-10s %-14s %s  %s\n",
				r.ID, r.Status, taskID, r.StartedAt.Format(time.RFC3339), r.Agent)
		}
	})
}

func traceShow(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()
	ctx := cmd.Context()

	r, err := k.Runs.Get(ctx, args[0])
	if err != nil {
		return err
	}
	hb, err := k.Store.GetRunHeartbeat(ctx, args[0])
	if err != nil {
		return err
	}

	out := struct {
		Run       *store.Run          `json:"run"`
		Heartbeat *store.RunHeartbeat `json:"heartbeat,omitempty"`
	}{r, hb}

	return emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "%s  %s (%s)\n", r.ID, r.Agent, r.Status)
		if r.TaskID != nil {
			fmt.Fprintf(w, "  task:       %s\n", *r.TaskID)
		}
		if r.PID != nil {
			fmt.Fprintf(w, "  pid:        %d\n", *r.PID)
		}
		fmt.Fprintf(w, "  started:    %s\n", r.StartedAt.Format(time.RFC3339))
		if r.EndedAt != nil {
			fmt.Fprintf(w, "  ended:      %s\n", r.EndedAt.Format(time.RFC3339))
		}
		if r.ExitCode != nil {
			fmt.Fprintf(w, "  exit code:  %d\n", *r.ExitCode)
		}
		if r.TranscriptPath != nil {
			fmt.Fprintf(w, "  transcript: %s\n", *r.TranscriptPath)
		}
		if r.ErrorMessage != nil {
			fmt.Fprintf(w, "  error:      %s\n", *r.ErrorMessage)
		}
		if hb != nil {
			fmt.Fprintf(w, "  last activity: %s (%d transcript bytes)\n",
				hb.LastActivityAt.Format(time.RFC3339), hb.TranscriptBytes)
		}
	})
}

func traceShowTranscript(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	path := traceFile
	if path == "" {
		r, err := k.Runs.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if r.TranscriptPath == nil {
			return fmt.Errorf("run %s has no transcript recorded", r.ID)
		}
		path = *r.TranscriptPath
	}

	calls, err := trace.ToolCallsFromFile(path)
	if err != nil {
		return err
	}
	return emit(calls, func(w io.Writer) {
		if len(calls) == 0 {
			fmt.Fprintln(w, "no tool calls")
			return
		}
		for _, c := range calls {
			ts := "--:--:--"
			if !c.Timestamp.IsZero() {
				ts = c.Timestamp.Format("15:04:05")
			}
			input := string(c.Input)
			if len(input) > 100 {
				input = input[:100] + "..."
			}
			fmt.Fprintf(w, "%s  %-12s %s\n", ts, c.Name, input)
		}
	})
}

func traceRecord(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	in := run.RecordInput{Agent: traceAgent}
	if traceTaskID != "" {
		in.TaskID = strPtr(traceTaskID)
	}
	if tracePID != 0 {
		in.PID = intPtr(tracePID)
	}
	if traceTranscript != "" {
		in.TranscriptPath = strPtr(traceTranscript)
	}
	if traceStdout != "" {
		in.StdoutPath = strPtr(traceStdout)
	}
	if traceStderr != "" {
		in.StderrPath = strPtr(traceStderr)
	}
	r, err := k.Runs.Record(cmd.Context(), in)
	if err != nil {
		return err
	}
	return emit(r, func(w io.Writer) {
		fmt.Fprintf(w, "recorded %s\n", r.ID)
	})
}

func traceFinish(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	status := store.RunStatus(traceStatusFilter)
	switch status {
	case store.RunSucceeded, store.RunFailed, store.RunCancelled:
	default:
		return usagef("--status must be succeeded, failed or cancelled, got %q", traceStatusFilter)
	}
	var exitCode *int
	if cmd.Flags().Changed("exit-code") {
		exitCode = intPtr(traceExitCode)
	}
	var errMsg *string
	if traceErrMsg != "" {
		errMsg = strPtr(traceErrMsg)
	}
	if err := k.Runs.Finish(cmd.Context(), args[0], status, exitCode, errMsg); err != nil {
		return err
	}
	return emit(map[string]any{"run": args[0], "status": status}, func(w io.Writer) {
		fmt.Fprintf(w, "finished %s (%s)\n", args[0], status)
	})
}

func traceStalled(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	stalled, err := k.Runs.ListStalled(cmd.Context(), run.StallCriteria{
		TranscriptIdleSeconds: traceIdle,
		HeartbeatLagSeconds:   traceLag,
	})
	if err != nil {
		return err
	}
	return emit(stalled, func(w io.Writer) {
		if len(stalled) == 0 {
			fmt.Fprintln(w, "no stalled runs")
			return
		}
		for _, s := range stalled {
			fmt.Fprintf(w, "%-16s %s  %s\n", s.Run.ID, s.Run.Agent, s.Reason)
		}
	})
}

func traceReap(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	results, err := k.Runs.ReapStalled(cmd.Context(), run.ReapOptions{
		StallCriteria: run.StallCriteria{
			TranscriptIdleSeconds: traceIdle,
			HeartbeatLagSeconds:   traceLag,
		},
		ResetTask: traceResetTask,
		DryRun:    traceDryRun,
	})
	if err != nil {
		return err
	}
	return emit(results, func(w io.Writer) {
		if len(results) == 0 {
			fmt.Fprintln(w, "nothing to reap")
			return
		}
		for _, r := range results {
			verb := "would reap"
			if r.Killed {
				verb = "reaped"
			}
			line := fmt.Sprintf("%s %s (%s)", verb, r.RunID, r.Reason)
			if r.TaskReset && r.TaskID != nil {
				line += fmt.Sprintf(", reset %s", *r.TaskID)
			}
			fmt.Fprintln(w, line)
		}
	})
}
