package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/store"
	"tx/internal/worker"
)

var (
	workerName         string
	workerCapabilities []string
	workerStatusFilter string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Register and track agent workers",
}

var workerRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this process as a worker",
	Args:  noArgs,
	RunE:  workerRegister,
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	Args:  noArgs,
	RunE:  workerList,
}

var workerHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [worker-id]",
	Short: "Refresh a worker's heartbeat",
	Args:  exactArgs(1),
	RunE:  workerHeartbeat,
}

var workerOfflineCmd = &cobra.Command{
	Use:   "offline [worker-id]",
	Short: "Mark a worker offline and release its claims",
	Args:  exactArgs(1),
	RunE:  workerOffline,
}

func init() {
	workerRegisterCmd.Flags().StringVar(&workerName, "name", "", "worker name (required)")
	workerRegisterCmd.Flags().StringSliceVar(&workerCapabilities, "capabilities", nil, "capability tags (repeatable)")
	workerListCmd.Flags().StringVar(&workerStatusFilter, "status", "", "filter by status (idle, busy, offline)")

	workerCmd.AddCommand(workerRegisterCmd, workerListCmd, workerHeartbeatCmd, workerOfflineCmd)
	rootCmd.AddCommand(workerCmd)
}

func workerRegister(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	hostname, _ := os.Hostname()
	w, err := k.Workers.Register(cmd.Context(), worker.RegisterInput{
		Name:         workerName,
		Hostname:     hostname,
		PID:          os.Getpid(),
		Capabilities: workerCapabilities,
	})
	if err != nil {
		return err
	}
	return emit(w, func(out io.Writer) {
		fmt.Fprintf(out, "registered %s (%s)\n", w.ID, w.Name)
	})
}

func workerList(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	workers, err := k.Workers.List(cmd.Context(), store.WorkerStatus(workerStatusFilter))
	if err != nil {
		return err
	}
	return emit(workers, func(out io.Writer) {
		if len(workers) == 0 {
			fmt.Fprintln(out, "no workers")
			return
		}
		for _, w := range workers {
			current := "-"
			if w.CurrentTaskID != nil {
				current = *w.CurrentTaskID
			}
			fmt.Fprintf(out, "%-18s %-8s %-14s heartbeat %s  %s\n",
				w.ID, w.Status, current, w.LastHeartbeatAt.Format(time.RFC3339), w.Name)
		}
	})
}

func workerHeartbeat(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.Workers.Heartbeat(cmd.Context(), args[0]); err != nil {
		return err
	}
	return emit(map[string]string{"worker": args[0]}, func(out io.Writer) {
		fmt.Fprintf(out, "heartbeat recorded for %s\n", args[0])
	})
}

func workerOffline(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()
	ctx := cmd.Context()

	released, err := k.Claims.ReleaseByWorker(ctx, args[0])
	if err != nil {
		return err
	}
	if err := k.Workers.SetStatus(ctx, args[0], store.WorkerOffline, nil); err != nil {
		return err
	}
	out := map[string]any{"worker": args[0], "claimsReleased": released}
	return emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "%s offline (%d claims released)\n", args[0], released)
	})
}
