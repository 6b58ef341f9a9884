package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tx/internal/orchestrator"
	"tx/internal/store"
)

var (
	coordPool              int
	coordHeartbeatInterval int
	coordLeaseMinutes      int
	coordReconcileInterval int
	coordForce             bool
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Manage the reconciler loop",
}

var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the reconciler and run until interrupted",
	Long: `Elects this process as the host's orchestrator and runs the periodic
reconcile loop in the foreground. Exactly one process can hold the role;
a second start fails. Ctrl-C stops gracefully.`,
	Args: noArgs,
	RunE: coordinatorStart,
}

var coordinatorStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the reconciler and drain workers",
	Long: `Flips the orchestrator state to stopped, releases every active claim
held by a non-offline worker and marks those workers offline. With
--force the drain is skipped.`,
	Args: noArgs,
	RunE: coordinatorStop,
}

var coordinatorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the orchestrator state row",
	Args:  noArgs,
	RunE:  coordinatorStatus,
}

var coordinatorReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconcile pass and report what it repaired",
	Args:  noArgs,
	RunE:  coordinatorReconcile,
}

func init() {
	coordinatorStartCmd.Flags().IntVar(&coordPool, "pool", 0, "worker pool size (0 = config default)")
	coordinatorStartCmd.Flags().IntVar(&coordHeartbeatInterval, "heartbeat-interval", 0, "expected worker heartbeat interval in seconds (0 = config default)")
	coordinatorStartCmd.Flags().IntVar(&coordLeaseMinutes, "lease-minutes", 0, "claim lease duration in minutes (0 = config default)")
	coordinatorStartCmd.Flags().IntVar(&coordReconcileInterval, "reconcile-interval", 0, "seconds between reconcile passes (0 = config default)")
	coordinatorStopCmd.Flags().BoolVar(&coordForce, "force", false, "skip the graceful drain")

	coordinatorCmd.AddCommand(coordinatorStartCmd, coordinatorStopCmd, coordinatorStatusCmd, coordinatorReconcileCmd)
	rootCmd.AddCommand(coordinatorCmd)
}

func coordinatorStart(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	settings := orchestrator.Settings{
		WorkerPoolSize:           coordPool,
		HeartbeatIntervalSeconds: coordHeartbeatInterval,
		LeaseDurationMinutes:     coordLeaseMinutes,
		ReconcileIntervalSeconds: coordReconcileInterval,
	}
	if settings.WorkerPoolSize == 0 {
		settings.WorkerPoolSize = k.Config.Orchestrator.WorkerPoolSize
	}
	if settings.HeartbeatIntervalSeconds == 0 {
		settings.HeartbeatIntervalSeconds = k.Config.Orchestrator.HeartbeatIntervalSeconds
	}
	if settings.LeaseDurationMinutes == 0 {
		settings.LeaseDurationMinutes = k.Config.Orchestrator.LeaseDurationMinutes
	}
	if settings.ReconcileIntervalSeconds == 0 {
		settings.ReconcileIntervalSeconds = k.Config.Orchestrator.ReconcileIntervalSeconds
	}

	ctx := cmd.Context()
	if err := k.Orchestrator.Start(ctx, settings); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "orchestrator running (pid %d, reconcile every %ds)\n",
		os.Getpid(), settings.ReconcileIntervalSeconds)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return k.Orchestrator.Stop(stopCtx, true)
}

func coordinatorStop(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()
	ctx := cmd.Context()

	if err := k.Orchestrator.Stop(ctx, !coordForce); err != nil {
		return err
	}

	released, drained := 0, 0
	if !coordForce {
		for _, status := range []store.WorkerStatus{store.WorkerIdle, store.WorkerBusy} {
			workers, err := k.Workers.List(ctx, status)
			if err != nil {
				return err
			}
			for _, w := range workers {
				n, err := k.Claims.ReleaseByWorker(ctx, w.ID)
				if err != nil {
					return err
				}
				released += n
			}
			if len(workers) == 0 {
				continue
			}
			ids := make([]string, len(workers))
			for i, w := range workers {
				ids[i] = w.ID
			}
			n, err := k.Workers.MarkOffline(ctx, ids)
			if err != nil {
				return err
			}
			drained += n
		}
	}

	result := map[string]any{
		"stopped":        true,
		"workersDrained": drained,
		"claimsReleased": released,
	}
	return emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "orchestrator stopped (%d workers drained, %d claims released)\n", drained, released)
	})
}

func coordinatorStatus(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	st, err := k.Orchestrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	return emit(st, func(w io.Writer) {
		fmt.Fprintf(w, "status:              %s\n", st.Status)
		if st.PID != nil {
			fmt.Fprintf(w, "pid:                 %d\n", *st.PID)
		}
		if st.StartedAt != nil {
			fmt.Fprintf(w, "started:             %s\n", st.StartedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "worker pool:         %d\n", st.WorkerPoolSize)
		fmt.Fprintf(w, "heartbeat interval:  %ds\n", st.HeartbeatIntervalSeconds)
		fmt.Fprintf(w, "lease duration:      %dm\n", st.LeaseDurationMinutes)
		fmt.Fprintf(w, "reconcile interval:  %ds\n", st.ReconcileIntervalSeconds)
		if st.LastReconcileAt != nil {
			fmt.Fprintf(w, "last reconcile:      %s\n", st.LastReconcileAt.Format(time.RFC3339))
		}
	})
}

func coordinatorReconcile(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	counters, err := k.Orchestrator.Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	return emit(counters, func(w io.Writer) {
		fmt.Fprintf(w, "dead workers marked:      %d\n", counters.DeadWorkersMarked)
		fmt.Fprintf(w, "expired claims released:  %d\n", counters.ExpiredClaimsReleased)
		fmt.Fprintf(w, "orphaned tasks recovered: %d\n", counters.OrphanedTasksRecovered)
		fmt.Fprintf(w, "stale states fixed:       %d\n", counters.StaleStatesFixed)
	})
}
