package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/store"
	"tx/internal/task"
)

var (
	taskDescription string
	taskParent      string
	taskScore       int
	taskMeta        []string
	taskStatuses    []string
	taskLimit       int
	taskTitle       string
	taskStatus      string
	taskCascade     bool
	taskApproach    string
	taskOutcome     string
	taskReason      string
	taskLease       int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, inspect and move tasks through the DAG",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a task in backlog",
	Args:  minArgs(1),
	RunE:  taskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks with dependency info",
	Args:  noArgs,
	RunE:  taskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one task with dependencies, attempts and active claim",
	Args:  exactArgs(1),
	RunE:  taskShow,
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Update task fields or move it through the status machine",
	Args:  exactArgs(1),
	RunE:  taskUpdate,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a task (refuses when it has children unless --cascade)",
	Args:  exactArgs(1),
	RunE:  taskDelete,
}

var taskReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List tasks whose blockers are all done, highest score first",
	Args:  noArgs,
	RunE:  taskReady,
}

var taskBlockCmd = &cobra.Command{
	Use:   "block [blocked-id] [blocker-id]",
	Short: "Add a dependency edge (blocker must finish first)",
	Args:  exactArgs(2),
	RunE:  taskBlock,
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock [blocked-id] [blocker-id]",
	Short: "Remove a dependency edge",
	Args:  exactArgs(2),
	RunE:  taskUnblock,
}

var taskAttemptCmd = &cobra.Command{
	Use:   "attempt [id]",
	Short: "Record an approach taken on a task and its outcome",
	Args:  exactArgs(1),
	RunE:  taskAttempt,
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim [task-id] [worker-id]",
	Short: "Claim a ready task for a worker under a lease",
	Args:  exactArgs(2),
	RunE:  taskClaim,
}

var taskReleaseCmd = &cobra.Command{
	Use:   "release [task-id] [worker-id]",
	Short: "Release a claim and return the task to ready",
	Args:  exactArgs(2),
	RunE:  taskRelease,
}

var taskRenewCmd = &cobra.Command{
	Use:   "renew [task-id] [worker-id]",
	Short: "Extend an active lease",
	Args:  exactArgs(2),
	RunE:  taskRenew,
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	taskCreateCmd.Flags().StringVar(&taskParent, "parent", "", "parent task id")
	taskCreateCmd.Flags().IntVar(&taskScore, "score", 0, "priority score (higher first)")
	taskCreateCmd.Flags().StringArrayVar(&taskMeta, "meta", nil, "metadata key=value (repeatable)")

	taskListCmd.Flags().StringSliceVar(&taskStatuses, "status", nil, "filter by status (repeatable)")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 0, "max rows (0 = all)")

	taskUpdateCmd.Flags().StringVar(&taskTitle, "title", "", "new title")
	taskUpdateCmd.Flags().StringVar(&taskDescription, "description", "", "new description")
	taskUpdateCmd.Flags().StringVar(&taskParent, "parent", "", "new parent task id")
	taskUpdateCmd.Flags().IntVar(&taskScore, "score", 0, "new priority score")
	taskUpdateCmd.Flags().StringVar(&taskStatus, "status", "", "new status")
	taskUpdateCmd.Flags().StringArrayVar(&taskMeta, "meta", nil, "metadata key=value (repeatable)")

	taskDeleteCmd.Flags().BoolVar(&taskCascade, "cascade", false, "also delete the whole subtree")
	taskReadyCmd.Flags().IntVar(&taskLimit, "limit", 0, "max rows (0 = all)")

	taskAttemptCmd.Flags().StringVar(&taskApproach, "approach", "", "what was tried")
	taskAttemptCmd.Flags().StringVar(&taskOutcome, "outcome", "", "succeeded or failed")
	taskAttemptCmd.Flags().StringVar(&taskReason, "reason", "", "why it failed (optional)")

	taskClaimCmd.Flags().IntVar(&taskLease, "lease-minutes", 0, "lease duration (0 = config default)")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskUpdateCmd,
		taskDeleteCmd, taskReadyCmd, taskBlockCmd, taskUnblockCmd,
		taskAttemptCmd, taskClaimCmd, taskReleaseCmd, taskRenewCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskCreate(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	meta, err := parseMetadata(taskMeta)
	if err != nil {
		return err
	}
	in := task.CreateInput{
		Title:       strings.Join(args, " "),
		Description: taskDescription,
		Score:       taskScore,
		Metadata:    meta,
	}
	if taskParent != "" {
		in.ParentID = strPtr(taskParent)
	}
	t, err := k.Tasks.Create(cmd.Context(), in)
	if err != nil {
		return err
	}
	return emit(t, func(w io.Writer) {
		fmt.Fprintf(w, "created %s (%s)\n", t.ID, t.Status)
	})
}

func taskList(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	statuses, err := parseTaskStatuses(taskStatuses)
	if err != nil {
		return err
	}
	tasks, err := k.Tasks.ListWithDeps(cmd.Context(), statuses, taskLimit)
	if err != nil {
		return err
	}
	return emit(tasks, func(w io.Writer) { printTaskTable(w, tasks) })
}

func taskShow(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()
	ctx := cmd.Context()

	t, err := k.Tasks.GetWithDeps(ctx, args[0])
	if err != nil {
		return err
	}
	attempts, err := k.Tasks.Attempts(ctx, args[0])
	if err != nil {
		return err
	}
	activeClaim, err := k.Claims.GetActiveClaim(ctx, args[0])
	if err != nil {
		return err
	}

	out := struct {
		Task     *task.TaskWithDeps `json:"task"`
		Attempts []*store.Attempt   `json:"attempts"`
		Claim    *store.Claim       `json:"claim,omitempty"`
	}{t, attempts, activeClaim}

	return emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "%s  %s\n", t.ID, t.Title)
		fmt.Fprintf(w, "  status:     %s (ready=%v)\n", t.Status, t.IsReady)
		if t.Description != "" {
			fmt.Fprintf(w, "  description: %s\n", t.Description)
		}
		if t.ParentID != nil {
			fmt.Fprintf(w, "  parent:     %s\n", *t.ParentID)
		}
		fmt.Fprintf(w, "  score:      %d\n", t.Score)
		if len(t.BlockedBy) > 0 {
			fmt.Fprintf(w, "  blocked by: %s\n", strings.Join(t.BlockedBy, ", "))
		}
		if len(t.Blocks) > 0 {
			fmt.Fprintf(w, "  blocks:     %s\n", strings.Join(t.Blocks, ", "))
		}
		if len(t.Children) > 0 {
			fmt.Fprintf(w, "  children:   %s\n", strings.Join(t.Children, ", "))
		}
		if activeClaim != nil {
			fmt.Fprintf(w, "  claimed by: %s (lease expires %s)\n",
				activeClaim.WorkerID, activeClaim.LeaseExpiresAt.Format(time.RFC3339))
		}
		if len(attempts) > 0 {
			fmt.Fprintf(w, "  attempts:\n")
			for _, a := range attempts {
				line := fmt.Sprintf("    [%s] %s", a.Outcome, a.Approach)
				if a.Reason != nil {
					line += " (" + *a.Reason + ")"
				}
				fmt.Fprintln(w, line)
			}
		}
	})
}

func taskUpdate(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	var in task.UpdateInput
	flags := cmd.Flags()
	if flags.Changed("title") {
		in.Title = strPtr(taskTitle)
	}
	if flags.Changed("description") {
		in.Description = strPtr(taskDescription)
	}
	if flags.Changed("parent") {
		in.ParentID = strPtr(taskParent)
	}
	if flags.Changed("score") {
		in.Score = intPtr(taskScore)
	}
	if flags.Changed("status") {
		st := store.TaskStatus(taskStatus)
		if !store.ValidTaskStatus(st) {
			return usagef("unknown status %q", taskStatus)
		}
		in.Status = &st
	}
	if flags.Changed("meta") {
		meta, err := parseMetadata(taskMeta)
		if err != nil {
			return err
		}
		in.Metadata = meta
	}

	res, err := k.Tasks.Update(cmd.Context(), args[0], in)
	if err != nil {
		return err
	}
	return emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "updated %s (%s)\n", res.Task.ID, res.Task.Status)
		if len(res.NowReady) > 0 {
			fmt.Fprintf(w, "now ready: %s\n", strings.Join(res.NowReady, ", "))
		}
	})
}

func taskDelete(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.Tasks.Remove(cmd.Context(), args[0], taskCascade); err != nil {
		return err
	}
	return emit(map[string]any{"deleted": args[0], "cascade": taskCascade}, func(w io.Writer) {
		fmt.Fprintf(w, "deleted %s\n", args[0])
	})
}

func taskReady(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	tasks, err := k.Tasks.Ready(cmd.Context(), taskLimit)
	if err != nil {
		return err
	}
	return emit(tasks, func(w io.Writer) { printTaskTable(w, tasks) })
}

func taskBlock(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.Tasks.AddBlocker(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	return emit(map[string]string{"blocked": args[0], "blocker": args[1]}, func(w io.Writer) {
		fmt.Fprintf(w, "%s now blocks %s\n", args[1], args[0])
	})
}

func taskUnblock(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.Tasks.RemoveBlocker(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	return emit(map[string]string{"blocked": args[0], "blocker": args[1]}, func(w io.Writer) {
		fmt.Fprintf(w, "%s no longer blocks %s\n", args[1], args[0])
	})
}

func taskAttempt(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	var outcome store.AttemptOutcome
	switch taskOutcome {
	case "succeeded":
		outcome = store.AttemptSucceeded
	case "failed":
		outcome = store.AttemptFailed
	default:
		return usagef("--outcome must be succeeded or failed, got %q", taskOutcome)
	}
	var reason *string
	if taskReason != "" {
		reason = strPtr(taskReason)
	}
	a, err := k.Tasks.RecordAttempt(cmd.Context(), args[0], taskApproach, outcome, reason)
	if err != nil {
		return err
	}
	return emit(a, func(w io.Writer) {
		fmt.Fprintf(w, "recorded attempt %s on %s (%s)\n", a.ID, a.TaskID, a.Outcome)
	})
}

func taskClaim(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	c, err := k.Claims.Claim(cmd.Context(), args[0], args[1], taskLease)
	if err != nil {
		return err
	}
	return emit(c, func(w io.Writer) {
		fmt.Fprintf(w, "claimed %s for %s (lease expires %s)\n",
			c.TaskID, c.WorkerID, c.LeaseExpiresAt.Format(time.RFC3339))
	})
}

func taskRelease(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.Claims.Release(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	return emit(map[string]string{"task": args[0], "worker": args[1]}, func(w io.Writer) {
		fmt.Fprintf(w, "released %s\n", args[0])
	})
}

func taskRenew(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	c, err := k.Claims.Renew(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	return emit(c, func(w io.Writer) {
		fmt.Fprintf(w, "renewed lease on %s until %s (%d/%d renewals)\n",
			c.TaskID, c.LeaseExpiresAt.Format(time.RFC3339), c.RenewedCount, store.MaxRenewals)
	})
}

func parseTaskStatuses(names []string) ([]store.TaskStatus, error) {
	if len(names) == 0 {
		return nil, nil
	}
	statuses := make([]store.TaskStatus, 0, len(names))
	for _, name := range names {
		st := store.TaskStatus(name)
		if !store.ValidTaskStatus(st) {
			return nil, usagef("unknown status %q", name)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func printTaskTable(w io.Writer, tasks []*task.TaskWithDeps) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	for _, t := range tasks {
		marker := " "
		if t.IsReady {
			marker = "*"
		}
		extra := ""
		if len(t.BlockedBy) > 0 {
			extra = fmt.Sprintf("  blocked by %d", len(t.BlockedBy))
		}
		fmt.Fprintf(w, "%s %-14s %-9s %3d  %s%s\n", marker, t.ID, t.Status, t.Score, t.Title, extra)
	}
}
