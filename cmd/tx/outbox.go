package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/outbox"
)

var (
	outboxSender      string
	outboxCorrelation string
	outboxTaskID      string
	outboxTTL         int
	outboxMeta        []string
	outboxAfter       int64
	outboxLimit       int
	outboxAcked       bool
	outboxOlderThan   int
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Exchange at-most-once messages between agents",
}

var outboxSendCmd = &cobra.Command{
	Use:   "send [channel] [content]",
	Short: "Append a message to a channel",
	Args:  exactArgs(2),
	RunE:  outboxSend,
}

var outboxInboxCmd = &cobra.Command{
	Use:   "inbox [channel]",
	Short: "Read unacked messages from a channel, oldest first",
	Long: `Reads pending messages after a cursor. Each reader keeps its own
cursor (--after with the last message id it processed), so independent
readers fan out over the same channel without stealing messages.`,
	Args: exactArgs(1),
	RunE: outboxInbox,
}

var outboxAckCmd = &cobra.Command{
	Use:   "ack [message-id]",
	Short: "Acknowledge one message",
	Args:  exactArgs(1),
	RunE:  outboxAck,
}

var outboxAckAllCmd = &cobra.Command{
	Use:   "ack-all [channel]",
	Short: "Acknowledge every pending message on a channel",
	Args:  exactArgs(1),
	RunE:  outboxAckAll,
}

var outboxPendingCmd = &cobra.Command{
	Use:   "pending [channel]",
	Short: "Count pending messages on a channel",
	Args:  exactArgs(1),
	RunE:  outboxPending,
}

var outboxRepliesCmd = &cobra.Command{
	Use:   "replies [correlation-id]",
	Short: "Find messages answering a correlation id",
	Args:  exactArgs(1),
	RunE:  outboxReplies,
}

var outboxGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Purge expired messages and old acked messages",
	Args:  noArgs,
	RunE:  outboxGC,
}

func init() {
	outboxSendCmd.Flags().StringVar(&outboxSender, "sender", "", "sender id (required)")
	outboxSendCmd.Flags().StringVar(&outboxCorrelation, "correlation", "", "correlation id for request/reply")
	outboxSendCmd.Flags().StringVar(&outboxTaskID, "task", "", "related task id")
	outboxSendCmd.Flags().IntVar(&outboxTTL, "ttl", 0, "message time to live in seconds (0 = never expires)")
	outboxSendCmd.Flags().StringArrayVar(&outboxMeta, "meta", nil, "metadata key=value (repeatable)")

	outboxInboxCmd.Flags().Int64Var(&outboxAfter, "after", 0, "only messages with id greater than this cursor")
	outboxInboxCmd.Flags().IntVar(&outboxLimit, "limit", 0, "max messages (0 = all)")
	outboxInboxCmd.Flags().StringVar(&outboxSender, "sender", "", "filter by sender")
	outboxInboxCmd.Flags().StringVar(&outboxCorrelation, "correlation", "", "filter by correlation id")
	outboxInboxCmd.Flags().BoolVar(&outboxAcked, "include-acked", false, "include already acked messages")

	outboxGCCmd.Flags().IntVar(&outboxOlderThan, "acked-older-than", 24, "purge acked messages older than this many hours (0 = all acked)")

	outboxCmd.AddCommand(outboxSendCmd, outboxInboxCmd, outboxAckCmd,
		outboxAckAllCmd, outboxPendingCmd, outboxRepliesCmd, outboxGCCmd)
	rootCmd.AddCommand(outboxCmd)
}

func outboxSend(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	meta, err := parseMetadata(outboxMeta)
	if err != nil {
		return err
	}
	ttl := outboxTTL
	if !cmd.Flags().Changed("ttl") && k.Config.Outbox.DefaultTTLSeconds > 0 {
		ttl = k.Config.Outbox.DefaultTTLSeconds
	}
	in := outbox.SendInput{
		Channel:    args[0],
		Sender:     outboxSender,
		Content:    args[1],
		Metadata:   meta,
		TTLSeconds: ttl,
	}
	if outboxCorrelation != "" {
		in.CorrelationID = strPtr(outboxCorrelation)
	}
	if outboxTaskID != "" {
		in.TaskID = strPtr(outboxTaskID)
	}
	m, err := k.Outbox.Send(cmd.Context(), in)
	if err != nil {
		return err
	}
	return emit(m, func(w io.Writer) {
		fmt.Fprintf(w, "sent message %d on %s\n", m.ID, m.Channel)
	})
}

func outboxInbox(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	msgs, err := k.Outbox.Inbox(cmd.Context(), outbox.InboxInput{
		Channel:       args[0],
		AfterID:       outboxAfter,
		Limit:         outboxLimit,
		Sender:        outboxSender,
		CorrelationID: outboxCorrelation,
		IncludeAcked:  outboxAcked,
	})
	if err != nil {
		return err
	}
	return emit(msgs, func(w io.Writer) {
		if len(msgs) == 0 {
			fmt.Fprintln(w, "no messages")
			return
		}
		for _, m := range msgs {
			fmt.Fprintf(w, "%6d %-8s %-14s %s  %s\n",
				m.ID, m.Status, m.Sender, m.CreatedAt.Format(time.RFC3339), m.Content)
		}
	})
}

func outboxAck(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return usagef("message id must be an integer, got %q", args[0])
	}
	if err := k.Outbox.Ack(cmd.Context(), id); err != nil {
		return err
	}
	return emit(map[string]int64{"acked": id}, func(w io.Writer) {
		fmt.Fprintf(w, "acked %d\n", id)
	})
}

func outboxAckAll(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	n, err := k.Outbox.AckAll(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return emit(map[string]int64{"acked": n}, func(w io.Writer) {
		fmt.Fprintf(w, "acked %d message(s) on %s\n", n, args[0])
	})
}

func outboxPending(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	n, err := k.Outbox.Pending(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return emit(map[string]int64{"pending": n}, func(w io.Writer) {
		fmt.Fprintf(w, "%d pending on %s\n", n, args[0])
	})
}

func outboxReplies(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	msgs, err := k.Outbox.FindReplies(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return emit(msgs, func(w io.Writer) {
		if len(msgs) == 0 {
			fmt.Fprintln(w, "no replies")
			return
		}
		for _, m := range msgs {
			fmt.Fprintf(w, "%6d %-14s %-14s %s\n", m.ID, m.Channel, m.Sender, m.Content)
		}
	})
}

func outboxGC(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	res, err := k.Outbox.GC(cmd.Context(), outboxOlderThan)
	if err != nil {
		return err
	}
	return emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "purged %d expired, %d acked\n", res.Expired, res.Acked)
	})
}
