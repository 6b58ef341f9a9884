// Package outbox is the durable at-most-once message channel between
// agent processes. Senders append, readers drive their own id cursor,
// acks are per-message and never implicit.
package outbox

import (
	"context"
	"strings"
	"time"

	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
)

// SendInput describes one outgoing message.
type SendInput struct {
	Channel       string
	Sender        string
	Content       string
	CorrelationID *string
	TaskID        *string
	Metadata      map[string]string
	// TTLSeconds > 0 sets an expiry; 0 means the message never expires.
	TTLSeconds int
}

// InboxInput is a cursor read over one channel.
type InboxInput struct {
	Channel       string
	AfterID       int64
	Limit         int
	Sender        string
	CorrelationID string
	IncludeAcked  bool
}

// GCResult reports what a garbage-collection pass deleted.
type GCResult struct {
	Expired int64 `json:"expired"`
	Acked   int64 `json:"acked"`
}

// Service exposes the messaging operations.
type Service struct {
	store *store.Store
}

// NewService builds the outbox service.
func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// Send appends a message to a channel. Ids are strictly monotone per
// store, so readers can use the last seen id as a cursor.
func (svc *Service) Send(ctx context.Context, in SendInput) (*store.Message, error) {
	if strings.TrimSpace(in.Channel) == "" {
		return nil, txerr.New(txerr.CodeValidationError, "channel must not be empty")
	}
	if strings.TrimSpace(in.Sender) == "" {
		return nil, txerr.New(txerr.CodeValidationError, "sender must not be empty")
	}
	if in.TTLSeconds < 0 {
		return nil, txerr.New(txerr.CodeValidationError, "ttlSeconds must not be negative")
	}
	m := &store.Message{
		Channel:       in.Channel,
		Sender:        in.Sender,
		Content:       in.Content,
		Status:        store.MessagePending,
		CorrelationID: in.CorrelationID,
		TaskID:        in.TaskID,
		Metadata:      in.Metadata,
		CreatedAt:     svc.store.Now(),
	}
	if in.TTLSeconds > 0 {
		exp := m.CreatedAt.Add(time.Duration(in.TTLSeconds) * time.Second)
		m.ExpiresAt = &exp
	}
	sent, err := svc.store.InsertMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	logging.Outbox("Sent message %d on %s from %s", sent.ID, sent.Channel, sent.Sender)
	return sent, nil
}

// Inbox reads messages with id > AfterID in ascending id order.
// Expired messages never appear; acked ones only when asked for.
func (svc *Service) Inbox(ctx context.Context, in InboxInput) ([]*store.Message, error) {
	if strings.TrimSpace(in.Channel) == "" {
		return nil, txerr.New(txerr.CodeValidationError, "channel must not be empty")
	}
	return svc.store.InboxMessages(ctx, store.InboxFilter{
		Channel:       in.Channel,
		AfterID:       in.AfterID,
		Limit:         in.Limit,
		Sender:        in.Sender,
		CorrelationID: in.CorrelationID,
		IncludeAcked:  in.IncludeAcked,
	}, svc.store.Now())
}

// Ack marks one message consumed. Acking twice fails with
// MessageAlreadyAcked.
func (svc *Service) Ack(ctx context.Context, id int64) error {
	return svc.store.AckMessage(ctx, id, svc.store.Now())
}

// AckAll bulk-acks every pending message on a channel and returns how
// many it touched.
func (svc *Service) AckAll(ctx context.Context, channel string) (int64, error) {
	return svc.store.AckAllPending(ctx, channel, svc.store.Now())
}

// Pending counts non-expired, non-acked messages on a channel.
func (svc *Service) Pending(ctx context.Context, channel string) (int64, error) {
	return svc.store.PendingCount(ctx, channel, svc.store.Now())
}

// FindReplies returns every message sharing a correlation id, oldest
// first, regardless of channel or ack state.
func (svc *Service) FindReplies(ctx context.Context, correlationID string) ([]*store.Message, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, txerr.New(txerr.CodeValidationError, "correlationId must not be empty")
	}
	return svc.store.MessagesByCorrelation(ctx, correlationID)
}

// GC deletes expired messages and acked messages older than the given
// threshold. ackedOlderThanHours = 0 purges all acked rows.
func (svc *Service) GC(ctx context.Context, ackedOlderThanHours int) (GCResult, error) {
	var res GCResult
	now := svc.store.Now()
	expired, err := svc.store.PurgeExpiredMessages(ctx, now)
	if err != nil {
		return res, err
	}
	res.Expired = expired

	cutoff := now.Add(-time.Duration(ackedOlderThanHours) * time.Hour)
	acked, err := svc.store.PurgeAckedMessages(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.Acked = acked
	if res.Expired > 0 || res.Acked > 0 {
		logging.Outbox("GC removed %d expired, %d acked messages", res.Expired, res.Acked)
	}
	return res, nil
}
