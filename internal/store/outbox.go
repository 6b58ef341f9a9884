// Outbox message repository. AUTOINCREMENT guarantees strictly monotone
// ids per store, so afterId cursors never skip or re-deliver within a
// channel.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tx/internal/txerr"
)

const messageColumns = `id, channel, sender, content, status, correlation_id, task_id,
	metadata, created_at, acked_at, expires_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var correlation, taskID, acked, expires sql.NullString
	var created, metaJSON string
	if err := row.Scan(&m.ID, &m.Channel, &m.Sender, &m.Content, &m.Status,
		&correlation, &taskID, &metaJSON, &created, &acked, &expires); err != nil {
		return nil, err
	}
	if correlation.Valid {
		m.CorrelationID = &correlation.String
	}
	if taskID.Valid {
		m.TaskID = &taskID.String
	}
	_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	var err error
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	m.AckedAt = parseTimePtr(acked)
	m.ExpiresAt = parseTimePtr(expires)
	return &m, nil
}

// InsertMessage appends a message and returns it with the assigned id.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	meta, err := json.Marshal(orEmptyMap(m.Metadata))
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeValidationError, err, "marshal message metadata")
	}
	var out Message
	err = s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO outbox_messages (channel, sender, content, status, correlation_id,
				task_id, metadata, created_at, acked_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Channel, m.Sender, m.Content, m.Status, m.CorrelationID, m.TaskID,
			string(meta), fmtTime(m.CreatedAt), fmtTimePtr(m.AckedAt), fmtTimePtr(m.ExpiresAt))
		if err != nil {
			return txerr.Database(err, "insert message on channel %s", m.Channel)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return txerr.Database(err, "message insert id")
		}
		out = *m
		out.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessage fetches one message by id, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var m *Message
	err := s.read(func() error {
		var scanErr error
		m, scanErr = scanMessage(s.db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM outbox_messages WHERE id = ?`, id))
		if scanErr == sql.ErrNoRows {
			m = nil
			return nil
		}
		if scanErr != nil {
			return txerr.Database(scanErr, "get message %d", id)
		}
		return nil
	})
	return m, err
}

// InboxFilter narrows an inbox read. Zero values mean "no filter".
type InboxFilter struct {
	Channel       string
	AfterID       int64
	Limit         int
	Sender        string
	CorrelationID string
	IncludeAcked  bool
}

// MessagesAfter returns up to limit pending messages on a channel with
// id > afterID, oldest first. A zero cursor reads from the beginning.
func (s *Store) MessagesAfter(ctx context.Context, channel string, afterID int64, limit int) ([]*Message, error) {
	return s.InboxMessages(ctx, InboxFilter{Channel: channel, AfterID: afterID, Limit: limit}, s.Now())
}

// InboxMessages is the full cursor read: id > afterID ascending, expired
// rows always excluded, acked rows excluded unless requested.
func (s *Store) InboxMessages(ctx context.Context, f InboxFilter, now time.Time) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbox_messages
		WHERE channel = ? AND id > ?
		  AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{f.Channel, f.AfterID, fmtTime(now)}
	if !f.IncludeAcked {
		query += ` AND status = 'pending'`
	}
	if f.Sender != "" {
		query += ` AND sender = ?`
		args = append(args, f.Sender)
	}
	if f.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, f.CorrelationID)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.messageQuery(ctx, query, args...)
}

// AckAllPending acks every pending message on a channel; returns count.
func (s *Store) AckAllPending(ctx context.Context, channel string, at time.Time) (int64, error) {
	var acked int64
	err := s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE outbox_messages SET status = 'acked', acked_at = ?
			WHERE channel = ? AND status = 'pending'`, fmtTime(at), channel)
		if err != nil {
			return txerr.Database(err, "ack all on channel %s", channel)
		}
		acked, _ = res.RowsAffected()
		return nil
	})
	return acked, err
}

// PendingCount counts non-expired pending messages on a channel.
func (s *Store) PendingCount(ctx context.Context, channel string, now time.Time) (int64, error) {
	var count int64
	err := s.read(func() error {
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM outbox_messages
			WHERE channel = ? AND status = 'pending'
			  AND (expires_at IS NULL OR expires_at > ?)`,
			channel, fmtTime(now)).Scan(&count); err != nil {
			return txerr.Database(err, "pending count on channel %s", channel)
		}
		return nil
	})
	return count, err
}

// PurgeAckedMessages deletes acked rows older than the cutoff and
// returns the count removed.
func (s *Store) PurgeAckedMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.write(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM outbox_messages WHERE status = 'acked' AND acked_at IS NOT NULL AND acked_at <= ?`,
			fmtTime(cutoff))
		if err != nil {
			return txerr.Database(err, "purge acked messages")
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

// MessagesByCorrelation returns every message sharing a correlation id.
func (s *Store) MessagesByCorrelation(ctx context.Context, correlationID string) ([]*Message, error) {
	return s.messageQuery(ctx,
		`SELECT `+messageColumns+` FROM outbox_messages WHERE correlation_id = ? ORDER BY id ASC`,
		correlationID)
}

// AckMessage flips pending -> acked. Acking an already-acked message is
// an error; acking an unknown id is a validation failure.
func (s *Store) AckMessage(ctx context.Context, id int64, at time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var status MessageStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM outbox_messages WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return txerr.New(txerr.CodeValidationError, "message %d does not exist", id)
		}
		if err != nil {
			return txerr.Database(err, "read message %d", id)
		}
		if status == MessageAcked {
			return txerr.New(txerr.CodeMessageAlreadyAcked, "message %d already acked", id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_messages SET status = 'acked', acked_at = ? WHERE id = ?`,
			fmtTime(at), id); err != nil {
			return txerr.Database(err, "ack message %d", id)
		}
		return nil
	})
}

// PurgeExpiredMessages deletes messages whose TTL lapsed before now and
// returns the count removed. Messages with no expiry are kept forever.
func (s *Store) PurgeExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := s.write(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM outbox_messages WHERE expires_at IS NOT NULL AND expires_at < ?`,
			fmtTime(now))
		if err != nil {
			return txerr.Database(err, "purge expired messages")
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

func (s *Store) messageQuery(ctx context.Context, query string, args ...any) ([]*Message, error) {
	var messages []*Message
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return txerr.Database(err, "message query")
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return txerr.Database(err, "scan message")
			}
			messages = append(messages, m)
		}
		return rows.Err()
	})
	return messages, err
}
