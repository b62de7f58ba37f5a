package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/pkg/errors"
)

// Tx exposes the gateway's write primitives inside one transaction.
type Tx struct {
	tx *sql.Tx
	s  *SQLStore
}

func (t *Tx) ConversationForPair(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	low, high := model.PairKey(userA, userB)
	c, err := t.s.conversation(ctx, t.tx, `user_low=? AND user_high=?`, low, high)
	if err != nil {
		return nil, fail(err, "store.Tx.ConversationForPair")
	}
	return c, nil
}

// CreateMessage inserts m and sets its ID.
func (t *Tx) CreateMessage(ctx context.Context, m *model.Message) error {
	var wave any
	if len(m.Waveform) > 0 {
		b, err := json.Marshal(m.Waveform)
		if err != nil {
			return errors.Wrap(err, "store.Tx.CreateMessage.waveform")
		}
		wave = string(b)
	}
	var duration any
	if m.MediaDuration > 0 {
		duration = m.MediaDuration
	}
	var replyTo any
	if m.ReplyToID != nil {
		replyTo = *m.ReplyToID
	}
	err := t.tx.QueryRowContext(ctx, t.s.rebind(`INSERT INTO messages
		(conversation_id, sender_id, type, content, media_url, media_mime_type, media_duration, waveform,
		 reply_to_id, is_deleted, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		m.ConversationID, m.SenderID, string(m.Type), nullString(m.Content), nullString(m.MediaURL),
		nullString(m.MediaMimeType), duration, wave, replyTo, false, nullString(m.IdempotencyKey),
		toMillis(m.CreatedAt)).Scan(&m.ID)
	if err != nil {
		return fail(err, "store.Tx.CreateMessage")
	}
	return nil
}

// UpsertReadStatus creates or advances a read row. It never moves a row
// backwards and reports whether the row changed.
func (t *Tx) UpsertReadStatus(ctx context.Context, messageID, userID int64, status delivery.Status, at time.Time) (bool, error) {
	var readAt any
	if status == delivery.StatusRead {
		readAt = nullMillis(at)
	}
	res, err := t.tx.ExecContext(ctx, t.s.rebind(`INSERT INTO message_reads (message_id, user_id, status, read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET status = excluded.status, read_at = COALESCE(message_reads.read_at, excluded.read_at)
		WHERE message_reads.status < excluded.status`),
		messageID, userID, int64(status), readAt)
	if err != nil {
		return false, fail(err, "store.Tx.UpsertReadStatus")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail(err, "store.Tx.UpsertReadStatus.rows")
	}
	return n > 0, nil
}

// UpdateConversationAggregate points the conversation at last (if newer than
// what it has) and adds unreadDeltas to the members' unread counts.
func (t *Tx) UpdateConversationAggregate(ctx context.Context, conversationID int64, last *model.Message, unreadDeltas map[int64]int) error {
	if last != nil {
		if _, err := t.tx.ExecContext(ctx, t.s.rebind(`UPDATE conversations SET last_message_id=?, last_message_at=?
			WHERE id=? AND (last_message_id IS NULL OR last_message_id < ?)`),
			last.ID, toMillis(last.CreatedAt), conversationID, last.ID); err != nil {
			return fail(err, "store.Tx.UpdateConversationAggregate.last")
		}
	}
	users := make([]int64, 0, len(unreadDeltas))
	for uid := range unreadDeltas {
		users = append(users, uid)
	}
	slices.Sort(users)
	for _, uid := range users {
		if _, err := t.tx.ExecContext(ctx, t.s.rebind(`UPDATE conversation_members SET unread_count = unread_count + ?
			WHERE conversation_id=? AND user_id=?`), unreadDeltas[uid], conversationID, uid); err != nil {
			return fail(err, "store.Tx.UpdateConversationAggregate.unread")
		}
	}
	return nil
}

func (t *Tx) ResetUnread(ctx context.Context, conversationID, userID int64) error {
	if _, err := t.tx.ExecContext(ctx, t.s.rebind(`UPDATE conversation_members SET unread_count=0
		WHERE conversation_id=? AND user_id=?`), conversationID, userID); err != nil {
		return fail(err, "store.Tx.ResetUnread")
	}
	return nil
}

func (t *Tx) lookupIdempotencyKey(ctx context.Context, userID int64, key string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, t.s.rebind(`SELECT message_id FROM idempotency_keys WHERE user_id=? AND idem_key=?`),
		userID, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fail(err, "store.Tx.lookupIdempotencyKey")
	}
	return id, true, nil
}

func (t *Tx) recordIdempotencyKey(ctx context.Context, userID int64, key string, messageID int64, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx, t.s.rebind(`INSERT INTO idempotency_keys (user_id, idem_key, message_id, created_at)
		VALUES (?, ?, ?, ?)`), userID, key, messageID, toMillis(at)); err != nil {
		return fail(err, "store.Tx.recordIdempotencyKey")
	}
	return nil
}
