package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// SQLStore implements Store on database/sql. Queries are written with ?
// placeholders and rebound for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Close() error { return s.db.Close() }

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func fail(err error, op string) error {
	return apperr.Persistence(errors.Wrap(err, op))
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLStore) inTx(ctx context.Context, op string, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(err, op+".begin")
	}
	if err := fn(&Tx{tx: tx, s: s}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fail(err, op+".commit")
	}
	return nil
}

const messageCols = `id, conversation_id, sender_id, type, content, media_url, media_mime_type,
	media_duration, waveform, reply_to_id, is_deleted, idempotency_key, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*model.Message, error) {
	var (
		m                                      model.Message
		typ                                    string
		content, mediaURL, mime, wave, idemKey sql.NullString
		duration                               sql.NullFloat64
		replyTo                                sql.NullInt64
		created                                int64
	)
	err := sc.Scan(&m.ID, &m.ConversationID, &m.SenderID, &typ, &content, &mediaURL, &mime,
		&duration, &wave, &replyTo, &m.IsDeleted, &idemKey, &created)
	if err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	m.Content = content.String
	m.MediaURL = mediaURL.String
	m.MediaMimeType = mime.String
	m.MediaDuration = duration.Float64
	m.IdempotencyKey = idemKey.String
	m.CreatedAt = fromMillis(created)
	if replyTo.Valid {
		id := replyTo.Int64
		m.ReplyToID = &id
	}
	if wave.Valid && wave.String != "" {
		if err := json.Unmarshal([]byte(wave.String), &m.Waveform); err != nil {
			return nil, errors.Wrap(err, "decode waveform")
		}
	}
	if m.IsDeleted {
		m.Redact()
	}
	return &m, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return toMillis(t)
}

func (s *SQLStore) message(ctx context.Context, q queryer, id int64) (*model.Message, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+messageCols+` FROM messages WHERE id=?`), id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachReads(ctx, q, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// attachReads loads read rows for msgs. Rows of any earlier query on q must
// already be closed: SQLite runs on a single connection.
func (s *SQLStore) attachReads(ctx context.Context, q queryer, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[int64]*model.Message, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		args = append(args, m.ID)
	}
	query := `SELECT message_id, user_id, status, read_at FROM message_reads
		WHERE message_id IN (` + placeholders(len(args)) + `) ORDER BY message_id, user_id`
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r      model.MessageRead
			status int64
			readAt sql.NullInt64
		)
		if err := rows.Scan(&r.MessageID, &r.UserID, &status, &readAt); err != nil {
			return err
		}
		r.Status = delivery.Status(status)
		if readAt.Valid {
			t := fromMillis(readAt.Int64)
			r.ReadAt = &t
		}
		if m := byID[r.MessageID]; m != nil {
			m.Reads = append(m.Reads, r)
		}
	}
	return rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLStore) conversation(ctx context.Context, q queryer, where string, args ...any) (*model.Conversation, error) {
	var (
		c                  model.Conversation
		low, high, created int64
		lastID, lastAt     sql.NullInt64
	)
	row := q.QueryRowContext(ctx, s.rebind(`SELECT id, user_low, user_high, last_message_id, last_message_at, created_at
		FROM conversations WHERE `+where), args...)
	if err := row.Scan(&c.ID, &low, &high, &lastID, &lastAt, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Participants = []int64{low, high}
	c.CreatedAt = fromMillis(created)
	if lastAt.Valid {
		t := fromMillis(lastAt.Int64)
		c.LastMessageAt = &t
	}

	c.UnreadCount = make(map[int64]int, 2)
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT user_id, unread_count FROM conversation_members WHERE conversation_id=?`), c.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var uid int64
		var n int
		if err := rows.Scan(&uid, &n); err != nil {
			rows.Close()
			return nil, err
		}
		c.UnreadCount[uid] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if lastID.Valid {
		m, err := s.message(ctx, q, lastID.Int64)
		if err != nil {
			return nil, err
		}
		c.LastMessage = m
	}
	return &c, nil
}

func (s *SQLStore) Conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	c, err := s.conversation(ctx, s.db, `id=?`, id)
	if err != nil {
		return nil, fail(err, "store.Conversation")
	}
	return c, nil
}

func (s *SQLStore) ConversationForPair(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	low, high := model.PairKey(userA, userB)
	c, err := s.conversation(ctx, s.db, `user_low=? AND user_high=?`, low, high)
	if err != nil {
		return nil, fail(err, "store.ConversationForPair")
	}
	return c, nil
}

func (s *SQLStore) CreateOrGetConversation(ctx context.Context, userA, userB int64) (*model.Conversation, bool, error) {
	if userA == userB {
		return nil, false, apperr.Validation("cannot start a conversation with yourself")
	}
	var (
		conv    *model.Conversation
		created bool
	)
	err := s.inTx(ctx, "store.CreateOrGetConversation", func(tx *Tx) error {
		existing, err := tx.ConversationForPair(ctx, userA, userB)
		if err != nil {
			return err
		}
		if existing != nil {
			conv = existing
			return nil
		}

		low, high := model.PairKey(userA, userB)
		var n int
		if err := tx.tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM users WHERE id IN (?, ?)`), low, high).Scan(&n); err != nil {
			return fail(err, "store.CreateOrGetConversation.users")
		}
		if n != 2 {
			return apperr.NotFound("user not found")
		}

		now := time.Now().UTC()
		var id int64
		err = tx.tx.QueryRowContext(ctx, s.rebind(`INSERT INTO conversations (user_low, user_high, created_at) VALUES (?, ?, ?)
			ON CONFLICT (user_low, user_high) DO NOTHING RETURNING id`), low, high, toMillis(now)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			// lost a race with a concurrent creator
			conv, err = tx.ConversationForPair(ctx, low, high)
			return err
		}
		if err != nil {
			return fail(err, "store.CreateOrGetConversation.insert")
		}
		if _, err := tx.tx.ExecContext(ctx, s.rebind(`INSERT INTO conversation_members (conversation_id, user_id, unread_count)
			VALUES (?, ?, 0), (?, ?, 0)`), id, low, id, high); err != nil {
			return fail(err, "store.CreateOrGetConversation.members")
		}
		conv = &model.Conversation{
			ID:           id,
			Participants: []int64{low, high},
			UnreadCount:  map[int64]int{low: 0, high: 0},
			CreatedAt:    fromMillis(toMillis(now)),
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID int64, p Page) ([]model.ConversationSummary, error) {
	p = p.Normalize()
	const activity = `COALESCE(c.last_message_id, 0)`
	query := `SELECT c.id, c.last_message_id, c.last_message_at, c.created_at, m.unread_count, u.id, u.username
		FROM conversation_members m
		JOIN conversations c ON c.id = m.conversation_id
		JOIN users u ON u.id = CASE WHEN c.user_low = ? THEN c.user_high ELSE c.user_low END
		WHERE m.user_id = ?`
	args := []any{userID, userID}
	order := ` ORDER BY ` + activity + ` DESC, c.id DESC LIMIT ?`
	ascending := false

	if cursor := max(p.Before, p.After); cursor > 0 {
		var act int64
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(last_message_id, 0) FROM conversations WHERE id=?`), cursor).Scan(&act)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Validation("unknown conversation cursor")
		}
		if err != nil {
			return nil, fail(err, "store.ListConversations.cursor")
		}
		if p.After > 0 {
			query += ` AND (` + activity + ` > ? OR (` + activity + ` = ? AND c.id > ?))`
			order = ` ORDER BY ` + activity + ` ASC, c.id ASC LIMIT ?`
			ascending = true
		} else {
			query += ` AND (` + activity + ` < ? OR (` + activity + ` = ? AND c.id < ?))`
		}
		args = append(args, act, act, cursor)
	}
	args = append(args, p.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query+order), args...)
	if err != nil {
		return nil, fail(err, "store.ListConversations.query")
	}
	var (
		out     []model.ConversationSummary
		lastIDs []int64
	)
	for rows.Next() {
		var (
			cs             model.ConversationSummary
			lastID, lastAt sql.NullInt64
			created        int64
		)
		if err := rows.Scan(&cs.ID, &lastID, &lastAt, &created, &cs.UnreadCount, &cs.OtherUserID, &cs.OtherUsername); err != nil {
			rows.Close()
			return nil, fail(err, "store.ListConversations.scan")
		}
		cs.CreatedAt = fromMillis(created)
		if lastAt.Valid {
			t := fromMillis(lastAt.Int64)
			cs.LastMessageAt = &t
		}
		if lastID.Valid {
			lastIDs = append(lastIDs, lastID.Int64)
			cs.LastMessage = &model.Message{ID: lastID.Int64}
		}
		out = append(out, cs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(err, "store.ListConversations.rows")
	}
	if ascending {
		reverse(out)
	}

	if len(lastIDs) > 0 {
		msgs, err := s.messagesByID(ctx, s.db, lastIDs)
		if err != nil {
			return nil, fail(err, "store.ListConversations.lastMessages")
		}
		for i := range out {
			if out[i].LastMessage != nil {
				out[i].LastMessage = msgs[out[i].LastMessage.ID]
			}
		}
	}
	return out, nil
}

func (s *SQLStore) messagesByID(ctx context.Context, q queryer, ids []int64) (map[int64]*model.Message, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT `+messageCols+` FROM messages WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return nil, err
	}
	var list []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachReads(ctx, q, list); err != nil {
		return nil, err
	}
	out := make(map[int64]*model.Message, len(list))
	for _, m := range list {
		out[m.ID] = m
	}
	return out, nil
}

func (s *SQLStore) CoParticipants(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT m2.user_id
		FROM conversation_members m1
		JOIN conversation_members m2 ON m1.conversation_id = m2.conversation_id
		WHERE m1.user_id = ? AND m2.user_id <> ?
		ORDER BY m2.user_id`), userID, userID)
	if err != nil {
		return nil, fail(err, "store.CoParticipants")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fail(err, "store.CoParticipants.scan")
		}
		out = append(out, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(err, "store.CoParticipants.rows")
	}
	return out, nil
}

func (s *SQLStore) Message(ctx context.Context, id int64) (*model.Message, error) {
	m, err := s.message(ctx, s.db, id)
	if err != nil {
		return nil, fail(err, "store.Message")
	}
	return m, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID int64, p Page) ([]model.Message, error) {
	p = p.Normalize()
	var (
		query     string
		args      []any
		ascending bool
	)
	base := `SELECT ` + messageCols + ` FROM messages WHERE conversation_id=?`
	switch {
	case p.After > 0:
		query = base + ` AND id > ? ORDER BY id ASC LIMIT ?`
		args = []any{conversationID, p.After, p.Limit}
		ascending = true
	case p.Before > 0:
		query = base + ` AND id < ? ORDER BY id DESC LIMIT ?`
		args = []any{conversationID, p.Before, p.Limit}
	default:
		query = base + ` ORDER BY id DESC LIMIT ?`
		args = []any{conversationID, p.Limit}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fail(err, "store.ListMessages.query")
	}
	var ptrs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fail(err, "store.ListMessages.scan")
		}
		ptrs = append(ptrs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(err, "store.ListMessages.rows")
	}
	if err := s.attachReads(ctx, s.db, ptrs); err != nil {
		return nil, fail(err, "store.ListMessages.reads")
	}
	if !ascending {
		reverse(ptrs)
	}
	out := make([]model.Message, len(ptrs))
	for i, m := range ptrs {
		out[i] = *m
	}
	return out, nil
}

func (s *SQLStore) Submit(ctx context.Context, p SubmitParams) (*model.Message, bool, error) {
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	var (
		out *model.Message
		dup bool
	)
	err := s.inTx(ctx, "store.Submit", func(tx *Tx) error {
		if p.IdempotencyKey != "" {
			id, found, err := tx.lookupIdempotencyKey(ctx, p.SenderID, p.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				m, err := s.message(ctx, tx.tx, id)
				if err != nil {
					return fail(err, "store.Submit.original")
				}
				if m == nil {
					return apperr.NotFound("original message no longer exists")
				}
				out, dup = m, true
				return nil
			}
		}

		conv, err := s.conversation(ctx, tx.tx, `id=?`, p.ConversationID)
		if err != nil {
			return fail(err, "store.Submit.conversation")
		}
		if conv == nil || !conv.Has(p.SenderID) {
			return apperr.NotParticipant()
		}
		if p.Draft.ReplyToID != nil {
			target, err := s.message(ctx, tx.tx, *p.Draft.ReplyToID)
			if err != nil {
				return fail(err, "store.Submit.replyTarget")
			}
			if target == nil || target.ConversationID != conv.ID {
				return apperr.Validation("reply_to_id: message not found in this conversation")
			}
		}

		m := p.Draft.Message(conv.ID, p.SenderID, p.IdempotencyKey, fromMillis(toMillis(p.At)))
		if err := tx.CreateMessage(ctx, &m); err != nil {
			return err
		}
		deltas := make(map[int64]int)
		for _, uid := range conv.Others(p.SenderID) {
			if _, err := tx.UpsertReadStatus(ctx, m.ID, uid, delivery.StatusSent, time.Time{}); err != nil {
				return err
			}
			m.Reads = append(m.Reads, model.MessageRead{MessageID: m.ID, UserID: uid, Status: delivery.StatusSent})
			deltas[uid] = 1
		}
		if err := tx.UpdateConversationAggregate(ctx, conv.ID, &m, deltas); err != nil {
			return err
		}
		if p.IdempotencyKey != "" {
			if err := tx.recordIdempotencyKey(ctx, p.SenderID, p.IdempotencyKey, m.ID, p.At); err != nil {
				return err
			}
		}
		out = &m
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, dup, nil
}

func (s *SQLStore) AdvanceStatus(ctx context.Context, userID, conversationID int64, status delivery.Status, upToID int64, at time.Time) ([]int64, error) {
	if status != delivery.StatusDelivered && status != delivery.StatusRead {
		return nil, apperr.Validation("status must be delivered or read")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var changed []int64
	err := s.inTx(ctx, "store.AdvanceStatus", func(tx *Tx) error {
		var unread int
		err := tx.tx.QueryRowContext(ctx, s.rebind(`SELECT unread_count FROM conversation_members
			WHERE conversation_id=? AND user_id=?`), conversationID, userID).Scan(&unread)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotParticipant()
		}
		if err != nil {
			return fail(err, "store.AdvanceStatus.member")
		}

		query := `SELECT r.message_id FROM message_reads r
			JOIN messages m ON m.id = r.message_id
			WHERE m.conversation_id=? AND r.user_id=? AND r.status < ?`
		args := []any{conversationID, userID, int64(status)}
		if upToID > 0 {
			query += ` AND m.id <= ?`
			args = append(args, upToID)
		}
		rows, err := tx.tx.QueryContext(ctx, s.rebind(query+` ORDER BY r.message_id`), args...)
		if err != nil {
			return fail(err, "store.AdvanceStatus.pending")
		}
		var pending []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fail(err, "store.AdvanceStatus.scan")
			}
			pending = append(pending, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fail(err, "store.AdvanceStatus.rows")
		}

		for _, id := range pending {
			ok, err := tx.UpsertReadStatus(ctx, id, userID, status, at)
			if err != nil {
				return err
			}
			if ok {
				changed = append(changed, id)
			}
		}
		if status == delivery.StatusRead && unread != 0 {
			return tx.ResetUnread(ctx, conversationID, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (s *SQLStore) SoftDelete(ctx context.Context, userID, messageID int64) (*model.Message, bool, error) {
	var (
		out     *model.Message
		changed bool
	)
	err := s.inTx(ctx, "store.SoftDelete", func(tx *Tx) error {
		m, err := s.message(ctx, tx.tx, messageID)
		if err != nil {
			return fail(err, "store.SoftDelete.load")
		}
		if m == nil {
			return apperr.NotFound("message not found")
		}
		if m.SenderID != userID {
			return apperr.Forbidden("only the sender may delete a message")
		}
		out = m
		if m.IsDeleted {
			return nil
		}
		if _, err := tx.tx.ExecContext(ctx, s.rebind(`UPDATE messages SET is_deleted=?, content=NULL, media_url=NULL,
			media_mime_type=NULL, media_duration=NULL, waveform=NULL WHERE id=?`), true, messageID); err != nil {
			return fail(err, "store.SoftDelete.update")
		}
		m.Redact()
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}
