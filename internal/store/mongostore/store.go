// Package mongostore implements the persistence gateway on MongoDB. Read
// rows are embedded in their message document; ids come from a counters
// collection so they stay int64 and increasing like the SQL stores.
//
// Submit, AdvanceStatus and SoftDelete run in multi-document transactions,
// which need a replica set.
package mongostore

import (
	"context"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	colCounters      = "counters"
	colUsers         = "users"
	colConversations = "conversations"
	colMessages      = "messages"
	colIdempotency   = "idempotency_keys"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects and pings the primary.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetConnectTimeout(10 * time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "mongostore.Open.connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongostore.Open.ping")
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// Migrate creates the indexes the queries rely on. Creating an index that
// already exists is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colUsers: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "username_lower", Value: 1}}},
		},
		colConversations: {
			{Keys: bson.D{{Key: "user_low", Value: 1}, {Key: "user_high", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "members.user_id", Value: 1}, {Key: "last_message_id", Value: -1}, {Key: "_id", Value: -1}}},
		},
		colMessages: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "_id", Value: -1}}},
		},
		colIdempotency: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for name, models := range indexes {
		if _, err := s.col(name).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "mongostore.Migrate.%s", name)
		}
	}
	return nil
}

func fail(err error, op string) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Persistence(errors.Wrap(err, op))
}

// nextID allocates the next id of a sequence.
func (s *Store) nextID(ctx context.Context, seq string) (int64, error) {
	var c struct {
		Seq int64 `bson:"seq"`
	}
	err := s.col(colCounters).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: seq}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, err
	}
	return c.Seq, nil
}

// inTx runs fn in a transaction, retrying transient conflicts.
func (s *Store) inTx(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fail(err, op+".session")
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		return fail(err, op)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

type userDoc struct {
	ID            int64  `bson:"_id"`
	Username      string `bson:"username"`
	UsernameLower string `bson:"username_lower"`
	PasswordHash  string `bson:"password_hash"`
	LastActive    *int64 `bson:"last_active,omitempty"`
	CreatedAt     int64  `bson:"created_at"`
}

func (d userDoc) model() *model.User {
	return &model.User{
		ID:           d.ID,
		Username:     d.Username,
		PasswordHash: d.PasswordHash,
		LastActive:   timePtr(d.LastActive),
		CreatedAt:    fromMillis(d.CreatedAt),
	}
}

type memberDoc struct {
	UserID int64 `bson:"user_id"`
	Unread int   `bson:"unread"`
}

type conversationDoc struct {
	ID            int64       `bson:"_id"`
	UserLow       int64       `bson:"user_low"`
	UserHigh      int64       `bson:"user_high"`
	LastMessageID int64       `bson:"last_message_id"`
	LastMessageAt *int64      `bson:"last_message_at,omitempty"`
	Members       []memberDoc `bson:"members"`
	CreatedAt     int64       `bson:"created_at"`
}

func (d conversationDoc) unread(userID int64) int {
	for _, m := range d.Members {
		if m.UserID == userID {
			return m.Unread
		}
	}
	return 0
}

func (d conversationDoc) other(userID int64) int64 {
	if d.UserLow == userID {
		return d.UserHigh
	}
	return d.UserLow
}

type readDoc struct {
	UserID int64  `bson:"user_id"`
	Status int    `bson:"status"`
	ReadAt *int64 `bson:"read_at,omitempty"`
}

type messageDoc struct {
	ID             int64     `bson:"_id"`
	ConversationID int64     `bson:"conversation_id"`
	SenderID       int64     `bson:"sender_id"`
	Type           string    `bson:"type"`
	Content        string    `bson:"content,omitempty"`
	MediaURL       string    `bson:"media_url,omitempty"`
	MediaMimeType  string    `bson:"media_mime_type,omitempty"`
	MediaDuration  float64   `bson:"media_duration,omitempty"`
	Waveform       []float64 `bson:"waveform,omitempty"`
	ReplyToID      *int64    `bson:"reply_to_id,omitempty"`
	IsDeleted      bool      `bson:"is_deleted"`
	IdempotencyKey string    `bson:"idempotency_key,omitempty"`
	CreatedAt      int64     `bson:"created_at"`
	Reads          []readDoc `bson:"reads"`
}

func newMessageDoc(m *model.Message) messageDoc {
	d := messageDoc{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           string(m.Type),
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		MediaMimeType:  m.MediaMimeType,
		MediaDuration:  m.MediaDuration,
		Waveform:       m.Waveform,
		ReplyToID:      m.ReplyToID,
		IsDeleted:      m.IsDeleted,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      toMillis(m.CreatedAt),
		Reads:          make([]readDoc, 0, len(m.Reads)),
	}
	for _, r := range m.Reads {
		rd := readDoc{UserID: r.UserID, Status: int(r.Status)}
		if r.ReadAt != nil {
			ms := toMillis(*r.ReadAt)
			rd.ReadAt = &ms
		}
		d.Reads = append(d.Reads, rd)
	}
	return d
}

func (d messageDoc) model() model.Message {
	m := model.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Type:           model.MessageType(d.Type),
		Content:        d.Content,
		MediaURL:       d.MediaURL,
		MediaMimeType:  d.MediaMimeType,
		MediaDuration:  d.MediaDuration,
		Waveform:       d.Waveform,
		ReplyToID:      d.ReplyToID,
		IsDeleted:      d.IsDeleted,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      fromMillis(d.CreatedAt),
	}
	for _, r := range d.Reads {
		m.Reads = append(m.Reads, model.MessageRead{
			MessageID: d.ID,
			UserID:    r.UserID,
			Status:    delivery.Status(r.Status),
			ReadAt:    timePtr(r.ReadAt),
		})
	}
	if m.IsDeleted {
		m.Redact()
	}
	return m
}

type idempotencyDoc struct {
	UserID    int64  `bson:"user_id"`
	Key       string `bson:"key"`
	MessageID int64  `bson:"message_id"`
	CreatedAt int64  `bson:"created_at"`
}
