// Package store is the Persistence Gateway: the only code that talks to the
// database. Operations that must be atomic (submit, status advance, delete)
// each run in a single transaction.
package store

import (
	"context"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Page is an id cursor. Before and After are exclusive bounds; with neither
// set the newest page is returned.
type Page struct {
	Limit  int   `form:"limit"`
	Before int64 `form:"before"`
	After  int64 `form:"after"`
}

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Before < 0 {
		p.Before = 0
	}
	if p.After < 0 {
		p.After = 0
	}
	return p
}

type SubmitParams struct {
	ConversationID int64
	SenderID       int64
	IdempotencyKey string
	Draft          model.Draft
	At             time.Time
}

type Gateway interface {
	CreateOrGetConversation(ctx context.Context, userA, userB int64) (*model.Conversation, bool, error)
	Conversation(ctx context.Context, id int64) (*model.Conversation, error)
	ConversationForPair(ctx context.Context, userA, userB int64) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID int64, p Page) ([]model.ConversationSummary, error)
	CoParticipants(ctx context.Context, userID int64) ([]int64, error)

	Message(ctx context.Context, id int64) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID int64, p Page) ([]model.Message, error)

	// Submit persists a message with its read rows, conversation aggregate and
	// idempotency record. A repeated key returns the original message and
	// duplicate=true without writing anything.
	Submit(ctx context.Context, p SubmitParams) (msg *model.Message, duplicate bool, err error)
	// AdvanceStatus moves userID's rows in the conversation forward to status,
	// up to and including upToID (0 means all). It returns the ids that changed.
	AdvanceStatus(ctx context.Context, userID, conversationID int64, status delivery.Status, upToID int64, at time.Time) ([]int64, error)
	SoftDelete(ctx context.Context, userID, messageID int64) (msg *model.Message, changed bool, err error)
}

type Users interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*model.User, error)
	UserByID(ctx context.Context, id int64) (*model.User, error)
	UserByUsername(ctx context.Context, username string) (*model.User, error)
	SearchUsers(ctx context.Context, prefix string, excludeID int64, limit int) ([]model.User, error)
	TouchLastSeen(ctx context.Context, userID int64, at time.Time) error
	LastSeen(ctx context.Context, userID int64) (*time.Time, error)
}

// Store is everything the server needs from persistence.
type Store interface {
	Gateway
	Users
	Close() error
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
