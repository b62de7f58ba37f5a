// Package broker is the single path by which state changes become events.
//
// For a given conversation the broker persists and then emits while holding
// that conversation's sequencer lock, so every participant observes that
// conversation's events in commit order. Nothing is emitted for a write that
// failed, and a write is never reported as successful before it commits.
package broker

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/presence"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
)

// Fanout delivers an encoded event to every live connection of some users.
type Fanout interface {
	FanOut(userIDs []int64, payload []byte) int
}

const maxCachedConversations = 10000

type Broker struct {
	store  store.Gateway
	fanout Fanout
	log    *slog.Logger
	now    func() time.Time
	seq    *sequencer

	// Participants of a conversation never change, so they are cached.
	partMu       sync.RWMutex
	participants map[int64][]int64
}

func New(gw store.Gateway, fanout Fanout, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		store:        gw,
		fanout:       fanout,
		log:          log.With("component", "broker"),
		now:          func() time.Time { return time.Now().UTC() },
		seq:          newSequencer(),
		participants: make(map[int64][]int64),
	}
}

func persistence(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Persistence(err)
}

func (b *Broker) conversationParticipants(ctx context.Context, conversationID int64) ([]int64, error) {
	b.partMu.RLock()
	p, ok := b.participants[conversationID]
	b.partMu.RUnlock()
	if ok {
		return p, nil
	}

	conv, err := b.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, persistence(err)
	}
	if conv == nil {
		return nil, nil
	}
	b.remember(conv)
	return conv.Participants, nil
}

func (b *Broker) remember(conv *model.Conversation) {
	b.partMu.Lock()
	if len(b.participants) >= maxCachedConversations {
		clear(b.participants)
	}
	b.participants[conv.ID] = slices.Clone(conv.Participants)
	b.partMu.Unlock()
}

// authorize returns the conversation's participants if userID is one of them.
// Unknown conversations are reported the same way as foreign ones.
func (b *Broker) authorize(ctx context.Context, userID, conversationID int64) ([]int64, error) {
	parts, err := b.conversationParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(parts, userID) {
		return nil, apperr.NotParticipant()
	}
	return parts, nil
}

func (b *Broker) emit(userIDs []int64, ev event.Event) {
	payload, err := event.Encode(ev)
	if err != nil {
		b.log.Error("encode event", "type", ev.Kind(), "err", err)
		return
	}
	n := b.fanout.FanOut(userIDs, payload)
	b.log.Debug("event emitted", "type", ev.Kind(), "connections", n)
}

func without(ids []int64, userID int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

func (b *Broker) CreateOrGetConversation(ctx context.Context, userID, otherUserID int64) (*model.Conversation, bool, error) {
	conv, created, err := b.store.CreateOrGetConversation(ctx, userID, otherUserID)
	if err != nil {
		return nil, false, persistence(err)
	}
	b.remember(conv)
	return conv, created, nil
}

// SubmitMessage persists a draft and emits message:new to every participant's
// live connections, the sender's other devices included. Only the sender's
// copy carries the idempotency key. A repeated key returns the original
// message and emits nothing.
func (b *Broker) SubmitMessage(ctx context.Context, senderID, conversationID int64, key string, d model.Draft) (*model.Message, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	parts, err := b.authorize(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}

	unlock := b.seq.Lock(conversationID)
	defer unlock()

	msg, dup, err := b.store.Submit(ctx, store.SubmitParams{
		ConversationID: conversationID,
		SenderID:       senderID,
		IdempotencyKey: key,
		Draft:          d,
		At:             b.now(),
	})
	if err != nil {
		b.log.Warn("submit failed", "conversation_id", conversationID, "sender_id", senderID, "err", err)
		return nil, persistence(err)
	}
	if dup {
		b.log.Debug("duplicate submit", "conversation_id", conversationID, "message_id", msg.ID, "key", key)
		return msg, nil
	}
	b.emit([]int64{senderID}, event.MessageNew{Message: *msg})
	for _, uid := range without(parts, senderID) {
		b.emit([]int64{uid}, event.MessageNew{Message: msg.ViewedBy(uid)})
	}
	return msg, nil
}

// MarkRead marks every message in the conversation addressed to userID as
// read and emits one batched status event. Repeating it is a no-op.
func (b *Broker) MarkRead(ctx context.Context, userID, conversationID int64) ([]int64, error) {
	return b.advance(ctx, userID, conversationID, delivery.StatusRead, 0)
}

// MarkDelivered acknowledges receipt of messages up to upToID.
func (b *Broker) MarkDelivered(ctx context.Context, userID, conversationID, upToID int64) ([]int64, error) {
	return b.advance(ctx, userID, conversationID, delivery.StatusDelivered, upToID)
}

func (b *Broker) advance(ctx context.Context, userID, conversationID int64, status delivery.Status, upToID int64) ([]int64, error) {
	parts, err := b.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	unlock := b.seq.Lock(conversationID)
	defer unlock()

	at := b.now()
	ids, err := b.store.AdvanceStatus(ctx, userID, conversationID, status, upToID, at)
	if err != nil {
		return nil, persistence(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	b.emit(parts, event.StatusUpdate{
		ConversationID: conversationID,
		UserID:         userID,
		Status:         status,
		MessageIDs:     ids,
		At:             at,
	})
	return ids, nil
}

// DeleteMessage soft-deletes a message. Only its sender may do so.
func (b *Broker) DeleteMessage(ctx context.Context, userID, messageID int64) error {
	m, err := b.store.Message(ctx, messageID)
	if err != nil {
		return persistence(err)
	}
	if m == nil {
		return apperr.NotFound("message not found")
	}
	parts, err := b.authorize(ctx, userID, m.ConversationID)
	if err != nil {
		return err
	}

	unlock := b.seq.Lock(m.ConversationID)
	defer unlock()

	deleted, changed, err := b.store.SoftDelete(ctx, userID, messageID)
	if err != nil {
		return persistence(err)
	}
	if !changed {
		return nil
	}
	b.emit(parts, event.MessageDeleted{ConversationID: deleted.ConversationID, MessageID: deleted.ID})
	return nil
}

// RecordTyping relays a typing indicator to the other participant's live
// connections. Nothing is persisted.
func (b *Broker) RecordTyping(ctx context.Context, userID, conversationID int64, active bool) error {
	parts, err := b.authorize(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	b.emit(without(parts, userID), event.Typing{ConversationID: conversationID, UserID: userID, Active: active})
	return nil
}

// PublishPresence sends a presence transition to everyone who shares a
// conversation with the user. It is registered as the tracker's listener.
func (b *Broker) PublishPresence(c presence.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := b.store.CoParticipants(ctx, c.UserID)
	if err != nil {
		b.log.Warn("presence fan-out skipped", "user_id", c.UserID, "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	ev := event.PresenceChanged{UserID: c.UserID, Status: c.Status}
	if c.Status == model.Offline {
		seen := c.LastSeen
		ev.LastSeen = &seen
	}
	b.emit(ids, ev)
}
