package client

import (
	"context"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/reconcile"
	"github.com/google/uuid"
)

// Send shows the draft immediately as a sending entry and queues it for
// delivery. The returned key identifies the entry until the server assigns
// an id.
func (s *Session) Send(ctx context.Context, conversationID int64, d model.Draft) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	key := uuid.NewString()
	err := s.do(ctx, func() error {
		if _, err := s.store.AddOptimistic(conversationID, key, d); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(event.SendMessage{Key: key, ConversationID: conversationID, Draft: d}); err != nil {
			s.store.Remove(key)
			return err
		}
		s.emit(Update{Kind: UpdateTimeline, ConversationID: conversationID})
		s.wake()
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// RetrySend requeues a failed send under its original key.
func (s *Session) RetrySend(ctx context.Context, key string) error {
	return s.do(ctx, func() error {
		p, ok := s.store.Pending(key)
		if !ok {
			return apperr.NotFound("no such pending message")
		}
		if err := s.outbox.Retry(key); err != nil {
			return err
		}
		s.store.Retry(key)
		s.emit(Update{Kind: UpdateTimeline, ConversationID: p.ConversationID})
		s.wake()
		return nil
	})
}

// CancelSend discards a send that has not gone out yet, or one that failed.
func (s *Session) CancelSend(ctx context.Context, key string) error {
	return s.do(ctx, func() error {
		p, ok := s.store.Pending(key)
		if !ok {
			return apperr.NotFound("no such pending message")
		}
		if err := s.outbox.Cancel(key); err != nil && !apperr.Is(err, apperr.CodeNotFound) {
			return err
		}
		s.store.Remove(key)
		s.emit(Update{Kind: UpdateTimeline, ConversationID: p.ConversationID})
		return nil
	})
}

// MarkRead queues a read receipt for everything currently in the
// conversation.
func (s *Session) MarkRead(ctx context.Context, conversationID int64) error {
	return s.enqueue(ctx, event.MarkRead{Key: uuid.NewString(), ConversationID: conversationID})
}

func (s *Session) Delete(ctx context.Context, messageID int64) error {
	return s.enqueue(ctx, event.DeleteMessage{Key: uuid.NewString(), MessageID: messageID})
}

func (s *Session) enqueue(ctx context.Context, a event.Action) error {
	return s.do(ctx, func() error {
		if err := s.outbox.Enqueue(a); err != nil {
			return err
		}
		s.wake()
		return nil
	})
}

// SetTyping is ephemeral and never queued; it fails when offline.
func (s *Session) SetTyping(conversationID int64, active bool) error {
	c := s.currentConn()
	if c == nil {
		return apperr.TransportDropped(errClosed)
	}
	return c.Send(event.SetTyping{ConversationID: conversationID, Active: active})
}

// OpenConversation creates or fetches the 1:1 conversation with other, loads
// its newest page and keeps it fresh across resyncs.
func (s *Session) OpenConversation(ctx context.Context, otherUserID int64) (int64, error) {
	conv, err := s.api.CreateOrGetConversation(ctx, otherUserID)
	if err != nil {
		return 0, err
	}
	page, err := s.api.Messages(ctx, conv.ID, s.opts.PageSize, 0, 0)
	if err != nil {
		return 0, err
	}
	sum := model.ConversationSummary{
		ID:            conv.ID,
		OtherUserID:   otherUserID,
		LastMessage:   conv.LastMessage,
		LastMessageAt: conv.LastMessageAt,
		UnreadCount:   conv.UnreadCount[s.opts.UserID],
		CreatedAt:     conv.CreatedAt,
	}
	err = s.do(ctx, func() error {
		s.open[conv.ID] = true
		s.store.SeedOne(sum)
		s.store.LoadPage(conv.ID, page)
		s.emit(Update{Kind: UpdateTimeline, ConversationID: conv.ID})
		s.emit(Update{Kind: UpdateConversations})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return conv.ID, nil
}

// LoadOlder fetches the page before the oldest message held locally and
// reports how many messages came back. Zero means the start of history.
func (s *Session) LoadOlder(ctx context.Context, conversationID int64) (int, error) {
	var oldest int64
	if err := s.do(ctx, func() error {
		oldest = s.store.Oldest(conversationID)
		return nil
	}); err != nil {
		return 0, err
	}
	page, err := s.api.Messages(ctx, conversationID, s.opts.PageSize, oldest, 0)
	if err != nil {
		return 0, err
	}
	err = s.do(ctx, func() error {
		if s.store.LoadPage(conversationID, page).Changed {
			s.emit(Update{Kind: UpdateTimeline, ConversationID: conversationID})
		}
		return nil
	})
	return len(page), err
}

// Resync asks the session to refresh from the server now.
func (s *Session) Resync(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.resync()
		return nil
	})
}

func (s *Session) Timeline(ctx context.Context, conversationID int64) ([]reconcile.Entry, error) {
	var out []reconcile.Entry
	err := s.do(ctx, func() error {
		out = s.store.Timeline(conversationID)
		return nil
	})
	return out, err
}

func (s *Session) Conversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	err := s.do(ctx, func() error {
		out = s.store.Conversations()
		return nil
	})
	return out, err
}

func (s *Session) Conversation(ctx context.Context, conversationID int64) (model.ConversationSummary, bool, error) {
	var (
		out model.ConversationSummary
		ok  bool
	)
	err := s.do(ctx, func() error {
		out, ok = s.store.Conversation(conversationID)
		return nil
	})
	return out, ok, err
}

func (s *Session) Presence(ctx context.Context, userID int64) (model.Presence, bool, error) {
	var (
		out model.Presence
		ok  bool
	)
	err := s.do(ctx, func() error {
		out, ok = s.store.Presence(userID)
		return nil
	})
	return out, ok, err
}

func (s *Session) Typing(ctx context.Context, conversationID int64) ([]int64, error) {
	var out []int64
	err := s.do(ctx, func() error {
		out = s.store.Typing(conversationID)
		return nil
	})
	return out, err
}

// Connected reports whether a socket is currently up.
func (s *Session) Connected() bool { return s.currentConn() != nil }
