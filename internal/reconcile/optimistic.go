package reconcile

import (
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
)

// Optimistic is a message the local user sent that the server has not
// confirmed. It is keyed by its idempotency key and never gets an id; the
// canonical message replaces it.
type Optimistic struct {
	Key            string
	ConversationID int64
	Draft          model.Draft
	// Status is sending or failed.
	Status    delivery.Status
	CreatedAt time.Time
	// SentAt is when the current attempt started; a retry resets it.
	SentAt time.Time
	Err    string
}

// AddOptimistic records a send the user just made.
func (s *Store) AddOptimistic(conversationID int64, key string, d model.Draft) (Optimistic, error) {
	if key == "" {
		return Optimistic{}, apperr.Validation("idempotency key is required")
	}
	if _, dup := s.pendingConv[key]; dup {
		return Optimistic{}, apperr.AlreadyExists("a send with this key is already pending")
	}
	now := s.opts.Now()
	o := &Optimistic{
		Key:            key,
		ConversationID: conversationID,
		Draft:          d,
		Status:         delivery.StatusSending,
		CreatedAt:      now,
		SentAt:         now,
	}
	tl := s.tl(conversationID)
	tl.pending = append(tl.pending, o)
	s.pendingConv[key] = conversationID
	return *o, nil
}

func (s *Store) pending(key string) (*timeline, *Optimistic) {
	conv, ok := s.pendingConv[key]
	if !ok {
		return nil, nil
	}
	tl := s.tl(conv)
	_, o := tl.pendingByKey(key)
	return tl, o
}

// Pending returns the optimistic entry for key, if it is still waiting.
func (s *Store) Pending(key string) (Optimistic, bool) {
	_, o := s.pending(key)
	if o == nil {
		return Optimistic{}, false
	}
	return *o, true
}

// Confirm retires the optimistic entry for key in favour of the canonical
// message. Confirming twice, or after the broadcast already did, is a no-op.
func (s *Store) Confirm(key string, m model.Message) Result {
	changed := false
	if tl, o := s.pending(key); o != nil {
		tl.retire(key)
		delete(s.pendingConv, key)
		changed = true
	}
	if s.insert(m) {
		changed = true
	}
	return s.result(m.ConversationID, changed)
}

// Fail marks a pending send failed. Failed entries are never retried unless
// the user asks (see Retry).
func (s *Store) Fail(key string, reason string) Result {
	_, o := s.pending(key)
	if o == nil {
		return Result{}
	}
	changed := o.Status != delivery.StatusFailed
	o.Status = delivery.Merge(o.Status, delivery.StatusFailed)
	o.Err = reason
	return s.result(o.ConversationID, changed)
}

// Retry moves a failed entry back to sending.
func (s *Store) Retry(key string) (Optimistic, bool) {
	_, o := s.pending(key)
	if o == nil || o.Status != delivery.StatusFailed {
		return Optimistic{}, false
	}
	o.Status = delivery.Retry(o.Status)
	o.SentAt = s.opts.Now()
	o.Err = ""
	return *o, true
}

// Remove drops an optimistic entry: a cancelled send, or a failed one the user
// discarded.
func (s *Store) Remove(key string) bool {
	tl, o := s.pending(key)
	if o == nil {
		return false
	}
	tl.retire(key)
	delete(s.pendingConv, key)
	return true
}
