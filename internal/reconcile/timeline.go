package reconcile

import (
	"slices"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
)

// timeline is one conversation's canonical messages in id order plus the
// optimistic entries still waiting for theirs.
type timeline struct {
	msgs    []model.Message
	pending []*Optimistic

	// readUpTo is the newest message id the local user is known to have read.
	readUpTo int64
}

func (tl *timeline) index(id int64) (int, bool) {
	return slices.BinarySearchFunc(tl.msgs, id, func(m model.Message, id int64) int {
		switch {
		case m.ID < id:
			return -1
		case m.ID > id:
			return 1
		}
		return 0
	})
}

func (tl *timeline) find(id int64) *model.Message {
	if i, ok := tl.index(id); ok {
		return &tl.msgs[i]
	}
	return nil
}

// insert places m by id. A message already present is merged instead: read
// rows only move forward and a deletion sticks. It reports whether the
// timeline changed.
func (tl *timeline) insert(m model.Message) bool {
	i, ok := tl.index(m.ID)
	if !ok {
		tl.msgs = slices.Insert(tl.msgs, i, m)
		return true
	}
	cur := &tl.msgs[i]
	changed := false
	for _, r := range m.Reads {
		at := time.Time{}
		if r.ReadAt != nil {
			at = *r.ReadAt
		}
		if cur.ApplyStatus(r.UserID, r.Status, at) {
			changed = true
		}
	}
	if m.IsDeleted && !cur.IsDeleted {
		cur.Redact()
		changed = true
	}
	return changed
}

func (tl *timeline) newest() *model.Message {
	if len(tl.msgs) == 0 {
		return nil
	}
	return &tl.msgs[len(tl.msgs)-1]
}

func (tl *timeline) pendingByKey(key string) (int, *Optimistic) {
	for i, o := range tl.pending {
		if o.Key == key {
			return i, o
		}
	}
	return -1, nil
}

func (tl *timeline) retire(key string) bool {
	i, o := tl.pendingByKey(key)
	if o == nil {
		return false
	}
	tl.pending = slices.Delete(tl.pending, i, i+1)
	return true
}

// noteRead advances readUpTo from the local user's own rows.
func (tl *timeline) noteRead(self int64, m *model.Message) {
	if m.SenderID == self {
		return
	}
	if r, ok := m.ReadBy(self); ok && r.Status == delivery.StatusRead && m.ID > tl.readUpTo {
		tl.readUpTo = m.ID
	}
}

func (tl *timeline) unreadAfter(self, after int64) int {
	n := 0
	for i := len(tl.msgs) - 1; i >= 0; i-- {
		m := &tl.msgs[i]
		if m.ID <= after || m.ID <= tl.readUpTo {
			break
		}
		if m.SenderID == self {
			continue
		}
		if r, ok := m.ReadBy(self); ok && r.Status == delivery.StatusRead {
			continue
		}
		n++
	}
	return n
}
