// Package reconcile merges the three sources a client sees for a
// conversation (REST history pages, its own optimistic sends, and pushed
// events) into one ordered, deduplicated timeline, and derives the
// conversation list from it.
//
// A Store is not safe for concurrent use. It is meant to be owned by a single
// goroutine that feeds it every REST result and every pushed event; the
// merge is idempotent and tolerates any arrival order for a given message.
package reconcile

import (
	"cmp"
	"slices"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
)

const (
	DefaultOrphanTTL   = 30 * time.Second
	DefaultSendTimeout = 20 * time.Second
	DefaultTypingTTL   = 6 * time.Second
	maxOrphans         = 4096
)

type Options struct {
	// Self is the local user.
	Self int64
	// OrphanTTL bounds how long a status or deletion for a message not yet
	// seen is kept.
	OrphanTTL time.Duration
	// SendTimeout turns a still-sending optimistic entry into failed.
	SendTimeout time.Duration
	TypingTTL   time.Duration
	Now         func() time.Time
}

type orphan struct {
	received time.Time
	// deleted, or a status for userID.
	deleted bool
	userID  int64
	status  delivery.Status
	at      time.Time
}

type Store struct {
	opts Options

	timelines map[int64]*timeline
	seeds     map[int64]model.ConversationSummary
	orphans   map[int64][]orphan
	nOrphans  int
	// pendingConv maps an optimistic key to its conversation.
	pendingConv map[string]int64
	presence    map[int64]model.Presence
	typing      map[int64]map[int64]time.Time
}

func New(opts Options) *Store {
	if opts.OrphanTTL <= 0 {
		opts.OrphanTTL = DefaultOrphanTTL
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:        opts,
		timelines:   make(map[int64]*timeline),
		seeds:       make(map[int64]model.ConversationSummary),
		orphans:     make(map[int64][]orphan),
		pendingConv: make(map[string]int64),
		presence:    make(map[int64]model.Presence),
		typing:      make(map[int64]map[int64]time.Time),
	}
}

func (s *Store) Self() int64 { return s.opts.Self }

func (s *Store) tl(conversationID int64) *timeline {
	t, ok := s.timelines[conversationID]
	if !ok {
		t = &timeline{}
		s.timelines[conversationID] = t
	}
	return t
}

// Result says what applying something did.
type Result struct {
	ConversationID int64
	Changed        bool
	// Unknown is set when the conversation is missing from the seeded list,
	// e.g. someone started a new conversation with us.
	Unknown bool
}

func (s *Store) result(conversationID int64, changed bool) Result {
	_, known := s.seeds[conversationID]
	return Result{ConversationID: conversationID, Changed: changed, Unknown: !known}
}

// Seed replaces the conversation list snapshot fetched over REST. Timelines
// are kept; aggregates are recomputed from the new snapshot plus them.
func (s *Store) Seed(list []model.ConversationSummary) {
	s.seeds = make(map[int64]model.ConversationSummary, len(list))
	for _, c := range list {
		s.seeds[c.ID] = c
	}
}

// SeedOne adds or replaces one conversation, e.g. after create-or-get.
func (s *Store) SeedOne(c model.ConversationSummary) {
	s.seeds[c.ID] = c
}

// LoadPage merges a page of history. Pages may overlap each other and pushed
// events.
func (s *Store) LoadPage(conversationID int64, msgs []model.Message) Result {
	changed := false
	for _, m := range msgs {
		if s.insert(m) {
			changed = true
		}
	}
	return s.result(conversationID, changed)
}

// insert adds a canonical message, retiring the optimistic entry it answers
// and applying anything buffered for it.
func (s *Store) insert(m model.Message) bool {
	tl := s.tl(m.ConversationID)
	changed := false
	if m.SenderID == s.opts.Self && m.IdempotencyKey != "" && tl.retire(m.IdempotencyKey) {
		delete(s.pendingConv, m.IdempotencyKey)
		changed = true
	}
	if tl.insert(m) {
		changed = true
	}
	cur := tl.find(m.ID)
	if s.applyOrphans(cur) {
		changed = true
	}
	tl.noteRead(s.opts.Self, cur)
	if typers := s.typing[m.ConversationID]; typers != nil {
		delete(typers, m.SenderID)
	}
	return changed
}

func (s *Store) applyOrphans(m *model.Message) bool {
	buf, ok := s.orphans[m.ID]
	if !ok {
		return false
	}
	delete(s.orphans, m.ID)
	s.nOrphans -= len(buf)
	changed := false
	for _, o := range buf {
		if o.deleted {
			if !m.IsDeleted {
				m.Redact()
				changed = true
			}
			continue
		}
		if m.ApplyStatus(o.userID, o.status, o.at) {
			changed = true
		}
	}
	return changed
}

func (s *Store) buffer(messageID int64, o orphan) {
	if s.nOrphans >= maxOrphans {
		return
	}
	o.received = s.opts.Now()
	s.orphans[messageID] = append(s.orphans[messageID], o)
	s.nOrphans++
}

// Apply merges one pushed event.
func (s *Store) Apply(ev event.Event) Result {
	switch ev := ev.(type) {
	case event.MessageNew:
		return s.result(ev.Message.ConversationID, s.insert(ev.Message))
	case event.StatusUpdate:
		return s.applyStatus(ev)
	case event.MessageDeleted:
		return s.applyDeleted(ev)
	case event.PresenceChanged:
		return Result{Changed: s.SetPresence(model.Presence{UserID: ev.UserID, Status: ev.Status, LastSeen: ev.LastSeen})}
	case event.Typing:
		return s.applyTyping(ev)
	case event.Ack:
		// Failed acks may be retried, so only the outbox can decide to Fail.
		if ev.OK && ev.Message != nil {
			return s.Confirm(ev.Key, *ev.Message)
		}
	}
	return Result{}
}

func (s *Store) applyStatus(ev event.StatusUpdate) Result {
	tl := s.tl(ev.ConversationID)
	changed := false
	for _, id := range ev.MessageIDs {
		m := tl.find(id)
		if m == nil {
			s.buffer(id, orphan{userID: ev.UserID, status: ev.Status, at: ev.At})
			continue
		}
		if m.ApplyStatus(ev.UserID, ev.Status, ev.At) {
			changed = true
		}
		tl.noteRead(s.opts.Self, m)
	}
	// The local user read the conversation on some device and the server
	// reset their unread count: everything up to the newest id in the batch
	// is read, loaded or not. A seed whose last message predates the read is
	// covered too, even when that message is the user's own and so absent
	// from the batch.
	if ev.UserID == s.opts.Self && ev.Status == delivery.StatusRead {
		upTo := slices.Max(append([]int64{tl.readUpTo}, ev.MessageIDs...))
		if seed, ok := s.seeds[ev.ConversationID]; ok && seed.LastMessage != nil && !ev.At.Before(seed.LastMessage.CreatedAt) {
			upTo = max(upTo, seed.LastMessage.ID)
		}
		if upTo > tl.readUpTo {
			tl.readUpTo = upTo
			changed = true
		}
	}
	return s.result(ev.ConversationID, changed)
}

func (s *Store) applyDeleted(ev event.MessageDeleted) Result {
	m := s.tl(ev.ConversationID).find(ev.MessageID)
	if m == nil {
		s.buffer(ev.MessageID, orphan{deleted: true})
		return s.result(ev.ConversationID, false)
	}
	if m.IsDeleted {
		return s.result(ev.ConversationID, false)
	}
	m.Redact()
	return s.result(ev.ConversationID, true)
}

func (s *Store) applyTyping(ev event.Typing) Result {
	if ev.UserID == s.opts.Self {
		return Result{}
	}
	typers := s.typing[ev.ConversationID]
	if !ev.Active {
		if _, ok := typers[ev.UserID]; !ok {
			return Result{ConversationID: ev.ConversationID}
		}
		delete(typers, ev.UserID)
		return Result{ConversationID: ev.ConversationID, Changed: true}
	}
	if typers == nil {
		typers = make(map[int64]time.Time)
		s.typing[ev.ConversationID] = typers
	}
	typers[ev.UserID] = s.opts.Now().Add(s.opts.TypingTTL)
	return Result{ConversationID: ev.ConversationID, Changed: true}
}

// SetPresence records p and reports whether it differs from what was known.
func (s *Store) SetPresence(p model.Presence) bool {
	cur, ok := s.presence[p.UserID]
	if ok && cur.Status == p.Status && timePtrEqual(cur.LastSeen, p.LastSeen) {
		return false
	}
	s.presence[p.UserID] = p
	return true
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Store) Presence(userID int64) (model.Presence, bool) {
	p, ok := s.presence[userID]
	return p, ok
}

// Typing returns who is typing in a conversation right now.
func (s *Store) Typing(conversationID int64) []int64 {
	now := s.opts.Now()
	var out []int64
	for uid, until := range s.typing[conversationID] {
		if now.Before(until) {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	return out
}

// Entry is one row of a rendered timeline.
type Entry struct {
	Message model.Message
	// Key is set for optimistic entries, which have no id yet.
	Key     string
	Pending bool
	// Status is what the local user should see: for their own messages the
	// least advanced recipient, for others' messages their own receipt.
	Status delivery.Status
	Error  string
}

// Timeline renders a conversation: canonical messages by id, then entries
// still sending, then failed ones.
func (s *Store) Timeline(conversationID int64) []Entry {
	tl, ok := s.timelines[conversationID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(tl.msgs)+len(tl.pending))
	for _, m := range tl.msgs {
		e := Entry{Message: m}
		if m.SenderID == s.opts.Self {
			e.Status = m.SenderStatus()
		} else if r, ok := m.ReadBy(s.opts.Self); ok {
			e.Status = r.Status
		}
		out = append(out, e)
	}
	for _, failed := range []bool{false, true} {
		for _, o := range tl.pending {
			if (o.Status == delivery.StatusFailed) != failed {
				continue
			}
			out = append(out, Entry{
				Message: o.Draft.Message(o.ConversationID, s.opts.Self, o.Key, o.CreatedAt),
				Key:     o.Key,
				Pending: true,
				Status:  o.Status,
				Error:   o.Err,
			})
		}
	}
	return out
}

// Message returns a canonical message by id.
func (s *Store) Message(conversationID, id int64) (model.Message, bool) {
	tl, ok := s.timelines[conversationID]
	if !ok {
		return model.Message{}, false
	}
	m := tl.find(id)
	if m == nil {
		return model.Message{}, false
	}
	return *m, true
}

// Oldest is the cursor for loading the page before what is already loaded.
func (s *Store) Oldest(conversationID int64) int64 {
	tl, ok := s.timelines[conversationID]
	if !ok || len(tl.msgs) == 0 {
		return 0
	}
	return tl.msgs[0].ID
}

// Newest is the newest canonical id loaded for a conversation.
func (s *Store) Newest(conversationID int64) int64 {
	tl, ok := s.timelines[conversationID]
	if !ok {
		return 0
	}
	if m := tl.newest(); m != nil {
		return m.ID
	}
	return 0
}

// Conversation derives one conversation's list entry.
func (s *Store) Conversation(conversationID int64) (model.ConversationSummary, bool) {
	seed, seeded := s.seeds[conversationID]
	tl, loaded := s.timelines[conversationID]
	if !seeded && !loaded {
		return model.ConversationSummary{}, false
	}
	out := seed
	out.ID = conversationID
	if !loaded {
		return out, true
	}

	var seedLast int64
	if seed.LastMessage != nil {
		seedLast = seed.LastMessage.ID
	}
	if m := tl.newest(); m != nil && m.ID >= seedLast {
		last := *m
		last.Reads = nil
		out.LastMessage = &last
		at := m.CreatedAt
		out.LastMessageAt = &at
	}
	if !seeded && out.OtherUserID == 0 {
		for _, m := range tl.msgs {
			if m.SenderID != s.opts.Self {
				out.OtherUserID = m.SenderID
				break
			}
		}
	}

	unread := 0
	if tl.readUpTo < seedLast {
		unread = seed.UnreadCount
	}
	out.UnreadCount = unread + tl.unreadAfter(s.opts.Self, seedLast)
	return out, true
}

// Conversations lists every known conversation, most recent activity first.
func (s *Store) Conversations() []model.ConversationSummary {
	ids := make(map[int64]struct{}, len(s.seeds)+len(s.timelines))
	for id := range s.seeds {
		ids[id] = struct{}{}
	}
	for id := range s.timelines {
		ids[id] = struct{}{}
	}
	out := make([]model.ConversationSummary, 0, len(ids))
	for id := range ids {
		if c, ok := s.Conversation(id); ok {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b model.ConversationSummary) int {
		if c := cmp.Compare(lastID(b), lastID(a)); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func lastID(c model.ConversationSummary) int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.ID
}

// Expire fails optimistic sends older than SendTimeout and drops buffered
// orphans older than OrphanTTL. It returns the keys that failed.
func (s *Store) Expire() []string {
	now := s.opts.Now()
	var failed []string
	for _, tl := range s.timelines {
		for _, o := range tl.pending {
			if o.Status == delivery.StatusSending && now.Sub(o.SentAt) >= s.opts.SendTimeout {
				o.Status = delivery.StatusFailed
				o.Err = "timed out"
				failed = append(failed, o.Key)
			}
		}
	}
	for id, buf := range s.orphans {
		kept := buf[:0]
		for _, o := range buf {
			if now.Sub(o.received) < s.opts.OrphanTTL {
				kept = append(kept, o)
			}
		}
		s.nOrphans -= len(buf) - len(kept)
		if len(kept) == 0 {
			delete(s.orphans, id)
		} else {
			s.orphans[id] = kept
		}
	}
	for conv, typers := range s.typing {
		for uid, until := range typers {
			if !now.Before(until) {
				delete(typers, uid)
			}
		}
		if len(typers) == 0 {
			delete(s.typing, conv)
		}
	}
	slices.Sort(failed)
	return failed
}
