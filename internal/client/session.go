package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/outbox"
	"github.com/ageniuscoder/mmchat/realtime/internal/reconcile"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultIdleResync   = 45 * time.Second
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
	DefaultPageSize     = 50
	expireEvery         = time.Second
	conversationsLimit  = 100
)

var ErrStopped = errors.New("session stopped")

type UpdateKind string

const (
	UpdateTimeline      UpdateKind = "timeline"
	UpdateConversations UpdateKind = "conversations"
	UpdatePresence      UpdateKind = "presence"
	UpdateTyping        UpdateKind = "typing"
	UpdateConnection    UpdateKind = "connection"
)

// Update tells a UI what to re-read. Views are snapshots; an update never
// carries state itself beyond what changed.
type Update struct {
	Kind           UpdateKind
	ConversationID int64
	UserID         int64
	Connected      bool
}

type Options struct {
	UserID int64
	// Outbox defaults to an in-memory one.
	Outbox       *outbox.Outbox
	Reconcile    reconcile.Options
	IdleResync   time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PageSize     int
	Log          *slog.Logger
}

// Session is the client runtime. One goroutine (Run) owns the reconciliation
// store and applies user intents, REST results and pushed events to it in
// turn; everything else talks to that goroutine through channels.
type Session struct {
	api    *API
	opts   Options
	store  *reconcile.Store
	outbox *outbox.Outbox
	log    *slog.Logger

	calls    chan func()
	outcomes chan []outbox.Outcome
	kick     chan struct{}
	updates  chan Update
	stopped  chan struct{}

	connMu sync.Mutex
	conn   *Conn

	// Owned by the Run goroutine.
	runCtx    context.Context
	open      map[int64]bool
	resyncing bool
}

func NewSession(api *API, opts Options) (*Session, error) {
	if opts.IdleResync <= 0 {
		opts.IdleResync = DefaultIdleResync
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = DefaultReconnectMin
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	log := opts.Log.With("component", "session", "user_id", opts.UserID)
	ob := opts.Outbox
	if ob == nil {
		var err error
		ob, err = outbox.New(outbox.NewMemoryStore(), outbox.Options{}, log)
		if err != nil {
			return nil, err
		}
	}
	ro := opts.Reconcile
	ro.Self = opts.UserID
	return &Session{
		api:      api,
		opts:     opts,
		store:    reconcile.New(ro),
		outbox:   ob,
		log:      log,
		calls:    make(chan func(), 64),
		outcomes: make(chan []outbox.Outcome, 16),
		kick:     make(chan struct{}, 1),
		updates:  make(chan Update, 256),
		stopped:  make(chan struct{}),
		open:     make(map[int64]bool),
	}, nil
}

// Updates signals changes worth re-rendering. Updates are dropped, never
// blocked on, if the reader falls behind.
func (s *Session) Updates() <-chan Update { return s.updates }

func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}

func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) currentConn() *Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) setConn(c *Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

// Run connects, keeps the connection alive and processes everything until
// ctx ends.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = ctx

	connected := make(chan *Conn)
	go s.dialLoop(ctx, connected)
	go s.flushLoop(ctx)

	idle := time.NewTimer(s.opts.IdleResync)
	defer idle.Stop()
	expire := time.NewTicker(expireEvery)
	defer expire.Stop()

	var events <-chan event.Event
	for {
		select {
		case <-ctx.Done():
			if c := s.currentConn(); c != nil {
				c.Close()
			}
			return ctx.Err()

		case f := <-s.calls:
			f()

		case c := <-connected:
			s.setConn(c)
			events = c.Events()
			s.log.Info("connected")
			s.emit(Update{Kind: UpdateConnection, Connected: true})
			s.wake()
			s.resync()
			idle.Reset(s.opts.IdleResync)

		case ev, ok := <-events:
			if !ok {
				events = nil
				s.setConn(nil)
				s.log.Info("disconnected")
				s.emit(Update{Kind: UpdateConnection, Connected: false})
				continue
			}
			s.handle(ev)
			idle.Reset(s.opts.IdleResync)

		case outs := <-s.outcomes:
			s.settle(outs)

		case <-idle.C:
			s.log.Debug("socket idle, resyncing")
			s.resync()
			idle.Reset(s.opts.IdleResync)

		case <-expire.C:
			s.expireSends()
		}
	}
}

// expireSends fails optimistic sends that waited too long. The outbox stops
// retrying them too, so the entry and its op agree on being failed.
func (s *Session) expireSends() {
	for _, key := range s.store.Expire() {
		if err := s.outbox.Fail(key, "timed out"); err != nil {
			s.log.Debug("fail timed out op", "key", key, "err", err)
		}
		if o, ok := s.store.Pending(key); ok {
			s.emit(Update{Kind: UpdateTimeline, ConversationID: o.ConversationID})
		}
	}
}

func (s *Session) dialLoop(ctx context.Context, connected chan<- *Conn) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.opts.ReconnectMin),
		backoff.WithMaxInterval(s.opts.ReconnectMax),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		c, err := Dial(ctx, s.api.WebSocketURL(), s.api.Token(), s.opts.Log)
		if err == nil {
			b.Reset()
			select {
			case connected <- c:
			case <-ctx.Done():
				c.Close()
				return
			}
			select {
			case <-c.Done():
			case <-ctx.Done():
				return
			}
		}

		wait := b.NextBackOff()
		if err != nil {
			s.log.Debug("dial failed", "err", err, "retry_in", wait)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) flushLoop(ctx context.Context) {
	for {
		wait := time.Hour
		if c := s.currentConn(); c != nil {
			if outs := s.outbox.Flush(ctx, c); len(outs) > 0 {
				select {
				case s.outcomes <- outs:
				case <-ctx.Done():
					return
				}
			}
			if next, ok := s.outbox.NextDue(); ok {
				wait = max(time.Until(next), 10*time.Millisecond)
			}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.kick:
		case <-t.C:
		}
		t.Stop()
	}
}

func (s *Session) handle(ev event.Event) {
	res := s.store.Apply(ev)
	switch ev := ev.(type) {
	case event.MessageNew:
		if ev.Message.SenderID != s.opts.UserID {
			s.ackDelivered(ev.Message.ConversationID, ev.Message.ID)
		}
		if res.Unknown {
			s.resync()
		}
		s.emit(Update{Kind: UpdateTimeline, ConversationID: res.ConversationID})
		s.emit(Update{Kind: UpdateConversations})
	case event.StatusUpdate, event.MessageDeleted:
		if res.Changed {
			s.emit(Update{Kind: UpdateTimeline, ConversationID: res.ConversationID})
			s.emit(Update{Kind: UpdateConversations})
		}
	case event.PresenceChanged:
		if res.Changed {
			s.emit(Update{Kind: UpdatePresence, UserID: ev.UserID})
		}
	case event.Typing:
		if res.Changed {
			s.emit(Update{Kind: UpdateTyping, ConversationID: ev.ConversationID, UserID: ev.UserID})
		}
	}
}

// ackDelivered is best effort: an unkeyed receipt gets no ack, and a lost one
// is covered by the next message or resync.
func (s *Session) ackDelivered(conversationID, upToID int64) {
	c := s.currentConn()
	if c == nil {
		return
	}
	if err := c.Send(event.MarkDelivered{ConversationID: conversationID, UpToID: upToID}); err != nil {
		s.log.Debug("delivered receipt not sent", "conversation_id", conversationID, "err", err)
	}
}

func (s *Session) settle(outs []outbox.Outcome) {
	for _, o := range outs {
		switch {
		case o.Done && o.Ack.Message != nil:
			res := s.store.Confirm(o.Key, *o.Ack.Message)
			s.emit(Update{Kind: UpdateTimeline, ConversationID: res.ConversationID})
			s.emit(Update{Kind: UpdateConversations})
		case o.Failed:
			if p, ok := s.store.Pending(o.Key); ok {
				s.store.Fail(o.Key, string(apperr.CodeOf(o.Err)))
				s.emit(Update{Kind: UpdateTimeline, ConversationID: p.ConversationID})
			}
		}
	}
}

type snapshot struct {
	list     []model.ConversationSummary
	presence []model.Presence
	pages    map[int64][]model.Message
}

// resync refreshes the conversation list, the presence of everyone in it and
// the newest page of each open conversation. It does not replay history.
func (s *Session) resync() {
	ctx := s.runCtx
	if s.resyncing {
		return
	}
	s.resyncing = true
	open := make([]int64, 0, len(s.open))
	for id := range s.open {
		open = append(open, id)
	}
	go func() {
		snap, err := s.fetch(ctx, open)
		s.post(ctx, func() {
			s.resyncing = false
			if err != nil {
				s.log.Warn("resync failed", "err", err)
				return
			}
			s.applySnapshot(snap)
		})
	}()
}

func (s *Session) fetch(ctx context.Context, open []int64) (snapshot, error) {
	snap := snapshot{pages: make(map[int64][]model.Message)}
	list, err := s.api.Conversations(ctx, conversationsLimit, 0)
	if err != nil {
		return snap, err
	}
	snap.list = list
	for _, c := range list {
		p, err := s.api.Presence(ctx, c.OtherUserID)
		if err != nil {
			return snap, err
		}
		snap.presence = append(snap.presence, p)
	}
	for _, id := range open {
		page, err := s.api.Messages(ctx, id, s.opts.PageSize, 0, 0)
		if err != nil {
			return snap, err
		}
		snap.pages[id] = page
	}
	return snap, nil
}

func (s *Session) applySnapshot(snap snapshot) {
	s.store.Seed(snap.list)
	for _, p := range snap.presence {
		if s.store.SetPresence(p) {
			s.emit(Update{Kind: UpdatePresence, UserID: p.UserID})
		}
	}
	for id, page := range snap.pages {
		if s.store.LoadPage(id, page).Changed {
			s.emit(Update{Kind: UpdateTimeline, ConversationID: id})
		}
	}
	for _, c := range snap.list {
		if c.UnreadCount > 0 && c.LastMessage != nil && c.LastMessage.SenderID != s.opts.UserID {
			s.ackDelivered(c.ID, c.LastMessage.ID)
		}
	}
	s.emit(Update{Kind: UpdateConversations})
}

// post queues f for the Run goroutine.
func (s *Session) post(ctx context.Context, f func()) bool {
	select {
	case s.calls <- f:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopped:
		return false
	}
}

// do runs f on the Run goroutine and waits for it.
func (s *Session) do(ctx context.Context, f func() error) error {
	errc := make(chan error, 1)
	if !s.post(ctx, func() { errc <- f() }) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}
