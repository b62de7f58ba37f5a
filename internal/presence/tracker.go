// Package presence tracks which users are online.
//
// A user is online from their first live connection until either the last
// connection closes or no heartbeat arrives within the timeout window. Only
// transitions are reported; repeated connects, pings or disconnects that do
// not change the status are silent.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/model"
)

type Reason string

const (
	ReasonConnect    Reason = "connect"
	ReasonDisconnect Reason = "disconnect"
	ReasonTimeout    Reason = "timeout"
	ReasonHeartbeat  Reason = "heartbeat"
)

type Change struct {
	UserID   int64
	Status   model.PresenceStatus
	LastSeen time.Time
	Reason   Reason
}

// LastSeenStore persists last-seen times so presence survives a restart.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID int64, at time.Time) error
	LastSeen(ctx context.Context, userID int64) (*time.Time, error)
}

type record struct {
	online   bool
	lastPing time.Time
	lastSeen time.Time
}

type Tracker struct {
	timeout time.Duration
	store   LastSeenStore
	log     *slog.Logger
	now     func() time.Time

	// emitMu keeps transitions and their notifications in one order.
	emitMu sync.Mutex
	mu     sync.Mutex
	users  map[int64]*record
	notify func(Change)
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(timeout time.Duration, store LastSeenStore, log *slog.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		timeout: timeout,
		store:   store,
		log:     log.With("component", "presence"),
		now:     time.Now,
		users:   make(map[int64]*record),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnChange registers the transition listener. It is called synchronously,
// one transition at a time.
func (t *Tracker) OnChange(fn func(Change)) {
	t.mu.Lock()
	t.notify = fn
	t.mu.Unlock()
}

func (t *Tracker) rec(userID int64) *record {
	r, ok := t.users[userID]
	if !ok {
		r = &record{}
		t.users[userID] = r
	}
	return r
}

func (t *Tracker) transition(fn func(now time.Time) []Change) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	changes := fn(t.now())
	notify := t.notify
	t.mu.Unlock()

	for _, c := range changes {
		if c.Status == model.Offline && t.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.store.TouchLastSeen(ctx, c.UserID, c.LastSeen); err != nil {
				t.log.Warn("persist last seen failed", "user_id", c.UserID, "err", err)
			}
			cancel()
		}
		t.log.Debug("presence changed", "user_id", c.UserID, "status", c.Status, "reason", c.Reason)
		if notify != nil {
			notify(c)
		}
	}
}

// Connected is called when a user opens their first live connection.
func (t *Tracker) Connected(userID int64) {
	t.transition(func(now time.Time) []Change {
		r := t.rec(userID)
		r.lastPing = now
		if r.online {
			return nil
		}
		r.online = true
		return []Change{{UserID: userID, Status: model.Online, LastSeen: now, Reason: ReasonConnect}}
	})
}

// Disconnected is called when a user's last live connection closes.
func (t *Tracker) Disconnected(userID int64) {
	t.transition(func(now time.Time) []Change {
		r := t.rec(userID)
		if !r.online {
			return nil
		}
		r.online = false
		r.lastSeen = now
		return []Change{{UserID: userID, Status: model.Offline, LastSeen: now, Reason: ReasonDisconnect}}
	})
}

// Heartbeat refreshes a user's liveness. Heartbeats only arrive over live
// connections, so a heartbeat from a timed-out user brings them back online.
func (t *Tracker) Heartbeat(userID int64) {
	t.mu.Lock()
	if r, ok := t.users[userID]; ok && r.online {
		r.lastPing = t.now()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.transition(func(now time.Time) []Change {
		r := t.rec(userID)
		r.lastPing = now
		if r.online {
			return nil
		}
		r.online = true
		return []Change{{UserID: userID, Status: model.Online, LastSeen: now, Reason: ReasonHeartbeat}}
	})
}

// Sweep marks offline every online user whose last heartbeat is older than
// the timeout. Their last-seen is the last heartbeat, not the sweep time.
func (t *Tracker) Sweep() []Change {
	var out []Change
	t.transition(func(now time.Time) []Change {
		for uid, r := range t.users {
			if r.online && now.Sub(r.lastPing) > t.timeout {
				r.online = false
				r.lastSeen = r.lastPing
				out = append(out, Change{UserID: uid, Status: model.Offline, LastSeen: r.lastPing, Reason: ReasonTimeout})
			}
		}
		return out
	})
	return out
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changes := t.Sweep(); len(changes) > 0 {
				t.log.Info("presence sweep", "timed_out", len(changes))
			}
		}
	}
}

func (t *Tracker) Online(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.users[userID]
	return ok && r.online
}

// Lookup returns the current presence of a user. Users not seen since start
// are reported offline with their persisted last-seen.
func (t *Tracker) Lookup(ctx context.Context, userID int64) (model.Presence, error) {
	t.mu.Lock()
	r, ok := t.users[userID]
	var p model.Presence
	if ok {
		p = model.Presence{UserID: userID, Status: model.Offline}
		if r.online {
			p.Status = model.Online
		} else if !r.lastSeen.IsZero() {
			seen := r.lastSeen
			p.LastSeen = &seen
		}
	}
	t.mu.Unlock()
	if ok {
		return p, nil
	}

	p = model.Presence{UserID: userID, Status: model.Offline}
	if t.store == nil {
		return p, nil
	}
	seen, err := t.store.LastSeen(ctx, userID)
	if err != nil {
		return p, err
	}
	p.LastSeen = seen
	return p, nil
}
