// Package registry maps users to their live connections. A user may hold
// several connections at once (one per device or tab).
package registry

import (
	"log/slog"
	"sync"
)

// Conn is one live client connection.
type Conn interface {
	UserID() int64
	// Send queues payload without blocking and reports whether it was queued.
	Send(payload []byte) bool
	Close()
}

type Hooks struct {
	// FirstConnected runs when a user goes from zero to one connection.
	FirstConnected func(userID int64)
	// LastDisconnected runs when a user's last connection is removed.
	LastDisconnected func(userID int64)
}

type Registry struct {
	// hookMu orders a user's connect and disconnect hooks. It is never held
	// by FanOut, so hooks may fan out.
	hookMu sync.Mutex

	mu    sync.RWMutex
	conns map[int64]map[Conn]struct{}

	hooks Hooks
	log   *slog.Logger
}

func New(log *slog.Logger, hooks Hooks) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		conns: make(map[int64]map[Conn]struct{}),
		hooks: hooks,
		log:   log.With("component", "hub"),
	}
}

func (r *Registry) Register(c Conn) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	uid := c.UserID()
	r.mu.Lock()
	set, ok := r.conns[uid]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[uid] = set
	}
	set[c] = struct{}{}
	first := len(set) == 1
	r.mu.Unlock()

	r.log.Debug("connection registered", "user_id", uid, "connections", len(set))
	if first && r.hooks.FirstConnected != nil {
		r.hooks.FirstConnected(uid)
	}
}

// Unregister removes c. It is safe to call more than once.
func (r *Registry) Unregister(c Conn) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	uid := c.UserID()
	r.mu.Lock()
	set, ok := r.conns[uid]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, c)
	last := len(set) == 0
	if last {
		delete(r.conns, uid)
	}
	r.mu.Unlock()

	r.log.Debug("connection unregistered", "user_id", uid)
	if last && r.hooks.LastDisconnected != nil {
		r.hooks.LastDisconnected(uid)
	}
}

// FanOut queues payload on every live connection of every user in userIDs and
// returns how many connections accepted it. A connection whose queue is full
// is closed and dropped; the others are unaffected.
func (r *Registry) FanOut(userIDs []int64, payload []byte) int {
	var (
		sent int
		slow []Conn
	)
	r.mu.RLock()
	for _, uid := range userIDs {
		for c := range r.conns[uid] {
			if c.Send(payload) {
				sent++
			} else {
				slow = append(slow, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range slow {
		r.log.Warn("dropped slow client", "user_id", c.UserID())
		c.Close()
		go r.Unregister(c)
	}
	return sent
}

func (r *Registry) Send(userID int64, payload []byte) int {
	return r.FanOut([]int64{userID}, payload)
}

func (r *Registry) Connections(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

func (r *Registry) Online(userID int64) bool {
	return r.Connections(userID) > 0
}

// CloseAll closes every connection, e.g. on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []Conn
	for _, set := range r.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range all {
		c.Close()
	}
}
