// Package outbox holds client actions until the server acknowledges them.
//
// Every action is keyed by its idempotency key, so resubmitting after a
// dropped connection or a transient failure can never create a second
// message. Transient failures back off and retry up to MaxAttempts; anything
// else, or running out of attempts, leaves the op failed until the user
// retries it explicitly.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 15 * time.Second
)

var (
	ErrUnknownKey = apperr.NotFound("no pending action with this key")
	ErrInFlight   = apperr.Forbidden("action is already with the server")
	ErrNotFailed  = apperr.Validation("only failed actions can be retried")
)

type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
	StateFailed   State = "failed"
)

// Op is one queued action. Frame is the encoded action, so any action type
// survives a round trip through a Store.
type Op struct {
	Key       string          `json:"key"`
	Frame     json.RawMessage `json:"frame"`
	State     State           `json:"state"`
	Attempts  int             `json:"attempts"`
	NextAt    time.Time       `json:"next_at"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	// FailRequested marks an in-flight op that Fail reached. Unless the
	// server accepts it, it fails instead of retrying.
	FailRequested bool `json:"fail_requested,omitempty"`
}

func (op Op) Action() (event.Action, error) {
	a, _, err := event.DecodeAction(op.Frame)
	return a, err
}

// Submitter sends an action and waits for its ack. A transport failure is
// returned as an error; a rejection is an ack with an error.
type Submitter interface {
	Submit(ctx context.Context, a event.Action) (event.Ack, error)
}

type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Now         func() time.Time
}

// Outcome reports what became of one submission.
type Outcome struct {
	Key string
	Ack event.Ack
	// Done means the server accepted the action and it left the outbox.
	Done bool
	// Failed means it will not be retried without Retry.
	Failed bool
	Err    error
}

type Outbox struct {
	mu    sync.Mutex
	store Store
	opts  Options
	ops   map[string]*Op
	log   *slog.Logger
}

// New loads what store holds. Ops that were in flight when the client
// stopped are queued again: the key makes that safe. Those already asked to
// fail are failed.
func New(store Store, opts Options, log *slog.Logger) (*Outbox, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Outbox{
		store: store,
		opts:  opts,
		ops:   make(map[string]*Op),
		log:   log.With("component", "outbox"),
	}
	saved, err := store.All()
	if err != nil {
		return nil, err
	}
	for i := range saved {
		op := saved[i]
		if op.State == StateInFlight {
			op.State = StatePending
			if op.FailRequested {
				op.State = StateFailed
			}
		}
		o.ops[op.Key] = &op
	}
	return o, nil
}

// Enqueue queues a keyed action for the next Flush. Enqueueing a key that is
// already queued is a no-op.
func (o *Outbox) Enqueue(a event.Action) error {
	key := a.IdempotencyKey()
	if key == "" {
		return apperr.Validation("action has no idempotency key")
	}
	frame, err := event.EncodeAction(a)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "encode action", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ops[key]; ok {
		return nil
	}
	now := o.opts.Now()
	op := &Op{Key: key, Frame: frame, State: StatePending, NextAt: now, CreatedAt: now}
	if err := o.store.Put(*op); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "persist outbox", err)
	}
	o.ops[key] = op
	return nil
}

// Get returns a copy of the op for key.
func (o *Outbox) Get(key string) (Op, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[key]
	if !ok {
		return Op{}, false
	}
	return *op, true
}

// Ops lists everything queued, oldest first.
func (o *Outbox) Ops() []Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Op, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, *op)
	}
	sortOps(out)
	return out
}

// NextDue is when the earliest pending op becomes due.
func (o *Outbox) NextDue() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var next time.Time
	found := false
	for _, op := range o.ops {
		if op.State != StatePending {
			continue
		}
		if !found || op.NextAt.Before(next) {
			next, found = op.NextAt, true
		}
	}
	return next, found
}

// Retry requeues a failed op and resets its attempt count.
func (o *Outbox) Retry(key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[key]
	if !ok {
		return ErrUnknownKey
	}
	if op.State != StateFailed {
		return ErrNotFailed
	}
	op.State = StatePending
	op.Attempts = 0
	op.LastError = ""
	op.FailRequested = false
	op.NextAt = o.opts.Now()
	return o.persist(op)
}

// Fail stops retrying an op, e.g. when the user-facing send timed out. An op
// already in flight is only flagged: a success still lands, anything else
// fails it without a retry.
func (o *Outbox) Fail(key, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[key]
	if !ok {
		return ErrUnknownKey
	}
	switch op.State {
	case StateInFlight:
		op.FailRequested = true
		op.LastError = reason
		return o.persist(op)
	case StateFailed:
		return nil
	}
	op.State = StateFailed
	op.LastError = reason
	return o.persist(op)
}

// Cancel drops an op that the server has not seen. Once it is in flight the
// server may already have applied it, so only deleting the result helps.
func (o *Outbox) Cancel(key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[key]
	if !ok {
		return ErrUnknownKey
	}
	if op.State == StateInFlight {
		return ErrInFlight
	}
	delete(o.ops, key)
	return o.store.Delete(key)
}

func (o *Outbox) persist(op *Op) error {
	if err := o.store.Put(*op); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "persist outbox", err)
	}
	return nil
}

// due claims every pending op whose time has come, oldest first.
func (o *Outbox) due() []Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.opts.Now()
	var out []Op
	for _, op := range o.ops {
		if op.State == StatePending && !op.NextAt.After(now) {
			op.State = StateInFlight
			out = append(out, *op)
		}
	}
	sortOps(out)
	return out
}

// Flush submits every due op in order and reports each outcome. It stops
// early if ctx ends; unsent ops stay pending.
func (o *Outbox) Flush(ctx context.Context, sub Submitter) []Outcome {
	ops := o.due()
	outcomes := make([]Outcome, 0, len(ops))
	for i, op := range ops {
		if ctx.Err() != nil {
			o.release(ops[i:])
			break
		}
		outcomes = append(outcomes, o.submit(ctx, sub, op))
	}
	return outcomes
}

func (o *Outbox) release(ops []Op) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range ops {
		if cur, ok := o.ops[op.Key]; ok && cur.State == StateInFlight {
			cur.State = StatePending
		}
	}
}

func (o *Outbox) submit(ctx context.Context, sub Submitter, op Op) Outcome {
	out := Outcome{Key: op.Key}
	a, err := op.Action()
	if err != nil {
		out.Err = apperr.Wrap(apperr.CodeInternal, "decode queued action", err)
	} else {
		out.Ack, out.Err = sub.Submit(ctx, a)
		if out.Err == nil && !out.Ack.OK {
			if out.Ack.Error != nil {
				out.Err = out.Ack.Error
			} else {
				out.Err = apperr.New(apperr.CodeInternal, "rejected without a reason")
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.ops[op.Key]
	if !ok {
		return out
	}
	if out.Err == nil {
		delete(o.ops, op.Key)
		if err := o.store.Delete(op.Key); err != nil {
			o.log.Warn("drop acked op failed", "key", op.Key, "err", err)
		}
		out.Done = true
		return out
	}

	cur.Attempts++
	if !cur.FailRequested {
		cur.LastError = out.Err.Error()
	}
	if cur.FailRequested || !apperr.Retryable(out.Err) || cur.Attempts >= o.opts.MaxAttempts {
		cur.State = StateFailed
		out.Failed = true
		o.log.Info("action failed", "key", op.Key, "attempts", cur.Attempts, "fail_requested", cur.FailRequested, "err", out.Err)
	} else {
		cur.State = StatePending
		cur.NextAt = o.opts.Now().Add(o.backoff(cur.Attempts))
		o.log.Debug("action will retry", "key", op.Key, "attempts", cur.Attempts, "next_at", cur.NextAt, "err", out.Err)
	}
	if err := o.persist(cur); err != nil {
		o.log.Warn("persist op failed", "key", op.Key, "err", err)
	}
	return out
}

// backoff is the delay before the given attempt: doubling from BaseBackoff,
// capped at MaxBackoff, 20% jitter either way. The schedule is replayed per
// op since NextAt is what gets persisted.
func (o *Outbox) backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.opts.BaseBackoff),
		backoff.WithMaxInterval(o.opts.MaxBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
		backoff.WithMaxElapsedTime(0),
	)
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (o *Outbox) Close() error {
	return o.store.Close()
}
