package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 15 * time.Second
	eventBuffer  = 256
)

var errClosed = errors.New("connection closed")

// Conn is one WebSocket connection to the server. Keyed actions sent with
// Submit are matched to their acks; every other server frame is delivered on
// Events in arrival order.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan event.Ack

	events    chan event.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects and authenticates with token.
func Dial(ctx context.Context, wsURL, token string, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, h)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.Unauthenticated("websocket upgrade rejected")
		}
		return nil, apperr.TransportDropped(err)
	}
	c := &Conn{
		ws:      ws,
		log:     log.With("component", "conn"),
		waiters: make(map[string]chan event.Ack),
		events:  make(chan event.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Events is closed when the connection ends.
func (c *Conn) Events() <-chan event.Event { return c.events }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	defer func() {
		c.shutdown()
		close(c.events)
	}()
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("read ended", "err", err)
			}
			return
		}
		ev, err := event.Decode(b)
		if err != nil {
			c.log.Warn("undecodable frame", "err", err)
			continue
		}
		if ack, ok := ev.(event.Ack); ok {
			c.resolve(ack)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.Send(event.Ping{}); err != nil {
				return
			}
		}
	}
}

func (c *Conn) resolve(ack event.Ack) {
	c.mu.Lock()
	ch, ok := c.waiters[ack.Key]
	delete(c.waiters, ack.Key)
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *Conn) write(a event.Action) error {
	b, err := event.EncodeAction(a)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "encode action", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return apperr.TransportDropped(errClosed)
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		go c.shutdown()
		return apperr.TransportDropped(err)
	}
	return nil
}

// Send writes an action without waiting for anything back.
func (c *Conn) Send(a event.Action) error {
	return c.write(a)
}

// Submit writes a keyed action and waits for its ack. If the connection
// drops first the error is TRANSPORT_DROPPED and the action may or may not
// have been applied; resubmitting with the same key is safe.
func (c *Conn) Submit(ctx context.Context, a event.Action) (event.Ack, error) {
	key := a.IdempotencyKey()
	if key == "" {
		return event.Ack{}, apperr.Validation("action has no idempotency key")
	}
	ch := make(chan event.Ack, 1)
	c.mu.Lock()
	c.waiters[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[key] == ch {
			delete(c.waiters, key)
		}
		c.mu.Unlock()
	}()

	if err := c.write(a); err != nil {
		return event.Ack{}, err
	}
	select {
	case ack := <-ch:
		return ack, nil
	case <-c.done:
		return event.Ack{}, apperr.TransportDropped(errClosed)
	case <-ctx.Done():
		return event.Ack{}, apperr.TransportDropped(ctx.Err())
	}
}
