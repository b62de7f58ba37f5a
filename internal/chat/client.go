package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 10
	actionTimeout  = 10 * time.Second
)

// Client is one authenticated WebSocket connection. It implements
// registry.Conn.
type Client struct {
	srv     *Server
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	userID  int64
	limiter *rate.Limiter
	log     *slog.Logger
}

func (c *Client) UserID() int64 { return c.userID }

// Send queues payload for the write pump. It never blocks.
func (c *Client) Send(payload []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket and so ends the read pump.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump(pongWait time.Duration) {
	defer func() {
		c.srv.Registry.Unregister(c)
		c.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.srv.Presence.Heartbeat(c.userID)
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.srv.Presence.Heartbeat(c.userID)
		c.handle(msg)
	}
}

func (c *Client) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(msg []byte) {
	a, key, err := event.DecodeAction(msg)
	if err != nil {
		c.log.Debug("bad action", "err", err)
		if key != "" {
			c.reply(event.AckError(key, apperr.Validation("malformed action")))
		}
		return
	}
	if _, ok := a.(event.Ping); ok {
		return
	}
	if !c.limiter.Allow() {
		if key != "" {
			c.reply(event.AckError(key, apperr.RateLimited()))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	if ack, ok := c.dispatch(ctx, a); ok && key != "" {
		c.reply(ack)
	}
}

// dispatch runs an action against the broker. ok is false for actions that
// are never acknowledged.
func (c *Client) dispatch(ctx context.Context, a event.Action) (ack event.Ack, ok bool) {
	key := a.IdempotencyKey()
	var err error
	switch a := a.(type) {
	case event.SendMessage:
		m, serr := c.srv.Broker.SubmitMessage(ctx, c.userID, a.ConversationID, key, a.Draft)
		if serr == nil {
			return event.Ack{Key: key, OK: true, Message: m}, true
		}
		err = serr
	case event.MarkRead:
		_, err = c.srv.Broker.MarkRead(ctx, c.userID, a.ConversationID)
	case event.MarkDelivered:
		_, err = c.srv.Broker.MarkDelivered(ctx, c.userID, a.ConversationID, a.UpToID)
	case event.DeleteMessage:
		err = c.srv.Broker.DeleteMessage(ctx, c.userID, a.MessageID)
	case event.SetTyping:
		if err := c.srv.Broker.RecordTyping(ctx, c.userID, a.ConversationID, a.Active); err != nil {
			c.log.Debug("typing rejected", "conversation_id", a.ConversationID, "err", err)
		}
		return event.Ack{}, false
	case event.Ping:
		return event.Ack{}, false
	}
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal || apperr.Retryable(err) {
			c.log.Warn("action failed", "type", a.Kind(), "err", err)
		}
		return event.AckError(key, err), true
	}
	return event.Ack{Key: key, OK: true}, true
}

func (c *Client) reply(ack event.Ack) {
	payload, err := event.Encode(ack)
	if err != nil {
		c.log.Error("encode ack", "err", err)
		return
	}
	if c.Send(payload) {
		return
	}
	if c.closed() {
		c.log.Debug("reply after close", "user_id", c.userID, "key", ack.Key)
		return
	}
	c.log.Warn("dropped slow client", "user_id", c.userID)
	c.Close()
}
