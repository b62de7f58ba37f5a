package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/broker"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/presence"
	"github.com/ageniuscoder/mmchat/realtime/internal/registry"
	"github.com/ageniuscoder/mmchat/realtime/internal/storage/sqlite"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const secret = "ws-secret"

type testServer struct {
	url               string
	reg               *registry.Registry
	alice, bob, carol int64
	conv              int64
}

func newTestServer(t *testing.T, tune func(*Server)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	s := store.NewSQL(db.Db, store.SQLite)
	t.Cleanup(func() { s.Close() })

	ts := &testServer{}
	ctx := context.Background()
	for name, id := range map[string]*int64{"alice": &ts.alice, "bob": &ts.bob, "carol": &ts.carol} {
		u, err := s.CreateUser(ctx, name, "x")
		require.NoError(t, err)
		*id = u.ID
	}

	tracker := presence.NewTracker(time.Minute, s, nil)
	ts.reg = registry.New(nil, registry.Hooks{
		FirstConnected:   tracker.Connected,
		LastDisconnected: tracker.Disconnected,
	})
	b := broker.New(s, ts.reg, nil)
	tracker.OnChange(b.PublishPresence)
	conv, _, err := b.CreateOrGetConversation(ctx, ts.alice, ts.bob)
	require.NoError(t, err)
	ts.conv = conv.ID

	srv := &Server{
		Broker:    b,
		Registry:  ts.reg,
		Presence:  tracker,
		JWTSecret: secret,
	}
	if tune != nil {
		tune(srv)
	}
	r := gin.New()
	RegisterWS(r.Group(""), srv)
	hs := httptest.NewServer(r)
	t.Cleanup(func() {
		ts.reg.CloseAll()
		hs.Close()
	})
	ts.url = "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	return ts
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (ts *testServer) dial(t *testing.T, uid int64) *wsConn {
	t.Helper()
	tok, err := auth.NewToken(secret, uid, 5)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(ts.url+"?token="+tok, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return ts.reg.Online(uid) }, 2*time.Second, 5*time.Millisecond)
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) act(a event.Action) {
	c.t.Helper()
	b, err := event.EncodeAction(a)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

// next returns the first event matching match, skipping the rest.
func (c *wsConn) next(match func(event.Event) bool) event.Event {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, b, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "no matching event before deadline")
		ev, err := event.Decode(b)
		require.NoError(c.t, err)
		if match(ev) {
			return ev
		}
	}
}

// quiet asserts that no event matching match arrives within d. The read
// deadline it sets breaks the connection, so it must be the last read.
func (c *wsConn) quiet(d time.Duration, match func(event.Event) bool) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := event.Decode(b)
		require.NoError(c.t, err)
		assert.False(c.t, match(ev), "unexpected event %#v", ev)
	}
}

func ackFor(key string) func(event.Event) bool {
	return func(ev event.Event) bool {
		a, ok := ev.(event.Ack)
		return ok && a.Key == key
	}
}

func isNew(ev event.Event) bool {
	_, ok := ev.(event.MessageNew)
	return ok
}

func text(s string) model.Draft {
	return model.Draft{Type: model.TypeText, Content: s}
}

func TestSendAckAndFanOut(t *testing.T) {
	ts := newTestServer(t, nil)
	bob := ts.dial(t, ts.bob)
	alice := ts.dial(t, ts.alice)

	alice.act(event.SendMessage{Key: "k1", ConversationID: ts.conv, Draft: text("hi")})
	ack := alice.next(ackFor("k1")).(event.Ack)
	require.True(t, ack.OK, "%+v", ack.Error)
	require.NotNil(t, ack.Message)
	assert.Equal(t, "hi", ack.Message.Content)

	got := bob.next(isNew).(event.MessageNew)
	assert.Equal(t, ack.Message.ID, got.Message.ID)

	t.Run("delivered and read receipts reach the sender", func(t *testing.T) {
		bob.act(event.MarkDelivered{Key: "d1", ConversationID: ts.conv, UpToID: ack.Message.ID})
		require.True(t, bob.next(ackFor("d1")).(event.Ack).OK)
		st := alice.next(func(ev event.Event) bool { _, ok := ev.(event.StatusUpdate); return ok }).(event.StatusUpdate)
		assert.Equal(t, delivery.StatusDelivered, st.Status)
		assert.Equal(t, []int64{ack.Message.ID}, st.MessageIDs)

		bob.act(event.MarkRead{Key: "r1", ConversationID: ts.conv})
		require.True(t, bob.next(ackFor("r1")).(event.Ack).OK)
		st = alice.next(func(ev event.Event) bool { _, ok := ev.(event.StatusUpdate); return ok }).(event.StatusUpdate)
		assert.Equal(t, delivery.StatusRead, st.Status)
		assert.Equal(t, ts.bob, st.UserID)
	})

	t.Run("retry with the same key is not a second message", func(t *testing.T) {
		alice.act(event.SendMessage{Key: "k1", ConversationID: ts.conv, Draft: text("hi")})
		again := alice.next(ackFor("k1")).(event.Ack)
		require.True(t, again.OK)
		assert.Equal(t, ack.Message.ID, again.Message.ID)
		bob.quiet(150*time.Millisecond, isNew)
	})
}

func TestRejectedActionsAreAcked(t *testing.T) {
	ts := newTestServer(t, nil)
	carol := ts.dial(t, ts.carol)

	carol.act(event.SendMessage{Key: "c1", ConversationID: ts.conv, Draft: text("let me in")})
	ack := carol.next(ackFor("c1")).(event.Ack)
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperr.CodeNotParticipant, ack.Error.Code)

	require.NoError(t, carol.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message:send","key":"bad","data":"nope"}`)))
	ack = carol.next(ackFor("bad")).(event.Ack)
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperr.CodeValidation, ack.Error.Code)
}

func TestUnauthenticatedUpgrade(t *testing.T) {
	ts := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(ts.url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPresenceAndTyping(t *testing.T) {
	ts := newTestServer(t, nil)
	bob := ts.dial(t, ts.bob)
	alice := ts.dial(t, ts.alice)

	presenceOf := func(uid int64, status model.PresenceStatus) func(event.Event) bool {
		return func(ev event.Event) bool {
			p, ok := ev.(event.PresenceChanged)
			return ok && p.UserID == uid && p.Status == status
		}
	}
	bob.next(presenceOf(ts.alice, model.Online))

	alice.act(event.SetTyping{ConversationID: ts.conv, Active: true})
	typing := bob.next(func(ev event.Event) bool { _, ok := ev.(event.Typing); return ok }).(event.Typing)
	assert.True(t, typing.Active)
	assert.Equal(t, ts.alice, typing.UserID)

	require.NoError(t, alice.conn.Close())
	off := bob.next(presenceOf(ts.alice, model.Offline)).(event.PresenceChanged)
	assert.NotNil(t, off.LastSeen)
}

func TestActionRateLimit(t *testing.T) {
	ts := newTestServer(t, func(s *Server) {
		s.ActionRate = rate.Limit(0.5)
		s.ActionBurst = 1
	})
	alice := ts.dial(t, ts.alice)

	for i := 0; i < 3; i++ {
		alice.act(event.MarkRead{Key: fmt.Sprintf("r%d", i), ConversationID: ts.conv})
	}
	assert.True(t, alice.next(ackFor("r0")).(event.Ack).OK)
	limited := alice.next(ackFor("r1")).(event.Ack)
	require.NotNil(t, limited.Error)
	assert.Equal(t, apperr.CodeRateLimited, limited.Error.Code)
}
