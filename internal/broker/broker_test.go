package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/event"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/presence"
	"github.com/ageniuscoder/mmchat/realtime/internal/registry"
	"github.com/ageniuscoder/mmchat/realtime/internal/storage/sqlite"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	uid int64
	mu  sync.Mutex
	got []event.Event
}

func (c *fakeConn) UserID() int64 { return c.uid }
func (c *fakeConn) Close()        {}

func (c *fakeConn) Send(p []byte) bool {
	ev, err := event.Decode(p)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.got...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.got = nil
	c.mu.Unlock()
}

type env struct {
	broker            *Broker
	store             *store.SQLStore
	reg               *registry.Registry
	alice, bob, carol int64
	conv              *model.Conversation
	aliceConn         *fakeConn
	bobConn           *fakeConn
	carolConn         *fakeConn
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	s := store.NewSQL(db.Db, store.SQLite)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	e := &env{store: s, reg: registry.New(nil, registry.Hooks{})}
	for _, u := range []struct {
		name string
		id   *int64
	}{{"alice", &e.alice}, {"bob", &e.bob}, {"carol", &e.carol}} {
		user, err := s.CreateUser(ctx, u.name, "x")
		require.NoError(t, err)
		*u.id = user.ID
	}
	e.broker = New(s, e.reg, nil)
	e.conv, _, err = e.broker.CreateOrGetConversation(ctx, e.alice, e.bob)
	require.NoError(t, err)

	e.aliceConn = &fakeConn{uid: e.alice}
	e.bobConn = &fakeConn{uid: e.bob}
	e.carolConn = &fakeConn{uid: e.carol}
	e.reg.Register(e.aliceConn)
	e.reg.Register(e.bobConn)
	e.reg.Register(e.carolConn)
	return e
}

func text(s string) model.Draft { return model.Draft{Type: model.TypeText, Content: s} }

func newMessageIDs(evs []event.Event) []int64 {
	var ids []int64
	for _, ev := range evs {
		if n, ok := ev.(event.MessageNew); ok {
			ids = append(ids, n.Message.ID)
		}
	}
	return ids
}

func TestSubmitEmitsToAllParticipantDevices(t *testing.T) {
	e := newEnv(t)
	aliceTablet := &fakeConn{uid: e.alice}
	e.reg.Register(aliceTablet)

	m, err := e.broker.SubmitMessage(context.Background(), e.alice, e.conv.ID, "k1", text("hi bob"))
	require.NoError(t, err)

	for c, key := range map[*fakeConn]string{e.aliceConn: "k1", aliceTablet: "k1", e.bobConn: ""} {
		evs := c.events()
		require.Len(t, evs, 1)
		got := evs[0].(event.MessageNew).Message
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, key, got.IdempotencyKey, "user %d", c.uid)
	}
	assert.Empty(t, e.carolConn.events())
}

func TestSubmitIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.broker.SubmitMessage(ctx, e.alice, e.conv.ID, "retry-me", text("once"))
	require.NoError(t, err)
	second, err := e.broker.SubmitMessage(ctx, e.alice, e.conv.ID, "retry-me", text("once"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, e.bobConn.events(), 1, "exactly one message:new")

	msgs, err := e.store.ListMessages(ctx, e.conv.ID, store.Page{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSubmitRejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.broker.SubmitMessage(ctx, e.carol, e.conv.ID, "", text("intruder"))
	assert.Equal(t, apperr.CodeNotParticipant, apperr.CodeOf(err))

	_, err = e.broker.SubmitMessage(ctx, e.alice, 9999, "", text("nowhere"))
	assert.Equal(t, apperr.CodeNotParticipant, apperr.CodeOf(err))

	_, err = e.broker.SubmitMessage(ctx, e.alice, e.conv.ID, "", model.Draft{Type: model.TypeText})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	assert.Empty(t, e.bobConn.events())
	assert.Empty(t, e.aliceConn.events())
}

type failingGateway struct {
	store.Gateway
	conv *model.Conversation
}

func (f failingGateway) Conversation(context.Context, int64) (*model.Conversation, error) {
	return f.conv, nil
}

func (failingGateway) Submit(context.Context, store.SubmitParams) (*model.Message, bool, error) {
	return nil, false, errors.New("disk I/O error")
}

func TestPersistenceFailureEmitsNothing(t *testing.T) {
	e := newEnv(t)
	b := New(failingGateway{conv: e.conv}, e.reg, nil)

	_, err := b.SubmitMessage(context.Background(), e.alice, e.conv.ID, "k", text("lost"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodePersistenceFailure, apperr.CodeOf(err))
	assert.True(t, apperr.Retryable(err))
	assert.Empty(t, e.bobConn.events())
}

func TestConcurrentSubmitsObservedInSameOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sender := e.alice
		if i%2 == 1 {
			sender = e.bob
		}
		wg.Add(1)
		go func(i int, sender int64) {
			defer wg.Done()
			_, err := e.broker.SubmitMessage(ctx, sender, e.conv.ID, fmt.Sprintf("k-%d", i), text(fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i, sender)
	}
	wg.Wait()

	aliceSaw := newMessageIDs(e.aliceConn.events())
	bobSaw := newMessageIDs(e.bobConn.events())
	require.Len(t, aliceSaw, 20)
	assert.Equal(t, aliceSaw, bobSaw)
	for i := 1; i < len(aliceSaw); i++ {
		assert.Greater(t, aliceSaw[i], aliceSaw[i-1], "emission order follows commit order")
	}
	assert.Zero(t, e.broker.seq.active())
}

func TestMarkReadBatches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var sent []int64
	for i := 0; i < 3; i++ {
		m, err := e.broker.SubmitMessage(ctx, e.alice, e.conv.ID, "", text(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		sent = append(sent, m.ID)
	}
	e.aliceConn.reset()
	e.bobConn.reset()

	ids, err := e.broker.MarkRead(ctx, e.bob, e.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, sent, ids)

	for _, c := range []*fakeConn{e.aliceConn, e.bobConn} {
		evs := c.events()
		require.Len(t, evs, 1, "one batched event per conversation")
		su := evs[0].(event.StatusUpdate)
		assert.Equal(t, e.bob, su.UserID)
		assert.Equal(t, delivery.StatusRead, su.Status)
		assert.Equal(t, sent, su.MessageIDs)
	}

	ids, err = e.broker.MarkRead(ctx, e.bob, e.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, e.aliceConn.events(), 1, "repeat is a no-op")

	_, err = e.broker.MarkRead(ctx, e.carol, e.conv.ID)
	assert.Equal(t, apperr.CodeNotParticipant, apperr.CodeOf(err))
}

func TestMarkDeliveredThenRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m1, err := e.broker.SubmitMessage(ctx, e.alice, e.conv.ID, "", text("a"))
	require.NoError(t, err)
	m2, err := e.broker.SubmitMessage(ctx, e.alice, e.conv.ID, "", text("b"))
	require.NoError(t, err)

	ids, err := e.broker.MarkDelivered(ctx, e.bob, e.conv.ID, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{m1.ID}, ids)

	ids, err = e.broker.MarkRead(ctx, e.bob, e.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{m1.ID, m2.ID}, ids)

	ids, err = e.broker.MarkDelivered(ctx, e.bob, e.conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, ids, "read is never downgraded to delivered")
}

func TestDeleteMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m, err := e.broker.SubmitMessage(ctx, e.alice, e.conv.ID, "", text("regret"))
	require.NoError(t, err)
	e.bobConn.reset()

	err = e.broker.DeleteMessage(ctx, e.bob, m.ID)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	err = e.broker.DeleteMessage(ctx, e.carol, m.ID)
	assert.Equal(t, apperr.CodeNotParticipant, apperr.CodeOf(err))

	require.NoError(t, e.broker.DeleteMessage(ctx, e.alice, m.ID))
	require.NoError(t, e.broker.DeleteMessage(ctx, e.alice, m.ID))

	evs := e.bobConn.events()
	require.Len(t, evs, 1)
	assert.Equal(t, event.MessageDeleted{ConversationID: e.conv.ID, MessageID: m.ID}, evs[0])

	err = e.broker.DeleteMessage(ctx, e.alice, 5555)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestTypingGoesToOtherParticipantOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.broker.RecordTyping(ctx, e.alice, e.conv.ID, true))
	require.NoError(t, e.broker.RecordTyping(ctx, e.alice, e.conv.ID, false))

	assert.Empty(t, e.aliceConn.events())
	assert.Empty(t, e.carolConn.events())
	assert.Equal(t, []event.Event{
		event.Typing{ConversationID: e.conv.ID, UserID: e.alice, Active: true},
		event.Typing{ConversationID: e.conv.ID, UserID: e.alice, Active: false},
	}, e.bobConn.events())

	err := e.broker.RecordTyping(ctx, e.carol, e.conv.ID, true)
	assert.Equal(t, apperr.CodeNotParticipant, apperr.CodeOf(err))
}

func TestPresenceGoesToCoParticipantsOnly(t *testing.T) {
	e := newEnv(t)
	seen := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	e.broker.PublishPresence(presence.Change{UserID: e.alice, Status: model.Offline, LastSeen: seen, Reason: presence.ReasonTimeout})

	evs := e.bobConn.events()
	require.Len(t, evs, 1)
	pc := evs[0].(event.PresenceChanged)
	assert.Equal(t, model.Offline, pc.Status)
	require.NotNil(t, pc.LastSeen)
	assert.Equal(t, seen, *pc.LastSeen)

	assert.Empty(t, e.carolConn.events())
	assert.Empty(t, e.aliceConn.events())
}

func TestSequencerIsolatesConversations(t *testing.T) {
	s := newSequencer()
	unlockA := s.Lock(1)

	done := make(chan struct{})
	go func() {
		unlockB := s.Lock(2)
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("conversation 2 waited on conversation 1")
	}
	unlockA()
	assert.Zero(t, s.active())
}
