package conversations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/broker"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/registry"
	"github.com/ageniuscoder/mmchat/realtime/internal/storage/sqlite"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type harness struct {
	router            *gin.Engine
	broker            *broker.Broker
	alice, bob, carol int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	s := store.NewSQL(db.Db, store.SQLite)
	t.Cleanup(func() { s.Close() })

	h := &harness{broker: broker.New(s, registry.New(nil, registry.Hooks{}), nil)}
	for name, id := range map[string]*int64{"alice": &h.alice, "bob": &h.bob, "carol": &h.carol} {
		u, err := s.CreateUser(context.Background(), name, "x")
		require.NoError(t, err)
		*id = u.ID
	}
	h.router = gin.New()
	Register(h.router.Group("/api", auth.JWTMiddleware(secret)), s, h.broker)
	return h
}

func (h *harness) do(t *testing.T, uid int64, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	tok, err := auth.NewToken(secret, uid, 5)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

type convResp struct {
	Conversation model.Conversation `json:"conversation"`
	Created      bool               `json:"created"`
}

type listResp struct {
	Conversations []model.ConversationSummary `json:"conversations"`
	NextBefore    int64                       `json:"next_before"`
	HasMore       bool                        `json:"has_more"`
}

func TestCreateOrGetPrivate(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, h.alice, http.MethodPost, "/api/conversations", gin.H{"other_user_id": h.bob})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first convResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Created)
	assert.ElementsMatch(t, []int64{h.alice, h.bob}, first.Conversation.Participants)

	// The pair is unordered.
	w = h.do(t, h.bob, http.MethodPost, "/api/conversations", gin.H{"other_user_id": h.alice})
	require.Equal(t, http.StatusOK, w.Code)
	var again convResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.False(t, again.Created)
	assert.Equal(t, first.Conversation.ID, again.Conversation.ID)

	t.Run("with self", func(t *testing.T) {
		w := h.do(t, h.alice, http.MethodPost, "/api/conversations", gin.H{"other_user_id": h.alice})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("unknown user", func(t *testing.T) {
		w := h.do(t, h.alice, http.MethodPost, "/api/conversations", gin.H{"other_user_id": 424242})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
	t.Run("missing body", func(t *testing.T) {
		w := h.do(t, h.alice, http.MethodPost, "/api/conversations", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListAndMarkRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	withBob, _, err := h.broker.CreateOrGetConversation(ctx, h.alice, h.bob)
	require.NoError(t, err)
	withCarol, _, err := h.broker.CreateOrGetConversation(ctx, h.alice, h.carol)
	require.NoError(t, err)

	_, err = h.broker.SubmitMessage(ctx, h.bob, withBob.ID, "", model.Draft{Type: model.TypeText, Content: "one"})
	require.NoError(t, err)
	_, err = h.broker.SubmitMessage(ctx, h.carol, withCarol.ID, "", model.Draft{Type: model.TypeText, Content: "two"})
	require.NoError(t, err)
	_, err = h.broker.SubmitMessage(ctx, h.bob, withBob.ID, "bob-3", model.Draft{Type: model.TypeText, Content: "three"})
	require.NoError(t, err)

	w := h.do(t, h.alice, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list listResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, withBob.ID, list.Conversations[0].ID)
	require.NotNil(t, list.Conversations[0].LastMessage)
	assert.Equal(t, "three", list.Conversations[0].LastMessage.Content)
	assert.Empty(t, list.Conversations[0].LastMessage.IdempotencyKey, "bob's key stays with bob")
	assert.Equal(t, 2, list.Conversations[0].UnreadCount)
	assert.Equal(t, withCarol.ID, list.Conversations[1].ID)

	w = h.do(t, h.alice, http.MethodGet, "/api/conversations?limit=1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.True(t, list.HasMore)
	w = h.do(t, h.alice, http.MethodGet, fmt.Sprintf("/api/conversations?limit=1&before=%d", list.NextBefore), nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, withCarol.ID, list.Conversations[0].ID)

	w = h.do(t, h.alice, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", withBob.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var read struct {
		MessageIDs []int64 `json:"message_ids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &read))
	assert.Len(t, read.MessageIDs, 2)

	// Repeating is a no-op.
	w = h.do(t, h.alice, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", withBob.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &read))
	assert.Empty(t, read.MessageIDs)

	w = h.do(t, h.carol, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", withBob.ID), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
