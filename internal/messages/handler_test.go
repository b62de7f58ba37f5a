package messages

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
	alice, bob, carol int64
	conv              int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	s := store.NewSQL(db.Db, store.SQLite)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	h := &harness{}
	for name, id := range map[string]*int64{"alice": &h.alice, "bob": &h.bob, "carol": &h.carol} {
		u, err := s.CreateUser(ctx, name, "x")
		require.NoError(t, err)
		*id = u.ID
	}
	b := broker.New(s, registry.New(nil, registry.Hooks{}), nil)
	conv, _, err := b.CreateOrGetConversation(ctx, h.alice, h.bob)
	require.NoError(t, err)
	h.conv = conv.ID

	h.router = gin.New()
	api := h.router.Group("/api", auth.JWTMiddleware(secret))
	Register(api, s, b)
	return h
}

func (h *harness) do(t *testing.T, uid int64, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
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
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

type sendResp struct {
	Message model.Message `json:"message"`
}

type listResp struct {
	Messages   []model.Message `json:"messages"`
	NextBefore int64           `json:"next_before"`
	HasMore    bool            `json:"has_more"`
}

type errResp struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func send(conv int64, text string) gin.H {
	return gin.H{"conversation_id": conv, "draft": gin.H{"type": "text", "content": text}}
}

func TestSendIsIdempotentByHeader(t *testing.T) {
	h := newHarness(t)
	key := map[string]string{IdempotencyHeader: "k-1"}

	w := h.do(t, h.alice, http.MethodPost, "/api/messages", send(h.conv, "hi"), key)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first sendResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, "hi", first.Message.Content)

	w = h.do(t, h.alice, http.MethodPost, "/api/messages", send(h.conv, "hi"), key)
	require.Equal(t, http.StatusCreated, w.Code)
	var second sendResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.Message.ID, second.Message.ID)

	w = h.do(t, h.alice, http.MethodGet, fmt.Sprintf("/api/messages/conversation/%d", h.conv), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page listResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Messages, 1)
}

func TestSendRejections(t *testing.T) {
	h := newHarness(t)

	t.Run("not a participant", func(t *testing.T) {
		w := h.do(t, h.carol, http.MethodPost, "/api/messages", send(h.conv, "hi"), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		var e errResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
		assert.Equal(t, "NOT_PARTICIPANT", e.Error.Code)
	})

	t.Run("invalid draft", func(t *testing.T) {
		w := h.do(t, h.alice, http.MethodPost, "/api/messages",
			gin.H{"conversation_id": h.conv, "draft": gin.H{"type": "image"}}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing conversation id", func(t *testing.T) {
		w := h.do(t, h.alice, http.MethodPost, "/api/messages", gin.H{"draft": gin.H{"type": "text", "content": "x"}}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListPagination(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		w := h.do(t, h.alice, http.MethodPost, "/api/messages", send(h.conv, fmt.Sprintf("m%d", i)), nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	path := fmt.Sprintf("/api/messages/conversation/%d?limit=3", h.conv)
	w := h.do(t, h.bob, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page listResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 3)
	assert.Equal(t, []string{"m2", "m3", "m4"}, contents(page.Messages))
	assert.True(t, page.HasMore)
	assert.Equal(t, page.Messages[0].ID, page.NextBefore)

	w = h.do(t, h.bob, http.MethodGet, fmt.Sprintf("%s&before=%d", path, page.NextBefore), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var older listResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &older))
	assert.Equal(t, []string{"m0", "m1"}, contents(older.Messages))
	assert.False(t, older.HasMore)

	w = h.do(t, h.carol, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, h.bob, http.MethodGet, "/api/messages/conversation/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListHidesOthersKeys(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, h.alice, http.MethodPost, "/api/messages", send(h.conv, "hi"), map[string]string{IdempotencyHeader: "alice-1"})
	require.Equal(t, http.StatusCreated, w.Code)

	path := fmt.Sprintf("/api/messages/conversation/%d", h.conv)
	for uid, key := range map[int64]string{h.alice: "alice-1", h.bob: ""} {
		w := h.do(t, uid, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var page listResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		require.Len(t, page.Messages, 1)
		assert.Equal(t, key, page.Messages[0].IdempotencyKey, "user %d", uid)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, h.alice, http.MethodPost, "/api/messages", send(h.conv, "oops"), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sent sendResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	path := fmt.Sprintf("/api/messages/%d", sent.Message.ID)

	w = h.do(t, h.bob, http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, h.alice, http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, h.alice, http.MethodDelete, "/api/messages/999999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, h.bob, http.MethodGet, fmt.Sprintf("/api/messages/conversation/%d", h.conv), nil, nil)
	var page listResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].IsDeleted)
	assert.Empty(t, page.Messages[0].Content)
}

func contents(ms []model.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}
