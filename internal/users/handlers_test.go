package users

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/config"
	"github.com/ageniuscoder/mmchat/realtime/internal/storage/sqlite"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	s := store.NewSQL(db.Db, store.SQLite)
	t.Cleanup(func() { s.Close() })

	r := gin.New()
	RegisterPublic(r.Group("/api"), s, config.Config{JWTSecret: "secret", JWTTTLMin: 5})
	return r
}

func post(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type tokenResp struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

func TestSignupAndLogin(t *testing.T) {
	r := newRouter(t)

	w := post(r, "/api/signup", gin.H{"username": "alice", "password": "hunter22"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var signed tokenResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &signed))
	claims, err := auth.ParseToken("secret", signed.Token)
	require.NoError(t, err)
	assert.Equal(t, signed.UserID, claims.UserId)

	t.Run("duplicate username", func(t *testing.T) {
		w := post(r, "/api/signup", gin.H{"username": "alice", "password": "another1"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "ALREADY_EXISTS")
	})

	t.Run("invalid signup", func(t *testing.T) {
		w := post(r, "/api/signup", gin.H{"username": "a!", "password": "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "fields")
	})

	t.Run("login", func(t *testing.T) {
		w := post(r, "/api/login", gin.H{"username": "alice", "password": "hunter22"})
		require.Equal(t, http.StatusOK, w.Code)
		var got tokenResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, signed.UserID, got.UserID)
		assert.NotEmpty(t, got.Token)
	})

	t.Run("wrong password", func(t *testing.T) {
		w := post(r, "/api/login", gin.H{"username": "alice", "password": "nope"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		w := post(r, "/api/login", gin.H{"username": "mallory", "password": "hunter22"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "invalid credentials")
	})
}
