package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
)

// API is a small client for the REST surface.
type API struct {
	base string
	hc   *http.Client

	mu    sync.RWMutex
	token string
}

func NewAPI(baseURL string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (a *API) SetToken(tok string) {
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
}

func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// WebSocketURL derives the /ws endpoint from the REST base URL.
func (a *API) WebSocketURL() string {
	u := a.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

type errBody struct {
	Error *apperr.AppError `json:"error"`
}

// do sends a JSON request and decodes a JSON response into out. Network
// failures are TRANSPORT_DROPPED; server errors keep their code.
func (a *API) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "encode request", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "build request", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := a.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return apperr.TransportDropped(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == nil || eb.Error.Code == "" {
			return statusError(resp.StatusCode)
		}
		return eb.Error
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.TransportDropped(fmt.Errorf("decode %s %s: %w", method, path, err))
	}
	return nil
}

func statusError(status int) error {
	msg := http.StatusText(status)
	switch {
	case status == http.StatusUnauthorized:
		return apperr.Unauthenticated(msg)
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited()
	case status >= 500:
		return apperr.Persistence(fmt.Errorf("server returned %d", status))
	}
	return apperr.New(apperr.CodeInternal, msg)
}

type Credentials struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

func (a *API) auth(ctx context.Context, path, username, password string) (Credentials, error) {
	var c Credentials
	err := a.do(ctx, http.MethodPost, path, nil, map[string]string{"username": username, "password": password}, &c)
	if err != nil {
		return Credentials{}, err
	}
	a.SetToken(c.Token)
	return c, nil
}

// Signup registers and keeps the returned token for later calls.
func (a *API) Signup(ctx context.Context, username, password string) (Credentials, error) {
	return a.auth(ctx, "/api/signup", username, password)
}

// Login keeps the returned token for later calls.
func (a *API) Login(ctx context.Context, username, password string) (Credentials, error) {
	return a.auth(ctx, "/api/login", username, password)
}

func (a *API) SearchUsers(ctx context.Context, q string) ([]model.User, error) {
	var out struct {
		Users []model.User `json:"users"`
	}
	err := a.do(ctx, http.MethodGet, "/api/users/search?q="+url.QueryEscape(q), nil, nil, &out)
	return out.Users, err
}

func (a *API) Presence(ctx context.Context, userID int64) (model.Presence, error) {
	var p model.Presence
	err := a.do(ctx, http.MethodGet, fmt.Sprintf("/api/users/%d/presence", userID), nil, nil, &p)
	return p, err
}

func (a *API) CreateOrGetConversation(ctx context.Context, otherUserID int64) (*model.Conversation, error) {
	var out struct {
		Conversation model.Conversation `json:"conversation"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/conversations", nil, map[string]int64{"other_user_id": otherUserID}, &out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

func pageQuery(limit int, before, after int64) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (a *API) Conversations(ctx context.Context, limit int, before int64) ([]model.ConversationSummary, error) {
	var out struct {
		Conversations []model.ConversationSummary `json:"conversations"`
	}
	err := a.do(ctx, http.MethodGet, "/api/conversations"+pageQuery(limit, before, 0), nil, nil, &out)
	return out.Conversations, err
}

// Messages fetches one page of history, oldest first. before and after are
// exclusive message id cursors; zero means unbounded.
func (a *API) Messages(ctx context.Context, conversationID int64, limit int, before, after int64) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/messages/conversation/%d", conversationID) + pageQuery(limit, before, after)
	err := a.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out.Messages, err
}
