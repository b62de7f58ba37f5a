package feature

import (
	"context"
	"strconv"
	"strings"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/httpx"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/gin-gonic/gin"
)

const searchLimit = 10

// PresenceLookup answers "is this user online, and if not since when".
type PresenceLookup interface {
	Lookup(ctx context.Context, userID int64) (model.Presence, error)
}

type Service struct {
	Users    store.Users
	Presence PresenceLookup
}

func Register(rg *gin.RouterGroup, users store.Users, p PresenceLookup) {
	s := Service{
		Users:    users,
		Presence: p,
	}
	rg.GET("/users/:id/presence", s.getPresence)
	rg.GET("/users/search", s.searchUsers)
}

func (s *Service) searchUsers(c *gin.Context) {
	uid := auth.MustUserID(c)
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		httpx.Fail(c, apperr.Validation("query parameter q is required"))
		return
	}

	found, err := s.Users.SearchUsers(c.Request.Context(), query, uid, searchLimit)
	if err != nil {
		httpx.Fail(c, err)
		return
	}

	users := make([]gin.H, 0, len(found))
	for _, u := range found {
		users = append(users, gin.H{
			"id":       u.ID,
			"username": u.Username,
		})
	}
	httpx.OK(c, gin.H{"users": users})
}

func (s Service) getPresence(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Fail(c, apperr.Validation("invalid user id"))
		return
	}

	p, err := s.Presence.Lookup(c.Request.Context(), userID)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, p)
}
