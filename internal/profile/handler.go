package profile

import (
	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/httpx"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/gin-gonic/gin"
)

type Service struct {
	Users store.Users
}

func Register(rg *gin.RouterGroup, users store.Users) {
	s := Service{
		Users: users,
	}
	rg.GET("/me", s.getMe)
}

func (s Service) getMe(c *gin.Context) {
	uid := auth.MustUserID(c)
	if uid == 0 {
		httpx.Fail(c, apperr.Unauthenticated("unauthorized"))
		return
	}

	u, err := s.Users.UserByID(c.Request.Context(), uid)
	if err != nil {
		httpx.Fail(c, err)
		return
	}

	httpx.OK(c, gin.H{
		"id":          u.ID,
		"username":    u.Username,
		"last_active": u.LastActive,
		"created_at":  u.CreatedAt,
	})
}
