package users

import (
	"net/http"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/config"
	"github.com/ageniuscoder/mmchat/realtime/internal/httpx"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/gin-gonic/gin"
)

type Service struct {
	Users     store.Users
	JWTSecret string
	JWTTTLMin int
}

type signupReq struct {
	Username string `json:"username" binding:"required,min=3,max=32,alphanum"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

type loginReq struct {
	Username string `json:"username" binding:"required" `
	Password string `json:"password" binding:"required"`
}

func RegisterPublic(rg *gin.RouterGroup, users store.Users, cfg config.Config) {
	s := Service{
		Users:     users,
		JWTSecret: cfg.JWTSecret,
		JWTTTLMin: cfg.JWTTTLMin,
	}

	rg.POST("/signup", s.signup)
	rg.POST("/login", s.login)
}

func (s Service) signup(c *gin.Context) {
	var req signupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindFailed(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpx.Fail(c, apperr.Wrap(apperr.CodeInternal, "hash password", err))
		return
	}
	u, err := s.Users.CreateUser(c.Request.Context(), req.Username, hash)
	if err != nil {
		httpx.Fail(c, err)
		return
	}

	tok, err := auth.NewToken(s.JWTSecret, u.ID, s.JWTTTLMin)
	if err != nil {
		httpx.Fail(c, apperr.Wrap(apperr.CodeInternal, "token generation failed", err))
		return
	}

	httpx.Created(c, gin.H{"token": tok, "user_id": u.ID})
}

func (s Service) login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindFailed(c, err)
		return
	}

	u, err := s.Users.UserByUsername(c.Request.Context(), req.Username)
	if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
		httpx.Fail(c, err)
		return
	}
	if u == nil || !auth.CheckPassword(u.PasswordHash, req.Password) {
		httpx.Fail(c, apperr.Unauthenticated("invalid credentials"))
		return
	}
	tok, err := auth.NewToken(s.JWTSecret, u.ID, s.JWTTTLMin)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	httpx.OK(c, gin.H{"token": tok, "user_id": u.ID})
}
