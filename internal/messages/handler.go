package messages

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/httpx"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/gin-gonic/gin"
)

const IdempotencyHeader = "Idempotency-Key"

// Broker is the write path; REST writes go through the same broker as
// WebSocket actions so they emit the same events.
type Broker interface {
	SubmitMessage(ctx context.Context, senderID, conversationID int64, key string, d model.Draft) (*model.Message, error)
	DeleteMessage(ctx context.Context, userID, messageID int64) error
}

type Service struct {
	Store  store.Gateway
	Broker Broker
}

type sendReq struct {
	ConversationID int64       `json:"conversation_id" binding:"required,gt=0"`
	Draft          model.Draft `json:"draft" binding:"required"`
}

func Register(rg *gin.RouterGroup, gw store.Gateway, b Broker) {
	s := Service{
		Store:  gw,
		Broker: b,
	}
	rg.POST("/messages", s.send)
	rg.GET("/messages/conversation/:id", s.list)
	rg.DELETE("/messages/:id", s.remove)
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Fail(c, apperr.Validation(name+": must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (s Service) send(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindFailed(c, err)
		return
	}

	m, err := s.Broker.SubmitMessage(c.Request.Context(), uid, req.ConversationID, c.GetHeader(IdempotencyHeader), req.Draft)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Created(c, gin.H{"message": m})
}

// list pages through a conversation's history, oldest to newest within a page.
// Use ?before=<first id of the current page> to walk back.
func (s Service) list(c *gin.Context) {
	uid := auth.MustUserID(c)
	cid, ok := paramID(c, "id")
	if !ok {
		return
	}
	var q store.Page
	if err := c.ShouldBindQuery(&q); err != nil {
		httpx.BindFailed(c, err)
		return
	}
	q = q.Normalize()

	conv, err := s.Store.Conversation(c.Request.Context(), cid)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	if conv == nil || !conv.Has(uid) {
		httpx.Fail(c, apperr.NotParticipant())
		return
	}

	list, err := s.Store.ListMessages(c.Request.Context(), cid, q)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	if list == nil {
		list = []model.Message{}
	}
	for i := range list {
		list[i] = list[i].ViewedBy(uid)
	}
	resp := gin.H{"messages": list, "has_more": len(list) == q.Limit}
	if len(list) > 0 {
		resp["next_before"] = list[0].ID
		resp["next_after"] = list[len(list)-1].ID
	}
	httpx.OK(c, resp)
}

func (s Service) remove(c *gin.Context) {
	uid := auth.MustUserID(c)
	mid, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := s.Broker.DeleteMessage(c.Request.Context(), uid, mid); err != nil {
		httpx.Fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
