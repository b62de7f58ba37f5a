package conversations

import (
	"context"
	"strconv"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/httpx"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/gin-gonic/gin"
)

type Broker interface {
	CreateOrGetConversation(ctx context.Context, userID, otherUserID int64) (*model.Conversation, bool, error)
	MarkRead(ctx context.Context, userID, conversationID int64) ([]int64, error)
}

type Service struct {
	Store  store.Gateway
	Broker Broker
}

type privateReq struct {
	OtherUserId int64 `json:"other_user_id" binding:"required,gt=0"`
}

func Register(rg *gin.RouterGroup, gw store.Gateway, b Broker) {
	s := Service{
		Store:  gw,
		Broker: b,
	}
	rg.POST("/conversations", s.createOrGetPrivate)
	rg.GET("/conversations", s.listMine)
	rg.POST("/conversations/:id/read", s.markRead)
}

func (s *Service) createOrGetPrivate(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req privateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindFailed(c, err)
		return
	}

	conv, created, err := s.Broker.CreateOrGetConversation(c.Request.Context(), uid, req.OtherUserId)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	if created {
		httpx.Created(c, gin.H{"conversation": conv, "created": true})
		return
	}
	httpx.OK(c, gin.H{"conversation": conv, "created": false})
}

// listMine returns the caller's conversations, most recent activity first.
// ?before=<conversation id> continues after the last item of a page.
func (s *Service) listMine(c *gin.Context) {
	uid := auth.MustUserID(c)
	var q store.Page
	if err := c.ShouldBindQuery(&q); err != nil {
		httpx.BindFailed(c, err)
		return
	}
	q = q.Normalize()

	list, err := s.Store.ListConversations(c.Request.Context(), uid, q)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	if list == nil {
		list = []model.ConversationSummary{}
	}
	for i := range list {
		if last := list[i].LastMessage; last != nil {
			viewed := last.ViewedBy(uid)
			list[i].LastMessage = &viewed
		}
	}
	resp := gin.H{"conversations": list, "has_more": len(list) == q.Limit}
	if len(list) > 0 {
		resp["next_before"] = list[len(list)-1].ID
	}
	httpx.OK(c, resp)
}

func (s *Service) markRead(c *gin.Context) {
	uid := auth.MustUserID(c)
	cid, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || cid <= 0 {
		httpx.Fail(c, apperr.Validation("id: must be a positive integer"))
		return
	}
	ids, err := s.Broker.MarkRead(c.Request.Context(), uid, cid)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	httpx.OK(c, gin.H{"message_ids": ids})
}
