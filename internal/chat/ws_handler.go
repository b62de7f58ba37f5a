package chat

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow CORS for demo; tighten in prod.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Broker interface {
	SubmitMessage(ctx context.Context, senderID, conversationID int64, key string, d model.Draft) (*model.Message, error)
	MarkRead(ctx context.Context, userID, conversationID int64) ([]int64, error)
	MarkDelivered(ctx context.Context, userID, conversationID, upToID int64) ([]int64, error)
	DeleteMessage(ctx context.Context, userID, messageID int64) error
	RecordTyping(ctx context.Context, userID, conversationID int64, active bool) error
}

type Heartbeater interface {
	Heartbeat(userID int64)
}

type Server struct {
	Broker    Broker
	Registry  *registry.Registry
	Presence  Heartbeater
	JWTSecret string

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// HeartbeatTimeout, when set, derives the ping period and read deadline
	// so that a live client always pings within the presence window.
	HeartbeatTimeout time.Duration
	ActionRate       rate.Limit
	ActionBurst      int
	Log              *slog.Logger
}

func (s *Server) timings() (time.Duration, time.Duration) {
	if s.HeartbeatTimeout <= 0 {
		return pongWait, pingPeriod
	}
	return 2 * s.HeartbeatTimeout, s.HeartbeatTimeout / 2
}

// RegisterWS mounts GET /ws for authenticated clients.
// Auth works via:
// 1) Header: Authorization: Bearer <JWT>
// 2) Query:  ?token=<JWT>
func RegisterWS(rg *gin.RouterGroup, srv *Server) {
	if srv.Log == nil {
		srv.Log = slog.Default()
	}
	if srv.SendBuffer <= 0 {
		srv.SendBuffer = 256
	}
	if srv.ActionRate <= 0 {
		srv.ActionRate = 20
	}
	if srv.ActionBurst <= 0 {
		srv.ActionBurst = 40
	}
	rg.GET("/ws", srv.serveWS)
}

func (s *Server) serveWS(c *gin.Context) {
	// Extract token
	token := c.Query("token")
	if token == "" {
		h := c.GetHeader("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHENTICATED", "message": "missing token"}})
		return
	}
	cl, err := auth.ParseToken(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHENTICATED", "message": "invalid token"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &Client{
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, s.SendBuffer),
		done:    make(chan struct{}),
		userID:  cl.UserId,
		limiter: rate.NewLimiter(s.ActionRate, s.ActionBurst),
		log:     s.Log.With("component", "ws", "user_id", cl.UserId),
	}
	wait, period := s.timings()

	go client.writePump(period)
	s.Registry.Register(client)
	go client.readPump(wait)
}
