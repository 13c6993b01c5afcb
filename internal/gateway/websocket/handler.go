package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/logger"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge listens on loopback by default and serves a local UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to gateway connections.
type Handler struct {
	hub     *Hub
	baseCtx context.Context
	timing  Timing
	logger  *logger.Logger
}

// NewHandler creates a handler. Requests run on baseCtx rather than on the
// upgrade request's context.
func NewHandler(baseCtx context.Context, hub *Hub, timing Timing, log *logger.Logger) *Handler {
	return &Handler{
		hub:     hub,
		baseCtx: baseCtx,
		timing:  timing,
		logger:  log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request, greets the client and runs its pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(h.baseCtx, clientID, conn, h.hub, h.timing, h.logger)
	// The greeting must be the first frame, ahead of any broadcast.
	client.sendJSON(ws.NewConnectionEstablished(clientID))
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
