package websocket

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/acpbridge/internal/bridge"
	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/logger"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

// Gateway bundles the hub, dispatcher, connection handler and event relay.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	Relay      *EventRelay

	runtime *bridge.Runtime
	logger  *logger.Logger
}

// TimingFromConfig converts the gateway configuration section.
func TimingFromConfig(cfg config.GatewayConfig) Timing {
	return Timing{
		WriteWait:      cfg.WriteWaitDuration(),
		PongWait:       cfg.PongWaitDuration(),
		PingPeriod:     cfg.PingIntervalDuration(),
		MaxMessageSize: int64(cfg.MaxMessageBytes),
		SendBuffer:     cfg.SendBuffer,
	}
}

// NewGateway wires a gateway to rt and starts the hub and the event relay.
// Both stop when ctx is done, which is also the context requests run on.
func NewGateway(ctx context.Context, rt *bridge.Runtime, timing Timing, log *logger.Logger) (*Gateway, error) {
	dispatcher, err := NewDispatcher(rt)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	hub := NewHub(dispatcher, log)
	go hub.Run(ctx)

	relay, err := RegisterEventRelay(ctx, rt.Bus, hub, log)
	if err != nil {
		return nil, fmt.Errorf("subscribe to events: %w", err)
	}

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    NewHandler(ctx, hub, timing, log),
		Relay:      relay,
		runtime:    rt,
		logger:     log,
	}, nil
}

// SetupRoutes adds the WebSocket and health routes.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
	router.GET("/health", g.health)
}

func (g *Gateway) health(c *gin.Context) {
	agent := gin.H{"status": g.runtime.Agent.Status()}
	if v := g.runtime.Agent.Variant(); v != nil {
		agent["id"] = v.ID
		agent["framing"] = v.Framing
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"agent":       agent,
		"connections": g.Hub.GetClientCount(),
	})
}
