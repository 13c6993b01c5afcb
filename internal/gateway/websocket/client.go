package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/tracing"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

// Timing bounds the heartbeat of each connection.
type Timing struct {
	// WriteWait is the time allowed to write one frame.
	WriteWait time.Duration
	// PongWait is how long a connection may stay silent. Pongs and every
	// application message reset it.
	PongWait time.Duration
	// PingPeriod should be less than PongWait.
	PingPeriod time.Duration
	// MaxMessageSize limits inbound frames.
	MaxMessageSize int64
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
}

// DefaultTiming is used for zero fields.
var DefaultTiming = Timing{
	WriteWait:      10 * time.Second,
	PongWait:       60 * time.Second,
	PingPeriod:     54 * time.Second,
	MaxMessageSize: 4 << 20,
	SendBuffer:     256,
}

func (t Timing) withDefaults() Timing {
	if t.WriteWait <= 0 {
		t.WriteWait = DefaultTiming.WriteWait
	}
	if t.PongWait <= 0 {
		t.PongWait = DefaultTiming.PongWait
	}
	if t.PingPeriod <= 0 {
		t.PingPeriod = (t.PongWait * 9) / 10
	}
	if t.MaxMessageSize <= 0 {
		t.MaxMessageSize = DefaultTiming.MaxMessageSize
	}
	if t.SendBuffer <= 0 {
		t.SendBuffer = DefaultTiming.SendBuffer
	}
	return t
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	timing Timing
	logger *logger.Logger

	// baseCtx outlives the HTTP request so that a request in flight is not
	// aborted when this tab goes away; the work may be shared with others.
	baseCtx context.Context

	sendMu sync.RWMutex
	send   chan []byte
	closed bool
}

// NewClient creates a client for an upgraded connection.
func NewClient(baseCtx context.Context, id string, conn *websocket.Conn, hub *Hub, timing Timing, log *logger.Logger) *Client {
	timing = timing.withDefaults()
	return &Client{
		ID:      id,
		conn:    conn,
		hub:     hub,
		timing:  timing,
		baseCtx: baseCtx,
		send:    make(chan []byte, timing.SendBuffer),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads frames until the connection fails or goes silent.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.timing.MaxMessageSize)
	c.touch()
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		// Any application frame proves the peer is alive, even when an
		// intermediary swallows protocol pings.
		c.touch()
		c.handleFrame(message)
	}
}

func (c *Client) touch() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timing.PongWait))
}

func (c *Client) handleFrame(message []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Debug("Failed to parse message", zap.Error(err))
		c.sendJSON(ws.NewErrorResponse(nil, ws.NewError(ws.ErrorCodeBadRequest, "Invalid message format")))
		return
	}

	switch env.Type {
	case ws.MessageTypePing:
		c.sendJSON(ws.Envelope{Type: ws.MessageTypePong})
	case ws.MessageTypePong:
	case ws.MessageTypeRequest:
		var req ws.Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendJSON(ws.NewErrorResponse(nil, ws.NewError(ws.ErrorCodeBadRequest, "Invalid request: "+err.Error())))
			return
		}
		go c.handleRequest(&req)
	default:
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(message, &req)
		c.sendJSON(ws.NewErrorResponse(req.ID, ws.NewError(ws.ErrorCodeBadRequest, fmt.Sprintf("Unknown message type %q", env.Type))))
	}
}

// handleRequest runs one op. A failing or panicking handler answers this
// request only; the connection stays open.
func (c *Client) handleRequest(req *ws.Request) {
	ctx, span := tracing.TraceGatewayOp(c.baseCtx, string(req.Op), c.ID)
	start := time.Now()

	result, err := c.dispatch(ctx, req)
	tracing.TraceGatewayResult(span, err)

	if err != nil {
		payload := errorPayload(err)
		log := c.logger.Debug
		if payload.Code == ws.ErrorCodeInternalError {
			log = c.logger.Error
		}
		log("Request failed",
			zap.String("op", string(req.Op)),
			zap.String("code", payload.Code),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		c.sendJSON(ws.NewErrorResponse(req.ID, payload))
		return
	}

	c.logger.Debug("Request completed",
		zap.String("op", string(req.Op)),
		zap.Duration("duration", time.Since(start)))
	c.sendJSON(ws.NewResponse(req.ID, result))
}

func (c *Client) dispatch(ctx context.Context, req *ws.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked", zap.String("op", string(req.Op)), zap.Any("panic", r))
			err = ws.NewError(ws.ErrorCodeInternalError, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return c.hub.dispatcher.Dispatch(ctx, req)
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("Client send buffer full or closed, dropping message")
	}
}

// trySend queues data without blocking. It reports false once the
// connection is closed or its buffer is full.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump writes one frame per queued message and pings periodically.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.timing.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
