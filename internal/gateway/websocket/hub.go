// Package websocket is the WebSocket gateway between UI clients and the
// bridge runtime.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/logger"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

const broadcastBuffer = 256

// Hub owns the set of open connections and fans broadcasts out to them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	dispatcher *ws.Dispatcher
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub. Call Run before registering clients.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, broadcastBuffer),
		dispatcher: dispatcher,
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.broadcastMessage(data)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage skips clients whose buffers are full so one slow tab
// cannot stall the rest.
func (h *Hub) broadcastMessage(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.trySend(data) {
			h.logger.Warn("Client send buffer full, dropping broadcast", zap.String("client_id", client.ID))
		}
	}
}

// Register adds a client. After the hub stops, the client's queue is
// closed immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(event ws.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.String("type", event.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Broadcast queue full, dropping event", zap.String("type", event.Type))
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
