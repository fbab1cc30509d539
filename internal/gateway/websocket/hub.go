// Package websocket provides the WebSocket gateway for the Loom request
// surface: one connection carries requests, responses and event
// notifications.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/pkg/ws"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to specific goals (for event notifications)
	goalSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	broadcast chan *ws.Message

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		goalSubscribers: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *ws.Message, 256),
		dispatcher:      dispatcher,
		logger:          log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

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

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.goalSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for goalID := range client.subscriptions {
			if clients, ok := h.goalSubscribers[goalID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.goalSubscribers, goalID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToGoal sends a notification to clients subscribed to a goal.
func (h *Hub) BroadcastToGoal(goalID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.goalSubscribers[goalID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full
		}
	}
}

// SubscribeToGoal subscribes a client to goal event notifications.
func (h *Hub) SubscribeToGoal(client *Client, goalID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.goalSubscribers[goalID]; !ok {
		h.goalSubscribers[goalID] = make(map[*Client]bool)
	}
	h.goalSubscribers[goalID][client] = true
	client.subscriptions[goalID] = true

	h.logger.Debug("Client subscribed to goal",
		zap.String("client_id", client.ID),
		zap.String("goal_id", goalID))
}

// UnsubscribeFromGoal unsubscribes a client from goal notifications.
func (h *Hub) UnsubscribeFromGoal(client *Client, goalID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, goalID)
	if clients, ok := h.goalSubscribers[goalID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.goalSubscribers, goalID)
		}
	}
}

// HasGoalSubscribers reports whether any client watches the goal.
func (h *Hub) HasGoalSubscribers(goalID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.goalSubscribers[goalID]) > 0
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}
