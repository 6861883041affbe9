package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gocomet/courier-dispatch/pkg/logger"
)

// User types a client can connect as
const (
	UserTypeRider      = "rider"
	UserTypeCustomer   = "customer"
	UserTypeDispatcher = "dispatcher"
)

// Hub maintains active client connections and routes messages to them
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *logger.Logger
}

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewHub creates a new WebSocket hub
func NewHub(logger *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled. It must be
// called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("Client registered",
				logger.String("client_id", client.ID),
				logger.String("user_id", client.UserID),
				logger.String("user_type", client.UserType),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.logger.Info("Client unregistered",
					logger.String("client_id", client.ID),
				)
			}
			h.mu.Unlock()
		}
	}
}

// Register registers a new client. Once the hub has stopped the client is
// closed instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.close()
	}
}

// SendToBookingAudience delivers a message once to every client that should see
// a booking's events: the booking's customer, clients subscribed to the booking,
// and dispatchers.
func (h *Hub) SendToBookingAudience(bookingID, userID string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal booking message", logger.Err(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		interested := (userID != "" && client.UserID == userID && client.UserType == UserTypeCustomer) ||
			client.UserType == UserTypeDispatcher ||
			client.IsSubscribedToBooking(bookingID)
		if !interested {
			continue
		}
		if err := client.send(data); err != nil {
			h.logger.Warn("Failed to send booking message to client",
				logger.BookingID(bookingID),
				logger.String("client_id", client.ID),
				logger.Err(err),
			)
		}
	}
}

// GetActiveConnections returns the number of active connections
func (h *Hub) GetActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetClientsByUserType returns count of clients by user type
func (h *Hub) GetClientsByUserType(userType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for client := range h.clients {
		if client.UserType == userType {
			count++
		}
	}
	return count
}
