package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var (
	ErrClientClosed = errors.New("websocket client closed")
	ErrBufferFull   = errors.New("websocket send buffer full")
)

// Handler receives application messages and the disconnect of a client
type Handler interface {
	HandleMessage(c *Client, msg ClientMessage)
	HandleDisconnect(c *Client)
}

// Client represents a WebSocket client connection
type Client struct {
	ID            string
	UserID        string
	UserType      string // "rider", "customer" or "dispatcher"
	Hub           *Hub
	Conn          *websocket.Conn
	sendCh        chan []byte
	subscriptions map[string]bool // bookingIDs this client is subscribed to
	closed        bool
	handler       Handler
	mu            sync.RWMutex
	logger        *logger.Logger
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, userID, userType string, handler Handler, logger *logger.Logger) *Client {
	return &Client{
		ID:            uuid.NewString(),
		UserID:        userID,
		UserType:      userType,
		Hub:           hub,
		Conn:          conn,
		sendCh:        make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		handler:       handler,
		logger:        logger,
	}
}

// ReadPump pumps messages from the WebSocket connection to the handler
func (c *Client) ReadPump() {
	defer func() {
		if c.handler != nil {
			c.handler.HandleDisconnect(c)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error",
					logger.Err(err),
					logger.String("client_id", c.ID),
				)
			}
			break
		}

		c.handleMessage(message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.sendCh)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.sendCh)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Client) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Error("Failed to unmarshal client message",
			logger.Err(err),
			logger.String("client_id", c.ID),
		)
		c.SendMessage(Message{Type: "error", Data: map[string]string{"message": "malformed message"}})
		return
	}

	switch msg.Type {
	case "unsubscribe":
		c.Unsubscribe(msg.EntityID)
	case "ping":
		c.SendMessage(Message{Type: "pong"})
	default:
		if c.handler == nil {
			c.logger.Warn("Unknown message type",
				logger.String("type", msg.Type),
				logger.String("client_id", c.ID),
			)
			return
		}
		c.handler.HandleMessage(c, msg)
	}
}

// Subscribe subscribes the client to a booking
func (c *Client) Subscribe(bookingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[bookingID] = true
	c.logger.Info("Client subscribed to booking",
		logger.String("client_id", c.ID),
		logger.BookingID(bookingID),
	)
}

// Unsubscribe unsubscribes the client from a booking
func (c *Client) Unsubscribe(bookingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, bookingID)
	c.logger.Info("Client unsubscribed from booking",
		logger.String("client_id", c.ID),
		logger.BookingID(bookingID),
	)
}

// IsSubscribedToBooking checks if client is subscribed to a booking
func (c *Client) IsSubscribedToBooking(bookingID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[bookingID]
}

// SessionID identifies the connection
func (c *Client) SessionID() string {
	return c.ID
}

// Deliver marshals msg and queues it for the connection
func (c *Client) Deliver(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.send(data)
}

// SendMessage sends a message to the client, logging instead of failing
func (c *Client) SendMessage(msg Message) {
	if err := c.Deliver(msg); err != nil {
		c.logger.Warn("Failed to send message to client",
			logger.String("client_id", c.ID),
			logger.Err(err),
		)
	}
}

func (c *Client) send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// close stops further sends and ends the write pump
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
}
