package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages for every client
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex to protect clients map
	mu sync.RWMutex

	// Logger
	logger *logrus.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop; it returns when ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.WithField("identity", client.identity).Info("WebSocket client connected")
			h.logger.WithField("count", len(h.clients)).Debug("Active WebSocket clients")

			// Send connection confirmation message
			connectedMsg, err := NewMessage(MessageTypeConnected, ConnectedPayload{
				Message:  "Connected to WebSocket server",
				Identity: client.identity,
			})
			if err == nil {
				client.Send(connectedMsg)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.WithField("identity", client.identity).Info("WebSocket client disconnected")
				h.logger.WithField("count", len(h.clients)).Debug("Active WebSocket clients")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			// Marshal message to JSON once
			messageBytes, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal broadcast message")
				continue
			}

			h.mu.RLock()
			clientCount := len(h.clients)
			if clientCount > 0 {
				h.logger.WithFields(logrus.Fields{
					"type":         message.Type,
					"client_count": clientCount,
				}).Debug("Broadcasting message to clients")
			}

			for client := range h.clients {
				select {
				case client.sendRaw <- messageBytes:
				default:
					// Client's send channel is full, close the connection
					go func(c *Client) {
						h.logger.WithField("identity", c.identity).Warn("Client send buffer full, closing connection")
						h.UnregisterClient(c)
					}(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues a message for all connected clients. It never blocks;
// when the queue is full the message is dropped.
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.WithField("type", message.Type).Warn("Broadcast queue full, message dropped")
	}
}

// BroadcastPayload creates a message with the given type and payload, then broadcasts it
func (h *Hub) BroadcastPayload(msgType MessageType, payload interface{}) error {
	message, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	h.Broadcast(message)
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient sends a client to the register channel
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// UnregisterClient sends a client to the unregister channel
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
