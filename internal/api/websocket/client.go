package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control messages
	maxMessageSize = 4 * 1024
)

// Client represents a single WebSocket connection
type Client struct {
	// The WebSocket connection
	conn *websocket.Conn

	// Hub that manages this client
	hub *Hub

	// Buffered channel of outbound messages (structured)
	send chan *Message

	// Buffered channel of outbound messages (raw bytes for broadcasts)
	sendRaw chan []byte

	// Identity the API token was issued for
	identity string

	// Logger
	logger *logrus.Logger
}

// NewClient creates a new Client instance
func NewClient(conn *websocket.Conn, hub *Hub, identity string, logger *logrus.Logger) *Client {
	return &Client{
		conn:     conn,
		hub:      hub,
		send:     make(chan *Message, 256),
		sendRaw:  make(chan []byte, 256),
		identity: identity,
		logger:   logger,
	}
}

// readPump reads control messages until the connection fails
func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("identity", c.identity).Warn("WebSocket read error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.WithError(err).WithField("identity", c.identity).Error("Failed to parse incoming message")
			continue
		}

		c.handleIncomingMessage(&msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			messageBytes, err := json.Marshal(message)
			if err != nil {
				c.logger.WithError(err).Error("Failed to marshal message")
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				c.logger.WithError(err).WithField("identity", c.identity).Error("Failed to write message")
				return
			}

		case messageBytes := <-c.sendRaw:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				c.logger.WithError(err).WithField("identity", c.identity).Error("Failed to write raw message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleIncomingMessage answers client control messages
func (c *Client) handleIncomingMessage(msg *Message) {
	switch msg.Type {
	case MessageTypePing:
		pongMsg, err := NewMessage(MessageTypePong, nil)
		if err != nil {
			c.logger.WithError(err).Error("Failed to create pong message")
			return
		}
		c.SendRaw(mustMarshal(pongMsg))

	default:
		c.logger.WithField("type", msg.Type).Debug("Ignoring message from client")
		errMsg, err := NewMessage(MessageTypeError, ErrorPayload{
			Error: "unsupported message type",
			Code:  "UNSUPPORTED_TYPE",
		})
		if err == nil {
			c.SendRaw(mustMarshal(errMsg))
		}
	}
}

func mustMarshal(msg *Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}

// Start begins the read and write pumps for this client
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Send queues a structured message; only the hub goroutine may call it
func (c *Client) Send(msg *Message) {
	select {
	case c.send <- msg:
	default:
		c.logger.WithField("identity", c.identity).Warn("Client send channel is full, message dropped")
	}
}

// SendRaw sends a raw message to the client
func (c *Client) SendRaw(data []byte) {
	select {
	case c.sendRaw <- data:
	default:
		c.logger.WithField("identity", c.identity).Warn("Client sendRaw channel is full, message dropped")
	}
}
