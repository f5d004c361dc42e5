package websocket

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Delivery event message types
	MessageTypeMessageCreated  MessageType = "message.created"
	MessageTypeMessageStatus   MessageType = "message.status"
	MessageTypeMessageReceived MessageType = "message.received"
	MessageTypeRequestReceived MessageType = "request.received"
	MessageTypeQueueProcessed  MessageType = "queue.processed"
	MessageTypeNetworkState    MessageType = "network.state"
	MessageTypeTrustUpdated    MessageType = "trust.updated"

	// Control message types
	MessageTypePing      MessageType = "ping"
	MessageTypePong      MessageType = "pong"
	MessageTypeError     MessageType = "error"
	MessageTypeConnected MessageType = "connected"
)

// Message is the base structure for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().Unix(),
	}, nil
}

// MessageStatusPayload reports a status transition of a stored message
type MessageStatusPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// RequestReceivedPayload reports a message parked from a sender that is not a contact
type RequestReceivedPayload struct {
	SenderPublicKey string `json:"sender_public_key"`
	EventID         string `json:"event_id"`
}

// NetworkStatePayload carries connectivity and relay connection status
type NetworkStatePayload struct {
	IsOnline           bool              `json:"is_online"`
	HasRelayConnection bool              `json:"has_relay_connection"`
	LastOnlineAt       *int64            `json:"last_online_at,omitempty"`
	Relays             map[string]string `json:"relays,omitempty"`
	QueuedMessages     int               `json:"queued_messages"`
}

// TrustUpdatedPayload reports a change of contacts or blocklist
type TrustUpdatedPayload struct {
	PublicKey string `json:"public_key"`
	Action    string `json:"action"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ConnectedPayload is sent once after a client registers
type ConnectedPayload struct {
	Message  string `json:"message"`
	Identity string `json:"identity"`
}
