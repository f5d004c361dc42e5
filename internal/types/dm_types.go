package types

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// MessageStatus is the delivery lifecycle state of a direct message
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusQueued    MessageStatus = "queued"
	StatusAccepted  MessageStatus = "accepted"
	StatusRejected  MessageStatus = "rejected"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// statusTransitions lists every permitted edge of the lifecycle.
// delivered has no outgoing edges.
var statusTransitions = map[MessageStatus][]MessageStatus{
	StatusSending:  {StatusAccepted, StatusRejected, StatusQueued, StatusFailed},
	StatusQueued:   {StatusSending, StatusFailed},
	StatusAccepted: {StatusDelivered},
	StatusRejected: {StatusQueued, StatusFailed},
	StatusFailed:   {StatusQueued, StatusSending},
}

// CanTransition reports whether a message may move from one status to another
func CanTransition(from, to MessageStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status
func (s MessageStatus) IsValid() bool {
	switch s {
	case StatusSending, StatusQueued, StatusAccepted, StatusRejected, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s MessageStatus) IsTerminal() bool {
	return len(statusTransitions[s]) == 0
}

// Retryable reports whether a manual retry may start from this status
func (s MessageStatus) Retryable() bool {
	return s == StatusRejected || s == StatusFailed || s == StatusQueued
}

// RelayResult is one relay's answer to a publish attempt
type RelayResult struct {
	RelayURL  string `json:"relay_url"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// Message is a single direct message, outbound or inbound
type Message struct {
	ID                 string        `json:"id"`
	ConversationID     string        `json:"conversation_id"`
	Content            string        `json:"content"`
	Timestamp          time.Time     `json:"timestamp"`
	IsOutgoing         bool          `json:"is_outgoing"`
	Status             MessageStatus `json:"status"`
	EventID            string        `json:"event_id,omitempty"`
	SenderPublicKey    string        `json:"sender_public_key"`
	RecipientPublicKey string        `json:"recipient_public_key"`
	EncryptedContent   string        `json:"encrypted_content,omitempty"`
	RelayResults       []RelayResult `json:"relay_results,omitempty"`
	RetryCount         int           `json:"retry_count"`
	ReplyTo            string        `json:"reply_to,omitempty"`
}

// Clone returns a copy that shares no slices with m
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.RelayResults != nil {
		c.RelayResults = append([]RelayResult(nil), m.RelayResults...)
	}
	return &c
}

// OutgoingMessage is the retry-queue projection of an outbound Message
type OutgoingMessage struct {
	ID                 string    `json:"id"`
	ConversationID     string    `json:"conversation_id"`
	Content            string    `json:"content"`
	RecipientPublicKey string    `json:"recipient_public_key"`
	CreatedAt          time.Time `json:"created_at"`
	RetryCount         int       `json:"retry_count"`
	NextRetryAt        time.Time `json:"next_retry_at"`
	SignedEvent        *Event    `json:"signed_event"`
}

// Subscription tracks one live or time-bounded relay subscription
type Subscription struct {
	ID          string     `json:"id"`
	Filters     []Filter   `json:"filters"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	EventCount  int        `json:"event_count"`
}

// NetworkState is the engine's view of connectivity
type NetworkState struct {
	IsOnline           bool       `json:"is_online"`
	HasRelayConnection bool       `json:"has_relay_connection"`
	LastOnlineAt       *time.Time `json:"last_online_at,omitempty"`
}

// Usable reports whether publishing can be attempted
func (ns NetworkState) Usable() bool {
	return ns.IsOnline && ns.HasRelayConnection
}

// RelayHealth summarises recent publish outcomes for one relay
type RelayHealth struct {
	RelayURL  string    `json:"relay_url"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	LastSeen  time.Time `json:"last_seen"`
}

// ConversationID derives the identifier shared by both participants.
// The keys are normalised and sorted so the result does not depend on who is "self".
func ConversationID(a, b string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if b < a {
		a, b = b, a
	}
	sum := blake3.Sum256([]byte(a + ":" + b))
	return hex.EncodeToString(sum[:16])
}
