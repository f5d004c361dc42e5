package delivery

import (
	"context"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// RelayPublisher is the relay surface the engine consumes
type RelayPublisher interface {
	// SendToOpenRelays writes the event to every open relay without waiting for answers
	SendToOpenRelays(ev *types.Event) ([]string, error)
	// SubscribeToIncoming delivers every decoded inbound frame to handler
	SubscribeToIncoming(handler func(relay.Frame)) func()
	Connections() []relay.Connection
	OpenSubscription(subID string, filters ...types.Filter) []string
	CloseSubscription(subID string)
}

// AckPublisher is implemented by publishers that can wait for every open relay to answer
type AckPublisher interface {
	PublishToAll(ctx context.Context, ev *types.Event) ([]types.RelayResult, error)
}

// ConnectionNotifier is implemented by publishers that report relay status changes
type ConnectionNotifier interface {
	OnConnectionChange(handler func(relay.Connection)) func()
}

// MessageStore is the durable message and retry queue storage
type MessageStore interface {
	PersistMessage(msg *types.Message) error
	GetMessage(id string) (*types.Message, error)
	GetMessageByEventID(eventID string) (*types.Message, error)
	ListByConversation(conversationID string, opts database.PageOptions) (*database.Page, error)
	UpdateStatus(id string, next types.MessageStatus) (bool, error)
	AppendRelayResult(id string, result types.RelayResult) error
	DeleteMessage(id string) error
	LatestTimestampsByConversation() (map[string]time.Time, error)

	EnqueueOutgoing(out *types.OutgoingMessage) error
	DequeueOutgoing(id string) error
	ListDue(now time.Time) ([]*types.OutgoingMessage, error)
	GetOutgoing(id string) (*types.OutgoingMessage, error)
	UpdateOutgoingRetry(id string, retryCount int, nextRetryAt time.Time) error
	ClearOutgoing() ([]string, error)
	OutgoingStats() (*database.QueueStats, error)
}

// Signer holds the unlocked identity
type Signer interface {
	PublicKey() string
	SignEvent(ev *types.Event) error
}

// Cipher encrypts and decrypts message content exchanged with a peer
type Cipher interface {
	Encrypt(peerPublicKey, plaintext string) (string, error)
	Decrypt(peerPublicKey, content string) (string, error)
}

// TrustPolicy answers the trust and block predicates for a sender
type TrustPolicy interface {
	IsAccepted(publicKey string) (bool, error)
	IsBlocked(publicKey string) (bool, error)
}

// RequestSink receives messages from senders that are not accepted contacts
type RequestSink interface {
	RouteUnknownSender(ev *types.Event, plaintext string) error
}

// RelayHealthSource records publish outcomes and feeds them back to the retry policy
type RelayHealthSource interface {
	RecordRelayOutcome(result types.RelayResult, at time.Time) error
	GetRelayHealth(since time.Time) ([]types.RelayHealth, error)
}

// EventEmitter is notified of engine state changes, e.g. to push them to a UI
type EventEmitter interface {
	MessageCreated(msg *types.Message)
	MessageStatusChanged(messageID string, status types.MessageStatus)
	MessageReceived(msg *types.Message)
	RequestReceived(senderPublicKey, eventID string)
	QueueProcessed(result *QueueRunResult)
}

// Logger is the logging surface used by the engine
type Logger interface {
	Debug(message string, category string)
	Info(message string, category string)
	Warn(message string, category string)
	Error(message string, category string)
}

// Clock returns the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopEmitter struct{}

func (nopEmitter) MessageCreated(*types.Message)                    {}
func (nopEmitter) MessageStatusChanged(string, types.MessageStatus) {}
func (nopEmitter) MessageReceived(*types.Message)                   {}
func (nopEmitter) RequestReceived(string, string)                   {}
func (nopEmitter) QueueProcessed(*QueueRunResult)                   {}

type nopLogger struct{}

func (nopLogger) Debug(string, string) {}
func (nopLogger) Info(string, string)  {}
func (nopLogger) Warn(string, string)  {}
func (nopLogger) Error(string, string) {}
