package events

import (
	"context"
	"time"

	ws "github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/delivery"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
	"github.com/sirupsen/logrus"
)

// StatusSource provides the state pushed by the periodic network broadcast
type StatusSource interface {
	NetworkState() types.NetworkState
	GetOfflineQueueStatus() (*delivery.QueueStatus, error)
}

// RelaySource lists relay connections
type RelaySource interface {
	Connections() []relay.Connection
}

// Emitter broadcasts delivery events to WebSocket clients.
// It implements delivery.EventEmitter; every method only queues a message and returns.
type Emitter struct {
	hub      *ws.Hub
	status   StatusSource
	relays   RelaySource
	interval time.Duration
	logger   *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewEmitter creates a new event emitter; status and relays may be set later with Attach
func NewEmitter(hub *ws.Hub, logger *logrus.Logger) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())

	return &Emitter{
		hub:      hub,
		interval: 5 * time.Second,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Attach sets the sources of the periodic network state broadcast
func (e *Emitter) Attach(status StatusSource, relays RelaySource) {
	e.status = status
	e.relays = relays
}

// Start begins broadcasting periodic updates
func (e *Emitter) Start() {
	go e.broadcastNetworkState()
	e.logger.Info("Event emitter started")
}

// Stop stops the event emitter
func (e *Emitter) Stop() {
	e.cancel()
	e.logger.Info("Event emitter stopped")
}

func (e *Emitter) MessageCreated(msg *types.Message) {
	e.emit(ws.MessageTypeMessageCreated, msg)
}

func (e *Emitter) MessageStatusChanged(messageID string, status types.MessageStatus) {
	e.emit(ws.MessageTypeMessageStatus, ws.MessageStatusPayload{
		MessageID: messageID,
		Status:    string(status),
	})
}

func (e *Emitter) MessageReceived(msg *types.Message) {
	e.emit(ws.MessageTypeMessageReceived, msg)
}

func (e *Emitter) RequestReceived(senderPublicKey, eventID string) {
	e.emit(ws.MessageTypeRequestReceived, ws.RequestReceivedPayload{
		SenderPublicKey: senderPublicKey,
		EventID:         eventID,
	})
}

func (e *Emitter) QueueProcessed(result *delivery.QueueRunResult) {
	e.emit(ws.MessageTypeQueueProcessed, result)
}

// TrustUpdated announces a contacts or blocklist change
func (e *Emitter) TrustUpdated(publicKey, action string) {
	e.emit(ws.MessageTypeTrustUpdated, ws.TrustUpdatedPayload{
		PublicKey: publicKey,
		Action:    action,
	})
}

func (e *Emitter) emit(msgType ws.MessageType, payload interface{}) {
	if err := e.hub.BroadcastPayload(msgType, payload); err != nil {
		e.logger.WithError(err).WithField("type", msgType).Error("Failed to broadcast event")
	}
}

// broadcastNetworkState sends connectivity updates while clients are connected
func (e *Emitter) broadcastNetworkState() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.hub.ClientCount() == 0 || e.status == nil {
				// No clients connected, skip
				continue
			}
			e.emit(ws.MessageTypeNetworkState, e.NetworkStatePayload())
		}
	}
}

// NetworkStatePayload builds the current network state message
func (e *Emitter) NetworkStatePayload() ws.NetworkStatePayload {
	state := e.status.NetworkState()
	payload := ws.NetworkStatePayload{
		IsOnline:           state.IsOnline,
		HasRelayConnection: state.HasRelayConnection,
	}
	if state.LastOnlineAt != nil {
		at := state.LastOnlineAt.Unix()
		payload.LastOnlineAt = &at
	}

	if e.relays != nil {
		payload.Relays = make(map[string]string)
		for _, conn := range e.relays.Connections() {
			payload.Relays[conn.URL] = string(conn.Status)
		}
	}

	if queue, err := e.status.GetOfflineQueueStatus(); err != nil {
		e.logger.WithError(err).Warn("Failed to read offline queue status")
	} else {
		payload.QueuedMessages = queue.TotalQueued
	}
	return payload
}
