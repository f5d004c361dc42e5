package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/delivery"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

// ChatManager is the host facade over the delivery engine and the identity's database
type ChatManager struct {
	db       *database.SQLiteManager
	logger   delivery.Logger
	config   *utils.ConfigManager
	engine   *delivery.Engine
	identity string

	cleanupMutex   sync.Mutex
	cleanupRunning bool
	cleanupCancel  context.CancelFunc
}

// Options carries the collaborators of a ChatManager besides its database
type Options struct {
	KeyPair   *crypto.KeyPair
	Publisher delivery.RelayPublisher
	Emitter   delivery.EventEmitter
	Metrics   *delivery.Metrics
	// Probe overrides the host connectivity check
	Probe delivery.InterfaceProbe
}

// NewChatManager wires the delivery engine to the database of the unlocked identity
func NewChatManager(
	db *database.SQLiteManager,
	logger delivery.Logger,
	config *utils.ConfigManager,
	opts Options,
) (*ChatManager, error) {
	if opts.KeyPair == nil {
		return nil, fmt.Errorf("identity key pair is required")
	}

	cm := &ChatManager{
		db:       db,
		logger:   logger,
		config:   config,
		identity: opts.KeyPair.PublicKeyHex(),
	}

	engine, err := delivery.New(delivery.ConfigFromManager(config), delivery.Dependencies{
		Store:     db.Messages,
		Publisher: opts.Publisher,
		Signer:    crypto.NewEventSigner(opts.KeyPair),
		Cipher:    crypto.NewDMCipher(opts.KeyPair),
		Trust: &trustPolicy{
			db:            db,
			acceptUnknown: config.GetConfigBool("accept_unknown_senders", false),
		},
		Requests: &requestSink{db: db},
		Health:   db.RelayHealth,
		Emitter:  opts.Emitter,
		Logger:   logger,
		Metrics:  opts.Metrics,
		Probe:    opts.Probe,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery engine: %v", err)
	}
	cm.engine = engine

	return cm, nil
}

// trustPolicy answers the engine's trust questions from the contacts and blocklist tables
type trustPolicy struct {
	db            *database.SQLiteManager
	acceptUnknown bool
}

func (tp *trustPolicy) IsAccepted(publicKey string) (bool, error) {
	if tp.acceptUnknown {
		return true, nil
	}
	return tp.db.IsAccepted(publicKey)
}

func (tp *trustPolicy) IsBlocked(publicKey string) (bool, error) {
	return tp.db.IsBlocked(publicKey)
}

// requestSink parks messages from unknown senders until they are accepted or dismissed
type requestSink struct {
	db *database.SQLiteManager
}

func (rs *requestSink) RouteUnknownSender(ev *types.Event, plaintext string) error {
	_, err := rs.db.StoreRequest(&database.MessageRequest{
		EventID:         ev.ID,
		SenderPublicKey: strings.ToLower(ev.PubKey),
		Content:         plaintext,
		Event:           ev,
		ReceivedAt:      time.Now(),
	})
	return err
}

// Engine returns the underlying delivery engine
func (cm *ChatManager) Engine() *delivery.Engine {
	return cm.engine
}

// Identity returns the local public key in hex
func (cm *ChatManager) Identity() string {
	return cm.identity
}

// Start attaches the engine to the relays and starts periodic maintenance
func (cm *ChatManager) Start(ctx context.Context) error {
	if err := cm.engine.Start(ctx); err != nil {
		return err
	}
	cm.StartCleanupRoutine(ctx)
	return nil
}

// Stop detaches from the relays and stops maintenance
func (cm *ChatManager) Stop() {
	cm.cleanupMutex.Lock()
	if cm.cleanupRunning {
		cm.cleanupCancel()
		cm.cleanupRunning = false
	}
	cm.cleanupMutex.Unlock()

	cm.engine.Stop()
}

// SendDM sends a direct message; replyTo is an optional local message id
func (cm *ChatManager) SendDM(ctx context.Context, recipient, text, replyTo string) (*delivery.SendResult, error) {
	return cm.engine.SendDM(ctx, recipient, text, replyTo)
}

// RetryFailedMessage sends a rejected, failed or queued message again
func (cm *ChatManager) RetryFailedMessage(ctx context.Context, id string) (*delivery.SendResult, error) {
	return cm.engine.RetryFailedMessage(ctx, id)
}

// Subscribe opens the live direct message subscription
func (cm *ChatManager) Subscribe() (*types.Subscription, error) {
	return cm.engine.SubscribeToIncomingDMs()
}

// Unsubscribe closes the live direct message subscription
func (cm *ChatManager) Unsubscribe() {
	cm.engine.UnsubscribeFromDMs()
}

// SyncMissed fetches messages stored on the relays since the given time, or since the newest known message
func (cm *ChatManager) SyncMissed(ctx context.Context, since *time.Time) (*delivery.SyncResult, error) {
	return cm.engine.SyncMissedMessages(ctx, since)
}

func (cm *ChatManager) ProcessOfflineQueue(ctx context.Context) (*delivery.QueueRunResult, error) {
	return cm.engine.ProcessOfflineQueue(ctx)
}

func (cm *ChatManager) ClearOfflineQueue() ([]string, error) {
	return cm.engine.ClearOfflineQueue()
}

func (cm *ChatManager) OfflineQueueStatus() (*delivery.QueueStatus, error) {
	return cm.engine.GetOfflineQueueStatus()
}

// MessageStatus returns the status of a message
func (cm *ChatManager) MessageStatus(id string) (types.MessageStatus, bool) {
	return cm.engine.GetMessageStatus(id)
}

// Message returns a message by id, or nil
func (cm *ChatManager) Message(id string) (*types.Message, error) {
	return cm.engine.GetMessage(id)
}

// Messages returns one newest-first page of a conversation
func (cm *ChatManager) Messages(conversationID string, page database.PageOptions) (*database.Page, error) {
	return cm.engine.GetMessagesByConversation(conversationID, page)
}

// MessagesWithPeer returns one page of the conversation with a peer given by public key
func (cm *ChatManager) MessagesWithPeer(peer string, page database.PageOptions) (*database.Page, error) {
	peerKey, err := crypto.ParsePublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("invalid peer key: %v", err)
	}
	return cm.Messages(types.ConversationID(cm.identity, peerKey), page)
}

// Conversations lists every conversation, most recently active first
func (cm *ChatManager) Conversations() ([]*database.ConversationSummary, error) {
	return cm.db.Messages.ListConversations()
}

// AcceptContact trusts a sender. With reprocess, the sender's parked requests are
// pushed through the receive pipeline into the conversation and removed; the
// number of messages moved is returned.
func (cm *ChatManager) AcceptContact(publicKey, petname string, reprocess bool) (int, error) {
	key, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return 0, fmt.Errorf("invalid public key: %v", err)
	}

	if err := cm.db.AcceptContact(key, petname); err != nil {
		return 0, fmt.Errorf("failed to accept contact: %v", err)
	}
	cm.logger.Info(fmt.Sprintf("Accepted contact %s", key), "chat_manager")

	if !reprocess {
		return 0, nil
	}

	requests, err := cm.db.ListRequestsFromSender(key)
	if err != nil {
		return 0, fmt.Errorf("failed to list requests: %v", err)
	}

	moved := 0
	for _, req := range requests {
		switch outcome := cm.engine.ReprocessEvent(req.Event); outcome {
		case delivery.OutcomeStored, delivery.OutcomeDuplicate:
			moved++
		default:
			cm.logger.Warn(fmt.Sprintf("Request %s from %s not moved: %s", req.EventID, key, outcome), "chat_manager")
		}
	}

	if _, err := cm.db.DeleteRequestsFromSender(key); err != nil {
		cm.logger.Warn(fmt.Sprintf("Failed to remove processed requests of %s: %v", key, err), "chat_manager")
	}
	return moved, nil
}

// RemoveContact stops trusting a sender; history stays
func (cm *ChatManager) RemoveContact(publicKey string) error {
	key, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %v", err)
	}
	return cm.db.RemoveContact(key)
}

func (cm *ChatManager) Contacts() ([]*database.Contact, error) {
	return cm.db.ListContacts()
}

// Block drops all future messages from a sender and discards its pending requests
func (cm *ChatManager) Block(publicKey, reason string) error {
	key, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %v", err)
	}
	if err := cm.db.AddToBlocklist(key, reason); err != nil {
		return fmt.Errorf("failed to block sender: %v", err)
	}
	if deleted, err := cm.db.DeleteRequestsFromSender(key); err != nil {
		cm.logger.Warn(fmt.Sprintf("Failed to discard requests of blocked sender %s: %v", key, err), "chat_manager")
	} else if deleted > 0 {
		cm.logger.Info(fmt.Sprintf("Discarded %d requests of blocked sender %s", deleted, key), "chat_manager")
	}
	return nil
}

func (cm *ChatManager) Unblock(publicKey string) error {
	key, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %v", err)
	}
	return cm.db.RemoveFromBlocklist(key)
}

func (cm *ChatManager) Blocklist() ([]*database.BlockedSender, error) {
	return cm.db.GetBlocklist()
}

// Requests lists parked messages from senders that are not contacts
func (cm *ChatManager) Requests() ([]*database.MessageRequest, error) {
	return cm.db.ListRequests()
}

// DismissRequests deletes the parked messages of a sender without accepting it
func (cm *ChatManager) DismissRequests(publicKey string) (int64, error) {
	key, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return 0, fmt.Errorf("invalid public key: %v", err)
	}
	return cm.db.DeleteRequestsFromSender(key)
}

// StartCleanupRoutine runs database maintenance at the configured interval
func (cm *ChatManager) StartCleanupRoutine(ctx context.Context) {
	cm.cleanupMutex.Lock()
	defer cm.cleanupMutex.Unlock()

	if cm.cleanupRunning {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	cm.cleanupCancel = cancel
	cm.cleanupRunning = true

	interval := cm.config.GetConfigDuration("maintenance_interval", 24*time.Hour)
	cm.logger.Info(fmt.Sprintf("Starting maintenance routine (interval %v)", interval), "chat_manager")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cm.runCleanup()
			}
		}
	}()
}

func (cm *ChatManager) runCleanup() {
	cm.logger.Debug("Running maintenance", "chat_manager")
	if err := cm.db.PerformMaintenance(); err != nil {
		cm.logger.Warn(fmt.Sprintf("Maintenance failed: %v", err), "chat_manager")
	}
}
