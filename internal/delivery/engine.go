package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

// Config holds the engine tunables
type Config struct {
	MaxMessageLength     int
	WorkingSetCapacity   int
	PublishTimeout       time.Duration
	SyncTimeout          time.Duration
	SyncDefaultLookback  time.Duration
	SyncMaxLookback      time.Duration
	SyncOverlap          time.Duration
	OfflineQueueInterval time.Duration
	NetworkCheckInterval time.Duration
	RelayHealthWindow    time.Duration
	Retry                RetryConfig
}

// DefaultConfig returns the stock engine configuration
func DefaultConfig() Config {
	return Config{
		MaxMessageLength:     16 * 1024,
		WorkingSetCapacity:   1000,
		PublishTimeout:       10 * time.Second,
		SyncTimeout:          15 * time.Second,
		SyncDefaultLookback:  24 * time.Hour,
		SyncMaxLookback:      7 * 24 * time.Hour,
		SyncOverlap:          time.Minute,
		OfflineQueueInterval: 30 * time.Second,
		NetworkCheckInterval: 15 * time.Second,
		RelayHealthWindow:    time.Hour,
		Retry:                DefaultRetryConfig(),
	}
}

// ConfigFromManager reads the engine configuration, falling back to DefaultConfig per key
func ConfigFromManager(cm *utils.ConfigManager) Config {
	def := DefaultConfig()
	return Config{
		MaxMessageLength:     int(cm.GetConfigBytes("max_message_length", int64(def.MaxMessageLength))),
		WorkingSetCapacity:   cm.GetConfigInt("working_set_capacity", def.WorkingSetCapacity, 10, 1000000),
		PublishTimeout:       cm.GetConfigDuration("publish_timeout", def.PublishTimeout),
		SyncTimeout:          cm.GetConfigDuration("sync_timeout", def.SyncTimeout),
		SyncDefaultLookback:  cm.GetConfigDuration("sync_default_lookback", def.SyncDefaultLookback),
		SyncMaxLookback:      cm.GetConfigDuration("sync_max_lookback", def.SyncMaxLookback),
		SyncOverlap:          cm.GetConfigDuration("sync_overlap", def.SyncOverlap),
		OfflineQueueInterval: cm.GetConfigDuration("offline_queue_interval", def.OfflineQueueInterval),
		NetworkCheckInterval: cm.GetConfigDuration("network_check_interval", def.NetworkCheckInterval),
		RelayHealthWindow:    cm.GetConfigDuration("relay_health_window", def.RelayHealthWindow),
		Retry: RetryConfig{
			MaxRetries:  cm.GetConfigInt("retry_max_count", def.Retry.MaxRetries, 0, 100),
			BaseDelay:   cm.GetConfigDuration("retry_base_delay", def.Retry.BaseDelay),
			MaxDelay:    cm.GetConfigDuration("retry_max_delay", def.Retry.MaxDelay),
			MinDelay:    cm.GetConfigDuration("retry_min_delay", def.Retry.MinDelay),
			JitterRatio: cm.GetConfigFloat64("retry_jitter_ratio", def.Retry.JitterRatio, 0, 1),
		},
	}
}

// Dependencies are the collaborators of an Engine.
// Store, Publisher, Cipher and Trust are required. A nil Signer means the identity is locked.
type Dependencies struct {
	Store     MessageStore
	Publisher RelayPublisher
	Signer    Signer
	Cipher    Cipher
	Trust     TrustPolicy
	Requests  RequestSink
	Health    RelayHealthSource
	Emitter   EventEmitter
	Logger    Logger
	Metrics   *Metrics
	Clock     Clock
	Rand      *rand.Rand
	// Verify checks an inbound event's id and signature; defaults to crypto.VerifyEvent
	Verify func(ev *types.Event) error
	// Probe reports host connectivity; defaults to HasActiveInterface
	Probe InterfaceProbe
}

// Engine sends, receives and tracks the delivery of encrypted direct messages
type Engine struct {
	cfg       Config
	store     MessageStore
	publisher RelayPublisher
	signer    Signer
	cipher    Cipher
	trust     TrustPolicy
	requests  RequestSink
	health    RelayHealthSource
	emitter   EventEmitter
	logger    Logger
	metrics   *Metrics
	clock     Clock
	verify    func(ev *types.Event) error

	policy *RetryPolicy
	randMu sync.Mutex
	rng    *rand.Rand

	working *WorkingSet
	network *NetworkStateMonitor
	queue   *OfflineQueueProcessor

	// serializes status transitions
	statusMu sync.Mutex

	ackMu   sync.Mutex
	pending map[string]*pendingPublish

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	subMu       sync.Mutex
	liveSub     *types.Subscription
	subs        map[string]*types.Subscription
	eoseWaiters map[string]chan string

	syncing atomic.Bool
	errors  chan error

	ctx          context.Context
	cancel       context.CancelFunc
	unsubscribe  func()
	running      bool
	runningMutex sync.Mutex
	wasUsable    atomic.Bool
}

// New creates an engine. Call Start to attach it to the relays.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("message store is required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("relay publisher is required")
	case deps.Cipher == nil:
		return nil, fmt.Errorf("cipher is required")
	case deps.Trust == nil:
		return nil, fmt.Errorf("trust policy is required")
	}

	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultConfig().MaxMessageLength
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultConfig().SyncTimeout
	}
	if cfg.RelayHealthWindow <= 0 {
		cfg.RelayHealthWindow = DefaultConfig().RelayHealthWindow
	}
	if deps.Emitter == nil {
		deps.Emitter = nopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Verify == nil {
		deps.Verify = crypto.VerifyEvent
	}
	if deps.Probe == nil {
		deps.Probe = HasActiveInterface
	}

	e := &Engine{
		cfg:         cfg,
		store:       deps.Store,
		publisher:   deps.Publisher,
		signer:      deps.Signer,
		cipher:      deps.Cipher,
		trust:       deps.Trust,
		requests:    deps.Requests,
		health:      deps.Health,
		emitter:     deps.Emitter,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		verify:      deps.Verify,
		policy:      NewRetryPolicy(cfg.Retry),
		rng:         deps.Rand,
		working:     NewWorkingSet(cfg.WorkingSetCapacity),
		pending:     make(map[string]*pendingPublish),
		inflight:    make(map[string]struct{}),
		subs:        make(map[string]*types.Subscription),
		eoseWaiters: make(map[string]chan string),
		errors:      make(chan error, 32),
	}

	e.network = NewNetworkStateMonitor(deps.Publisher, deps.Probe, deps.Clock, deps.Logger, cfg.NetworkCheckInterval)
	e.queue = NewOfflineQueueProcessor(OfflineQueueConfig{
		Store:      deps.Store,
		Publish:    e.publishQueued,
		Transition: e.transition,
		Decide:     e.retryDecision,
		Network:    e.network.State,
		OnRetry:    e.working.SetRetryCount,
		Clock:      deps.Clock,
		Interval:   cfg.OfflineQueueInterval,
		Logger:     deps.Logger,
		Emitter:    deps.Emitter,
		Metrics:    deps.Metrics,
	})
	e.network.OnChange(e.onNetworkChange)

	return e, nil
}

// Start registers the frame handler and starts the network monitor and offline queue processor
func (e *Engine) Start(ctx context.Context) error {
	e.runningMutex.Lock()
	defer e.runningMutex.Unlock()

	if e.running {
		return fmt.Errorf("delivery engine already running")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.unsubscribe = e.publisher.SubscribeToIncoming(e.handleFrame)

	if err := e.network.Start(e.ctx); err != nil {
		e.unsubscribe()
		e.cancel()
		return fmt.Errorf("failed to start network state monitor: %v", err)
	}
	if err := e.queue.Start(e.ctx); err != nil {
		e.network.Stop()
		e.unsubscribe()
		e.cancel()
		return fmt.Errorf("failed to start offline queue processor: %v", err)
	}

	e.running = true
	e.logger.Info("Delivery engine started", "delivery")
	return nil
}

// Stop detaches from the relays, closes every subscription and stops all timers
func (e *Engine) Stop() {
	e.runningMutex.Lock()
	defer e.runningMutex.Unlock()

	if !e.running {
		return
	}

	e.queue.Stop()
	e.network.Stop()
	e.unsubscribe()
	e.cancel()

	e.subMu.Lock()
	for id, sub := range e.subs {
		e.publisher.CloseSubscription(id)
		sub.IsActive = false
	}
	e.subs = make(map[string]*types.Subscription)
	e.liveSub = nil
	e.subMu.Unlock()

	e.running = false
	e.logger.Info("Delivery engine stopped", "delivery")
}

// Errors delivers asynchronous failures, such as undecryptable inbound messages.
// Errors are dropped when nobody drains the channel.
func (e *Engine) Errors() <-chan error {
	return e.errors
}

func (e *Engine) reportError(err error) {
	select {
	case e.errors <- err:
	default:
		e.logger.Warn(fmt.Sprintf("Error channel full, dropping: %v", err), "delivery")
	}
}

// onNetworkChange drains the queue and catches up once relays are reachable again
func (e *Engine) onNetworkChange(state types.NetworkState) {
	if !state.Usable() {
		e.logger.Warn("Network unusable, outgoing messages will be queued", "delivery")
		return
	}
	e.queue.Trigger()

	// the first usable state is startup, not a reconnect
	if !e.wasUsable.Swap(true) {
		return
	}

	e.subMu.Lock()
	live := e.liveSub != nil
	e.subMu.Unlock()
	if !live {
		return
	}

	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if _, err := e.SyncMissedMessages(ctx, nil); err != nil {
			e.logger.Debug(fmt.Sprintf("Catch-up sync after reconnect skipped: %v", err), "delivery")
		}
	}()
}

// transition applies a status change to the store and the working set.
// Invalid transitions are logged and ignored.
func (e *Engine) transition(id string, to types.MessageStatus) bool {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	stored, err := e.store.GetMessage(id)
	if err != nil {
		e.logger.Error(fmt.Sprintf("Failed to read message %s: %v", id, err), "delivery")
	}

	var from types.MessageStatus
	switch {
	case stored != nil:
		from = stored.Status
	default:
		cached, ok := e.working.Get(id)
		if !ok {
			return false
		}
		from = cached.Status
	}

	if from == to {
		return false
	}
	if !types.CanTransition(from, to) {
		e.logger.Warn(fmt.Sprintf("Ignoring invalid status transition %s -> %s for message %s", from, to, id), "delivery")
		e.metrics.transition(from, to, false)
		return false
	}

	if stored != nil {
		applied, err := e.store.UpdateStatus(id, to)
		if err != nil {
			e.logger.Error(fmt.Sprintf("Failed to persist status %s of message %s: %v", to, id, err), "delivery")
		} else if !applied {
			e.metrics.transition(from, to, false)
			return false
		}
	}

	e.working.UpdateStatus(id, to)
	e.metrics.transition(from, to, true)
	e.emitter.MessageStatusChanged(id, to)
	e.logger.Debug(fmt.Sprintf("Message %s: %s -> %s", id, from, to), "delivery")
	return true
}

// retryDecision consults the retry policy with the recent relay health
func (e *Engine) retryDecision(retryCount int) RetryDecision {
	now := e.clock.Now()

	var health []types.RelayHealth
	if e.health != nil {
		h, err := e.health.GetRelayHealth(now.Add(-e.cfg.RelayHealthWindow))
		if err != nil {
			e.logger.Warn(fmt.Sprintf("Failed to read relay health: %v", err), "delivery")
		} else {
			health = h
		}
	}

	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.policy.ShouldRetry(retryCount, health, now, e.rng)
}

// GetMessage returns a message from the working set or the store, or nil
func (e *Engine) GetMessage(id string) (*types.Message, error) {
	if msg, ok := e.working.Get(id); ok {
		return msg, nil
	}
	msg, err := e.store.GetMessage(id)
	if err != nil {
		return nil, newError(KindStorage, "get message", err)
	}
	return msg, nil
}

// GetMessageStatus returns the current status of a message
func (e *Engine) GetMessageStatus(id string) (types.MessageStatus, bool) {
	msg, err := e.GetMessage(id)
	if err != nil {
		e.logger.Error(err.Error(), "delivery")
		return "", false
	}
	if msg == nil {
		return "", false
	}
	return msg.Status, true
}

// GetMessagesByConversation returns one newest-first page of a conversation.
// If the store cannot be read the cached messages are returned instead.
func (e *Engine) GetMessagesByConversation(conversationID string, opts database.PageOptions) (*database.Page, error) {
	page, err := e.store.ListByConversation(conversationID, opts)
	if err == nil {
		return page, nil
	}

	e.logger.Error(fmt.Sprintf("Failed to list conversation %s, serving cached messages: %v", conversationID, err), "delivery")
	cached := e.working.ByConversation(conversationID, opts.Limit)
	if cached == nil {
		cached = []*types.Message{}
	}
	return &database.Page{Messages: cached}, nil
}

// RecentMessages returns the newest cached messages across conversations
func (e *Engine) RecentMessages(limit int) []*types.Message {
	return e.working.Recent(limit)
}

// NetworkState returns the last observed connectivity
func (e *Engine) NetworkState() types.NetworkState {
	return e.network.State()
}

// GetOfflineQueueStatus returns the retry queue snapshot
func (e *Engine) GetOfflineQueueStatus() (*QueueStatus, error) {
	return e.queue.Status()
}

// ProcessOfflineQueue drains due entries now. It is a no-op while another run is active.
func (e *Engine) ProcessOfflineQueue(ctx context.Context) (*QueueRunResult, error) {
	e.network.Refresh()
	return e.queue.Process(ctx)
}

// ClearOfflineQueue drops every queued entry and marks those messages failed
func (e *Engine) ClearOfflineQueue() ([]string, error) {
	return e.queue.Clear()
}
