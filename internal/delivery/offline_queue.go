package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// PublishFunc publishes a queued entry and reports whether at least one relay accepted it
type PublishFunc func(ctx context.Context, out *types.OutgoingMessage) bool

// QueueRunResult summarises one drain of the retry queue
type QueueRunResult struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Attempted  int           `json:"attempted"`
	Published  int           `json:"published"`
	Requeued   int           `json:"requeued"`
	Failed     int           `json:"failed"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// QueueStatus is the status snapshot of the retry queue
type QueueStatus struct {
	TotalQueued   int        `json:"total_queued"`
	OldestMessage *time.Time `json:"oldest_message,omitempty"`
	NewestMessage *time.Time `json:"newest_message,omitempty"`
	IsProcessing  bool       `json:"is_processing"`
}

// OfflineQueueConfig wires an OfflineQueueProcessor
type OfflineQueueConfig struct {
	Store   MessageStore
	Publish PublishFunc
	// Transition applies a status change and reports whether it was applied
	Transition func(id string, to types.MessageStatus) bool
	// Decide asks the retry policy whether attempt retryCount may run
	Decide func(retryCount int) RetryDecision
	// Network reports connectivity; nil means always usable
	Network  func() types.NetworkState
	OnRetry  func(id string, retryCount int)
	Clock    Clock
	Interval time.Duration
	Logger   Logger
	Emitter  EventEmitter
	Metrics  *Metrics
}

// OfflineQueueProcessor drains due retry-queue entries one at a time
type OfflineQueueProcessor struct {
	cfg        OfflineQueueConfig
	processing atomic.Bool

	ctx          context.Context
	cancel       context.CancelFunc
	trigger      chan struct{}
	running      bool
	runningMutex sync.Mutex
	wg           sync.WaitGroup
}

// NewOfflineQueueProcessor creates a processor; call Start to enable the periodic drain
func NewOfflineQueueProcessor(cfg OfflineQueueConfig) *OfflineQueueProcessor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Emitter == nil {
		cfg.Emitter = nopEmitter{}
	}
	return &OfflineQueueProcessor{
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Start begins the periodic drain
func (oqp *OfflineQueueProcessor) Start(ctx context.Context) error {
	oqp.runningMutex.Lock()
	defer oqp.runningMutex.Unlock()

	if oqp.running {
		return fmt.Errorf("offline queue processor already running")
	}

	oqp.ctx, oqp.cancel = context.WithCancel(ctx)
	oqp.running = true

	oqp.wg.Add(1)
	go oqp.loop()

	oqp.cfg.Logger.Info(fmt.Sprintf("Offline queue processor started (interval %v)", oqp.cfg.Interval), "offline-queue")
	return nil
}

// Stop ends the periodic drain and waits for an active run to return
func (oqp *OfflineQueueProcessor) Stop() {
	oqp.runningMutex.Lock()
	defer oqp.runningMutex.Unlock()

	if !oqp.running {
		return
	}

	oqp.cancel()
	oqp.wg.Wait()
	oqp.running = false

	oqp.cfg.Logger.Info("Offline queue processor stopped", "offline-queue")
}

// Trigger requests a drain from the background loop; it never blocks
func (oqp *OfflineQueueProcessor) Trigger() {
	select {
	case oqp.trigger <- struct{}{}:
	default:
	}
}

func (oqp *OfflineQueueProcessor) loop() {
	defer oqp.wg.Done()

	ticker := time.NewTicker(oqp.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-oqp.ctx.Done():
			return
		case <-ticker.C:
		case <-oqp.trigger:
		}

		if _, err := oqp.Process(oqp.ctx); err != nil {
			oqp.cfg.Logger.Error(fmt.Sprintf("Offline queue run failed: %v", err), "offline-queue")
		}
	}
}

// IsProcessing reports whether a drain is active
func (oqp *OfflineQueueProcessor) IsProcessing() bool {
	return oqp.processing.Load()
}

// Process drains due entries sequentially. A call made while another run is
// active returns a skipped result without doing anything.
func (oqp *OfflineQueueProcessor) Process(ctx context.Context) (*QueueRunResult, error) {
	result := &QueueRunResult{StartedAt: oqp.cfg.Clock.Now()}

	if !oqp.processing.CompareAndSwap(false, true) {
		result.Skipped = true
		result.SkipReason = "already-processing"
		return result, nil
	}
	defer oqp.processing.Store(false)

	if oqp.cfg.Network != nil && !oqp.cfg.Network().Usable() {
		result.Skipped = true
		result.SkipReason = "offline"
		return result, nil
	}

	due, err := oqp.cfg.Store.ListDue(result.StartedAt)
	if err != nil {
		return result, newError(KindStorage, "process offline queue", err)
	}

	if len(due) > 0 {
		oqp.cfg.Logger.Info(fmt.Sprintf("Processing %d due messages from offline queue", len(due)), "offline-queue")
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			break
		}
		oqp.processEntry(ctx, entry, result)
	}

	result.Duration = oqp.cfg.Clock.Now().Sub(result.StartedAt)
	oqp.updateGauge()

	if result.Attempted > 0 {
		oqp.cfg.Logger.Info(fmt.Sprintf("Offline queue run: %d attempted, %d published, %d requeued, %d failed",
			result.Attempted, result.Published, result.Requeued, result.Failed), "offline-queue")
		oqp.cfg.Emitter.QueueProcessed(result)
	}
	return result, nil
}

func (oqp *OfflineQueueProcessor) processEntry(ctx context.Context, entry *types.OutgoingMessage, result *QueueRunResult) {
	msg, err := oqp.cfg.Store.GetMessage(entry.ID)
	if err != nil {
		oqp.cfg.Logger.Error(fmt.Sprintf("Failed to load queued message %s: %v", entry.ID, err), "offline-queue")
		return
	}

	// a late acknowledgement may already have moved the message on
	if msg == nil || msg.Status == types.StatusAccepted || msg.Status == types.StatusDelivered {
		oqp.dequeue(entry.ID)
		return
	}

	if !oqp.cfg.Transition(entry.ID, types.StatusSending) {
		return
	}
	result.Attempted++

	if oqp.cfg.Publish(ctx, entry) {
		oqp.cfg.Transition(entry.ID, types.StatusAccepted)
		oqp.dequeue(entry.ID)
		result.Published++
		return
	}

	attempts := entry.RetryCount + 1
	decision := oqp.cfg.Decide(attempts)
	if decision.Retry {
		if err := oqp.cfg.Store.UpdateOutgoingRetry(entry.ID, attempts, decision.NextRetryAt); err != nil {
			oqp.cfg.Logger.Error(fmt.Sprintf("Failed to reschedule message %s: %v", entry.ID, err), "offline-queue")
		}
		if oqp.cfg.OnRetry != nil {
			oqp.cfg.OnRetry(entry.ID, attempts)
		}
		oqp.cfg.Transition(entry.ID, types.StatusQueued)
		result.Requeued++
		oqp.cfg.Logger.Debug(fmt.Sprintf("Message %s requeued, attempt %d due at %s",
			entry.ID, attempts, decision.NextRetryAt.Format(time.RFC3339)), "offline-queue")
		return
	}

	oqp.dequeue(entry.ID)
	oqp.cfg.Transition(entry.ID, types.StatusFailed)
	result.Failed++
	oqp.cfg.Logger.Warn(fmt.Sprintf("Message %s failed after %d attempts", entry.ID, attempts), "offline-queue")
}

func (oqp *OfflineQueueProcessor) dequeue(id string) {
	if err := oqp.cfg.Store.DequeueOutgoing(id); err != nil {
		oqp.cfg.Logger.Error(fmt.Sprintf("Failed to dequeue message %s: %v", id, err), "offline-queue")
	}
}

func (oqp *OfflineQueueProcessor) updateGauge() {
	if oqp.cfg.Metrics == nil {
		return
	}
	if stats, err := oqp.cfg.Store.OutgoingStats(); err == nil {
		oqp.cfg.Metrics.queueSize(stats.TotalQueued)
	}
}

// Status returns the queue snapshot
func (oqp *OfflineQueueProcessor) Status() (*QueueStatus, error) {
	stats, err := oqp.cfg.Store.OutgoingStats()
	if err != nil {
		return nil, newError(KindStorage, "offline queue status", err)
	}
	return &QueueStatus{
		TotalQueued:   stats.TotalQueued,
		OldestMessage: stats.OldestMessage,
		NewestMessage: stats.NewestMessage,
		IsProcessing:  oqp.processing.Load(),
	}, nil
}

// Clear empties the queue and marks every removed message failed
func (oqp *OfflineQueueProcessor) Clear() ([]string, error) {
	ids, err := oqp.cfg.Store.ClearOutgoing()
	if err != nil {
		return nil, newError(KindStorage, "clear offline queue", err)
	}
	for _, id := range ids {
		oqp.cfg.Transition(id, types.StatusFailed)
	}
	oqp.updateGauge()

	oqp.cfg.Logger.Warn(fmt.Sprintf("Offline queue cleared, %d messages marked failed", len(ids)), "offline-queue")
	return ids, nil
}
