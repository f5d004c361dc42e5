package delivery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// SendResult reports the first publish attempt of a message
type SendResult struct {
	Message      *types.Message      `json:"message"`
	Success      bool                `json:"success"`
	SuccessCount int                 `json:"success_count"`
	TotalRelays  int                 `json:"total_relays"`
	RelayResults []types.RelayResult `json:"relay_results,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// draft is a signed outgoing message that has not been stored yet
type draft struct {
	msg *types.Message
	out *types.OutgoingMessage
}

// SendDM encrypts, signs, stores and publishes a direct message.
// Input and encryption problems are returned as errors before anything is stored;
// once the message exists, network failures are reported through its status.
func (e *Engine) SendDM(ctx context.Context, recipient, plaintext, replyTo string) (*SendResult, error) {
	d, err := e.prepare("send dm", recipient, plaintext, replyTo)
	if err != nil {
		return nil, err
	}
	return e.dispatch(ctx, d), nil
}

// prepare validates, encrypts and signs a message without touching any state
func (e *Engine) prepare(op, recipient, plaintext, replyTo string) (*draft, error) {
	if e.signer == nil {
		return nil, newError(KindIdentityLocked, op, nil)
	}
	recipientKey, err := crypto.ParsePublicKey(recipient)
	if err != nil {
		return nil, newError(KindInvalidInput, op, err)
	}
	if strings.TrimSpace(plaintext) == "" {
		return nil, newError(KindInvalidInput, op, errors.New("message is empty"))
	}
	if len(plaintext) > e.cfg.MaxMessageLength {
		return nil, newError(KindInvalidInput, op,
			fmt.Errorf("message is %d bytes, limit is %d", len(plaintext), e.cfg.MaxMessageLength))
	}

	self := e.signer.PublicKey()
	encrypted, err := e.cipher.Encrypt(recipientKey, plaintext)
	if err != nil {
		return nil, newError(KindEncryption, op, err)
	}

	now := e.clock.Now()
	ev := &types.Event{
		PubKey:    self,
		CreatedAt: now.Unix(),
		Kind:      types.KindDirectMessage,
		Tags:      []types.Tag{{"p", recipientKey}},
		Content:   encrypted,
	}
	if replyTo != "" {
		if target := e.replyEventID(replyTo); target != "" {
			ev.Tags = append(ev.Tags, types.Tag{"e", target, "", "reply"})
		}
	}
	if err := e.signer.SignEvent(ev); err != nil {
		return nil, newError(KindEncryption, op, fmt.Errorf("failed to sign event: %v", err))
	}

	msg := &types.Message{
		ID:                 uuid.New().String(),
		ConversationID:     types.ConversationID(self, recipientKey),
		Content:            plaintext,
		Timestamp:          now,
		IsOutgoing:         true,
		Status:             types.StatusSending,
		EventID:            ev.ID,
		SenderPublicKey:    self,
		RecipientPublicKey: recipientKey,
		EncryptedContent:   encrypted,
		ReplyTo:            replyTo,
	}
	out := &types.OutgoingMessage{
		ID:                 msg.ID,
		ConversationID:     msg.ConversationID,
		Content:            plaintext,
		RecipientPublicKey: recipientKey,
		CreatedAt:          now,
		SignedEvent:        ev,
	}
	return &draft{msg: msg, out: out}, nil
}

// dispatch stores a prepared message, surfaces it and makes the first publish attempt
func (e *Engine) dispatch(ctx context.Context, d *draft) *SendResult {
	// delivery goes ahead even if the local copy could not be written
	if err := e.store.PersistMessage(d.msg); err != nil {
		e.logger.Error(fmt.Sprintf("Failed to persist outgoing message %s: %v", d.msg.ID, err), "delivery")
	}
	e.working.Upsert(d.msg)
	e.emitter.MessageCreated(d.msg.Clone())

	if len(e.openRelays(true)) == 0 {
		return e.queueUnreachable(d.msg.ID, d.out)
	}
	return e.publish(ctx, d.msg.ID, d.out)
}

// RetryFailedMessage sends a rejected, failed or queued message again as a new message
// with a fresh event. The old record is replaced only once the new event is signed.
func (e *Engine) RetryFailedMessage(ctx context.Context, id string) (*SendResult, error) {
	const op = "retry message"

	msg, err := e.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, newError(KindInvalidInput, op, fmt.Errorf("unknown message %s", id))
	}
	if !msg.IsOutgoing || !msg.Status.Retryable() {
		return nil, newError(KindInvalidState, op, fmt.Errorf("message %s is %s", id, msg.Status))
	}

	d, err := e.prepare(op, msg.RecipientPublicKey, msg.Content, msg.ReplyTo)
	if err != nil {
		return nil, err
	}

	if err := e.store.DeleteMessage(id); err != nil {
		return nil, newError(KindStorage, op, err)
	}
	e.working.Remove(id)
	if msg.EventID != "" {
		e.untrack(msg.EventID)
	}
	e.queue.updateGauge()

	e.logger.Info(fmt.Sprintf("Retrying message %s as new message %s", id, d.msg.ID), "delivery")
	return e.dispatch(ctx, d), nil
}

func (e *Engine) publish(ctx context.Context, id string, out *types.OutgoingMessage) *SendResult {
	ev := out.SignedEvent
	e.track(out, false)

	ap, ok := e.publisher.(AckPublisher)
	if !ok {
		relays, err := e.publisher.SendToOpenRelays(ev)
		if err != nil || len(relays) == 0 {
			e.untrack(ev.ID)
			return e.queueUnreachable(id, out)
		}

		// no acknowledgement channel: assume the relays took it
		e.markOptimistic(ev.ID, relays)
		e.transition(id, types.StatusAccepted)
		e.metrics.sent("accepted-optimistic")
		return &SendResult{
			Message:      e.snapshot(id),
			Success:      true,
			SuccessCount: len(relays),
			TotalRelays:  len(relays),
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()

	start := e.clock.Now()
	results, err := ap.PublishToAll(pubCtx, ev)
	e.metrics.publishTook(e.clock.Now().Sub(start))

	if len(results) == 0 {
		e.untrack(ev.ID)
		if err != nil && !errors.Is(err, relay.ErrNoOpenRelays) {
			e.logger.Warn(fmt.Sprintf("Publish of message %s failed: %v", id, err), "delivery")
		}
		return e.queueUnreachable(id, out)
	}

	e.completePublish(ev.ID, results)

	successCount := 0
	for _, r := range results {
		if r.Success {
			successCount++
		}
	}

	result := &SendResult{
		Message:      e.snapshot(id),
		Success:      successCount > 0,
		SuccessCount: successCount,
		TotalRelays:  len(results),
		RelayResults: results,
	}
	if successCount > 0 {
		e.metrics.sent("accepted")
	} else {
		e.metrics.sent("rejected")
		result.Error = "rejected by every relay"
	}

	e.logger.Info(fmt.Sprintf("Message %s published to %d/%d relays", id, successCount, len(results)), "delivery")
	return result
}

// queueUnreachable handles a send with no open relay: the message waits in the retry queue
func (e *Engine) queueUnreachable(id string, out *types.OutgoingMessage) *SendResult {
	result := &SendResult{Error: ErrRelaysUnavailable.Error()}

	decision := e.retryDecision(0)
	if !decision.Retry {
		e.transition(id, types.StatusFailed)
		e.metrics.sent("failed")
		result.Message = e.snapshot(id)
		return result
	}

	out.RetryCount = 0
	out.NextRetryAt = decision.NextRetryAt
	if err := e.store.EnqueueOutgoing(out); err != nil {
		e.logger.Error(fmt.Sprintf("Failed to queue message %s: %v", id, err), "delivery")
	}
	e.transition(id, types.StatusQueued)
	e.metrics.sent("queued")
	e.queue.updateGauge()

	e.logger.Info(fmt.Sprintf("No relay reachable, message %s queued until %s", id, out.NextRetryAt.Format("15:04:05")), "delivery")
	result.Message = e.snapshot(id)
	return result
}

// publishQueued re-publishes the stored signed event of a queue entry
func (e *Engine) publishQueued(ctx context.Context, out *types.OutgoingMessage) bool {
	ev := out.SignedEvent
	e.track(out, true)

	ap, ok := e.publisher.(AckPublisher)
	if !ok {
		relays, err := e.publisher.SendToOpenRelays(ev)
		if err != nil || len(relays) == 0 {
			return false
		}
		e.markOptimistic(ev.ID, relays)
		return true
	}

	pubCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()

	start := e.clock.Now()
	results, err := ap.PublishToAll(pubCtx, ev)
	e.metrics.publishTook(e.clock.Now().Sub(start))
	if err != nil && len(results) == 0 {
		e.logger.Debug(fmt.Sprintf("Queued message %s not published: %v", out.ID, err), "offline-queue")
		return false
	}

	e.completePublish(ev.ID, results)
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

func (e *Engine) openRelays(write bool) []string {
	var urls []string
	for _, c := range e.publisher.Connections() {
		if c.Status != relay.StatusOpen {
			continue
		}
		if (write && c.Write) || (!write && c.Read) {
			urls = append(urls, c.URL)
		}
	}
	return urls
}

// replyEventID resolves a reply target given as a local message id or as an event id
func (e *Engine) replyEventID(replyTo string) string {
	if msg, err := e.GetMessage(replyTo); err == nil && msg != nil {
		return msg.EventID
	}
	if len(replyTo) == 64 {
		if _, err := hex.DecodeString(replyTo); err == nil {
			return strings.ToLower(replyTo)
		}
	}
	return ""
}

func (e *Engine) snapshot(id string) *types.Message {
	msg, err := e.GetMessage(id)
	if err != nil {
		e.logger.Error(err.Error(), "delivery")
	}
	return msg
}
