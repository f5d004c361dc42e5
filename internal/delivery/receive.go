package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// ReceiveOutcome is what the receive pipeline did with an inbound event
type ReceiveOutcome string

const (
	OutcomeIgnored          ReceiveOutcome = "ignored"
	OutcomeDuplicate        ReceiveOutcome = "duplicate"
	OutcomeInvalidSignature ReceiveOutcome = "invalid-signature"
	OutcomeNotAddressed     ReceiveOutcome = "not-addressed"
	OutcomeBlocked          ReceiveOutcome = "blocked"
	OutcomeDecryptFailed    ReceiveOutcome = "decrypt-failed"
	OutcomeRequest          ReceiveOutcome = "request"
	OutcomeStored           ReceiveOutcome = "stored"
	OutcomeEcho             ReceiveOutcome = "echo"
)

func (e *Engine) handleFrame(frame relay.Frame) {
	switch f := frame.(type) {
	case *relay.Acknowledgement:
		e.recordAck(f)
	case *relay.EventFrame:
		e.noteSubscriptionEvent(f.SubscriptionID)
		e.HandleIncomingEvent(f.Event)
	case *relay.EndOfStream:
		e.signalEndOfStream(f)
	case *relay.Notice:
		e.logger.Debug(fmt.Sprintf("Notice from %s: %s", f.Relay, f.Message), "delivery")
	}
}

// HandleIncomingEvent runs an inbound event through the receive pipeline
func (e *Engine) HandleIncomingEvent(ev *types.Event) ReceiveOutcome {
	outcome := e.receive(ev)
	e.metrics.received(string(outcome))
	return outcome
}

// ReprocessEvent pushes a previously parked event, e.g. a message request whose
// sender has since been accepted, through the receive pipeline again
func (e *Engine) ReprocessEvent(ev *types.Event) ReceiveOutcome {
	return e.HandleIncomingEvent(ev)
}

func (e *Engine) receive(ev *types.Event) ReceiveOutcome {
	if ev == nil || ev.Kind != types.KindDirectMessage || e.signer == nil {
		return OutcomeIgnored
	}

	if !e.beginProcessing(ev.ID) {
		return OutcomeDuplicate
	}
	defer e.endProcessing(ev.ID)

	self := e.signer.PublicKey()
	own := strings.EqualFold(ev.PubKey, self)

	existing, err := e.store.GetMessageByEventID(ev.ID)
	if err != nil {
		e.logger.Error(fmt.Sprintf("Failed to check event %s against the store: %v", ev.ID, err), "delivery")
	}
	if existing != nil && !(own && existing.IsOutgoing) {
		return OutcomeDuplicate
	}

	if err := e.verify(ev); err != nil {
		e.logger.Warn(fmt.Sprintf("Dropping event %s with invalid signature: %v", ev.ID, err), "delivery")
		return OutcomeInvalidSignature
	}

	if existing != nil {
		return e.handleEcho(existing)
	}
	if own {
		return e.receiveOwn(ev, self)
	}

	if !ev.IsAddressedTo(self) {
		e.logger.Debug(fmt.Sprintf("Event %s is not addressed to us", ev.ID), "delivery")
		return OutcomeNotAddressed
	}

	sender := strings.ToLower(ev.PubKey)
	blocked, err := e.trust.IsBlocked(sender)
	if err != nil {
		e.logger.Error(fmt.Sprintf("Failed to check blocklist for %s: %v", sender, err), "delivery")
	}
	if blocked {
		e.logger.Debug(fmt.Sprintf("Dropping event %s from blocked sender %s", ev.ID, sender), "delivery")
		return OutcomeBlocked
	}

	plaintext, err := e.cipher.Decrypt(sender, ev.Content)
	if err != nil {
		e.reportError(newError(KindDecryption, "receive dm", fmt.Errorf("event %s from %s: %v", ev.ID, sender, err)))
		return OutcomeDecryptFailed
	}

	accepted, err := e.trust.IsAccepted(sender)
	if err != nil {
		e.logger.Error(fmt.Sprintf("Failed to check contact %s: %v", sender, err), "delivery")
	}
	if !accepted {
		if e.requests != nil {
			if err := e.requests.RouteUnknownSender(ev, plaintext); err != nil {
				e.logger.Error(fmt.Sprintf("Failed to store message request %s: %v", ev.ID, err), "delivery")
			}
		}
		e.emitter.RequestReceived(sender, ev.ID)
		e.logger.Info(fmt.Sprintf("Message request from %s", sender), "delivery")
		return OutcomeRequest
	}

	msg := &types.Message{
		ID:                 ev.ID,
		ConversationID:     types.ConversationID(self, sender),
		Content:            plaintext,
		Timestamp:          time.Unix(ev.CreatedAt, 0),
		IsOutgoing:         false,
		Status:             types.StatusDelivered,
		EventID:            ev.ID,
		SenderPublicKey:    sender,
		RecipientPublicKey: self,
		EncryptedContent:   ev.Content,
		ReplyTo:            e.replyMessageID(ev),
	}
	e.storeReceived(msg)
	return OutcomeStored
}

// receiveOwn stores a message we authored on another device
func (e *Engine) receiveOwn(ev *types.Event, self string) ReceiveOutcome {
	peer, ok := ev.FirstTagValue("p")
	if !ok || peer == "" {
		return OutcomeIgnored
	}
	peer = strings.ToLower(peer)

	plaintext, err := e.cipher.Decrypt(peer, ev.Content)
	if err != nil {
		e.reportError(newError(KindDecryption, "receive own dm", fmt.Errorf("event %s to %s: %v", ev.ID, peer, err)))
		return OutcomeDecryptFailed
	}

	msg := &types.Message{
		ID:                 ev.ID,
		ConversationID:     types.ConversationID(self, peer),
		Content:            plaintext,
		Timestamp:          time.Unix(ev.CreatedAt, 0),
		IsOutgoing:         true,
		Status:             types.StatusDelivered,
		EventID:            ev.ID,
		SenderPublicKey:    self,
		RecipientPublicKey: peer,
		EncryptedContent:   ev.Content,
		ReplyTo:            e.replyMessageID(ev),
	}
	e.storeReceived(msg)
	return OutcomeStored
}

// handleEcho advances an outgoing message once a relay serves it back to us
func (e *Engine) handleEcho(msg *types.Message) ReceiveOutcome {
	switch msg.Status {
	case types.StatusDelivered:
		return OutcomeDuplicate
	case types.StatusAccepted:
	default:
		e.advanceToAccepted(msg.ID)
	}
	e.transition(msg.ID, types.StatusDelivered)
	return OutcomeEcho
}

func (e *Engine) storeReceived(msg *types.Message) {
	if err := e.store.PersistMessage(msg); err != nil {
		e.logger.Error(fmt.Sprintf("Failed to persist received message %s: %v", msg.ID, err), "delivery")
	}
	e.working.Upsert(msg)
	e.emitter.MessageReceived(msg.Clone())
}

// replyMessageID maps a reply tag to the local message id when we have the target
func (e *Engine) replyMessageID(ev *types.Event) string {
	target := ev.ReplyTarget()
	if target == "" {
		return ""
	}
	if msg, err := e.store.GetMessageByEventID(target); err == nil && msg != nil {
		return msg.ID
	}
	return target
}

func (e *Engine) beginProcessing(eventID string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()

	if _, busy := e.inflight[eventID]; busy {
		return false
	}
	e.inflight[eventID] = struct{}{}
	return true
}

func (e *Engine) endProcessing(eventID string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, eventID)
}
