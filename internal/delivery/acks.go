package delivery

import (
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// trackers older than this no longer settle a message
const pendingPublishTTL = 10 * time.Minute

// pendingPublish collects relay answers for one published event
type pendingPublish struct {
	out       *types.OutgoingMessage
	sentAt    time.Time
	expected  map[string]bool
	results   map[string]types.RelayResult
	succeeded bool
	settled   bool
	// queue attempts are settled by the offline queue processor
	fromQueue bool
}

func (p *pendingPublish) allAnswered() bool {
	if len(p.expected) == 0 {
		return false
	}
	for url := range p.expected {
		if _, ok := p.results[url]; !ok {
			return false
		}
	}
	return true
}

// track registers an event before it is written so that fast acknowledgements are not lost
func (e *Engine) track(out *types.OutgoingMessage, fromQueue bool) {
	now := e.clock.Now()

	e.ackMu.Lock()
	defer e.ackMu.Unlock()

	for id, p := range e.pending {
		if now.Sub(p.sentAt) > pendingPublishTTL {
			delete(e.pending, id)
		}
	}

	e.pending[out.SignedEvent.ID] = &pendingPublish{
		out:       out,
		sentAt:    now,
		results:   make(map[string]types.RelayResult),
		fromQueue: fromQueue,
	}
}

func (e *Engine) untrack(eventID string) {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	delete(e.pending, eventID)
}

// markOptimistic records that the event was written without an acknowledgement channel
func (e *Engine) markOptimistic(eventID string, relays []string) {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()

	if p, ok := e.pending[eventID]; ok {
		p.succeeded = true
		p.settled = true
		p.expected = make(map[string]bool, len(relays))
		for _, url := range relays {
			p.expected[url] = true
		}
	}
}

// recordAck handles an acknowledgement frame, possibly long after the publish returned
func (e *Engine) recordAck(ack *relay.Acknowledgement) {
	result := types.RelayResult{
		RelayURL: ack.Relay,
		Success:  ack.Accepted,
	}
	if !ack.Accepted {
		result.Error = ack.Message
		if result.Error == "" {
			result.Error = "rejected"
		}
	}

	e.ackMu.Lock()
	defer e.ackMu.Unlock()

	if p, ok := e.pending[ack.EventID]; ok {
		result.LatencyMs = e.clock.Now().Sub(p.sentAt).Milliseconds()
	}
	e.applyRelayResult(ack.EventID, result)
}

// completePublish merges the answers gathered by a synchronous publish and settles the message
// when every relay has answered
func (e *Engine) completePublish(eventID string, results []types.RelayResult) {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()

	p, ok := e.pending[eventID]
	if ok {
		p.expected = make(map[string]bool, len(results))
		for _, r := range results {
			p.expected[r.RelayURL] = true
		}
	}

	for _, r := range results {
		e.applyRelayResult(eventID, r)
	}

	if ok {
		e.maybeSettle(p)
	}
}

// applyRelayResult merges one relay answer. Repeated answers from the same relay are
// ignored unless a success replaces an earlier failure. Callers hold ackMu.
func (e *Engine) applyRelayResult(eventID string, result types.RelayResult) {
	var messageID string

	p, tracked := e.pending[eventID]
	if tracked {
		if prev, seen := p.results[result.RelayURL]; seen && (prev.Success || !result.Success) {
			return
		}
		p.results[result.RelayURL] = result
		messageID = p.out.ID
	} else {
		msg, err := e.store.GetMessageByEventID(eventID)
		if err != nil {
			e.logger.Error(fmt.Sprintf("Failed to look up acknowledged event %s: %v", eventID, err), "delivery")
			return
		}
		if msg == nil || !msg.IsOutgoing {
			return
		}
		messageID = msg.ID
	}

	if err := e.store.AppendRelayResult(messageID, result); err != nil {
		e.logger.Error(fmt.Sprintf("Failed to record relay result for message %s: %v", messageID, err), "delivery")
	}
	e.working.AddRelayResult(messageID, result)

	if e.health != nil {
		if err := e.health.RecordRelayOutcome(result, e.clock.Now()); err != nil {
			e.logger.Warn(fmt.Sprintf("Failed to record relay outcome: %v", err), "delivery")
		}
	}

	if result.Success {
		if tracked {
			p.succeeded = true
		}
		e.advanceToAccepted(messageID)
		return
	}

	e.logger.Debug(fmt.Sprintf("Relay %s rejected event %s: %s", result.RelayURL, eventID, result.Error), "delivery")
	if tracked {
		e.maybeSettle(p)
	}
}

// maybeSettle moves a message that every relay refused to rejected and applies the retry decision
func (e *Engine) maybeSettle(p *pendingPublish) {
	if p.settled || p.succeeded || p.fromQueue || !p.allAnswered() {
		return
	}
	p.settled = true

	id := p.out.ID
	if !e.transition(id, types.StatusRejected) {
		return
	}

	decision := e.retryDecision(p.out.RetryCount)
	if !decision.Retry {
		e.transition(id, types.StatusFailed)
		e.logger.Warn(fmt.Sprintf("Message %s rejected by every relay, giving up", id), "delivery")
		return
	}

	out := *p.out
	out.NextRetryAt = decision.NextRetryAt
	if err := e.store.EnqueueOutgoing(&out); err != nil {
		e.logger.Error(fmt.Sprintf("Failed to queue rejected message %s: %v", id, err), "delivery")
	}
	e.transition(id, types.StatusQueued)
	e.queue.updateGauge()

	e.logger.Info(fmt.Sprintf("Message %s rejected by every relay, retry at %s", id, out.NextRetryAt.Format(time.RFC3339)), "delivery")
}

// advanceToAccepted walks a message forward to accepted along valid edges and
// removes it from the retry queue. Messages already accepted or delivered are untouched.
func (e *Engine) advanceToAccepted(id string) {
	status, ok := e.GetMessageStatus(id)
	if !ok {
		return
	}

	var path []types.MessageStatus
	switch status {
	case types.StatusSending:
		path = []types.MessageStatus{types.StatusAccepted}
	case types.StatusQueued, types.StatusFailed:
		path = []types.MessageStatus{types.StatusSending, types.StatusAccepted}
	case types.StatusRejected:
		path = []types.MessageStatus{types.StatusQueued, types.StatusSending, types.StatusAccepted}
	default:
		return
	}

	for _, next := range path {
		if !e.transition(id, next) {
			return
		}
	}

	if status != types.StatusSending {
		if err := e.store.DequeueOutgoing(id); err != nil {
			e.logger.Error(fmt.Sprintf("Failed to dequeue accepted message %s: %v", id, err), "delivery")
		}
		e.queue.updateGauge()
	}
}
