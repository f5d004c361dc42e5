package delivery

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// dmFilters selects direct messages addressed to self and the ones self authored
func dmFilters(self string, since int64, until *int64) []types.Filter {
	return []types.Filter{
		{
			Kinds: []int{types.KindDirectMessage},
			Tags:  map[string][]string{"p": {self}},
			Since: &since,
			Until: until,
		},
		{
			Kinds:   []int{types.KindDirectMessage},
			Authors: []string{self},
			Since:   &since,
			Until:   until,
		},
	}
}

// SubscribeToIncomingDMs opens the live direct message subscription.
// Calling it while already subscribed returns the existing subscription.
func (e *Engine) SubscribeToIncomingDMs() (*types.Subscription, error) {
	const op = "subscribe"

	if e.signer == nil {
		return nil, newError(KindIdentityLocked, op, nil)
	}

	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.liveSub != nil {
		sub := *e.liveSub
		return &sub, nil
	}

	if len(e.openRelays(false)) == 0 {
		return nil, newError(KindNoOpenRelays, op, nil)
	}

	now := e.clock.Now()
	sub := &types.Subscription{
		ID:        "dm-" + uuid.New().String(),
		Filters:   dmFilters(e.signer.PublicKey(), now.Unix(), nil),
		IsActive:  true,
		CreatedAt: now,
	}

	relays := e.publisher.OpenSubscription(sub.ID, sub.Filters...)
	if len(relays) == 0 {
		return nil, newError(KindNoOpenRelays, op, nil)
	}

	e.subs[sub.ID] = sub
	e.liveSub = sub

	e.logger.Info(fmt.Sprintf("Subscribed to direct messages on %d relays (%s)", len(relays), sub.ID), "delivery")
	copied := *sub
	return &copied, nil
}

// UnsubscribeFromDMs closes the live subscription on every relay
func (e *Engine) UnsubscribeFromDMs() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.liveSub == nil {
		return
	}

	e.publisher.CloseSubscription(e.liveSub.ID)
	e.liveSub.IsActive = false
	delete(e.subs, e.liveSub.ID)

	e.logger.Info(fmt.Sprintf("Unsubscribed from direct messages (%s)", e.liveSub.ID), "delivery")
	e.liveSub = nil
}

// Subscriptions returns a snapshot of the open subscriptions
func (e *Engine) Subscriptions() []types.Subscription {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	out := make([]types.Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		out = append(out, *sub)
	}
	return out
}

func (e *Engine) noteSubscriptionEvent(subID string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	sub, ok := e.subs[subID]
	if !ok {
		return
	}
	now := e.clock.Now()
	sub.EventCount++
	sub.LastEventAt = &now
}

func (e *Engine) signalEndOfStream(eos *relay.EndOfStream) {
	e.subMu.Lock()
	waiter, ok := e.eoseWaiters[eos.SubscriptionID]
	e.subMu.Unlock()

	if !ok {
		return
	}
	select {
	case waiter <- eos.Relay:
	default:
	}
}
