package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

func TestSubscribeToIncomingDMsIsIdempotent(t *testing.T) {
	h := newHarness(t, true, "wss://a", "wss://b")
	self := h.self.PublicKeyHex()

	first, err := h.engine.SubscribeToIncomingDMs()
	require.NoError(t, err)
	second, err := h.engine.SubscribeToIncomingDMs()
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{first.ID}, h.pub.openSubscriptions())
	assert.True(t, strings.HasPrefix(first.ID, "dm-"))

	require.Len(t, first.Filters, 2)
	assert.Equal(t, []string{self}, first.Filters[0].Tags["p"])
	assert.Equal(t, []string{self}, first.Filters[1].Authors)
	assert.Equal(t, []int{types.KindDirectMessage}, first.Filters[0].Kinds)

	h.trust.accept(h.peer.PublicKeyHex())
	h.pub.emit(&relay.EventFrame{Relay: "wss://a", SubscriptionID: first.ID, Event: h.inbound(h.peer, self, "live")})
	subs := h.engine.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, 1, subs[0].EventCount)
	assert.NotNil(t, subs[0].LastEventAt)

	h.engine.UnsubscribeFromDMs()
	assert.Empty(t, h.pub.openSubscriptions())
	assert.Contains(t, h.pub.closed, first.ID)

	third, err := h.engine.SubscribeToIncomingDMs()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestSubscribeRequiresOpenRelay(t *testing.T) {
	h := newHarness(t, true, "wss://a")
	h.pub.setStatus(relay.StatusConnecting)

	_, err := h.engine.SubscribeToIncomingDMs()
	assert.True(t, errors.Is(err, ErrNoOpenRelays))
	assert.Empty(t, h.pub.openSubscriptions())
}

// syncSubscription waits for the sync subscription to be opened
func syncSubscription(t *testing.T, pub *fakePublisher) string {
	var id string
	require.Eventually(t, func() bool {
		for _, sub := range pub.openSubscriptions() {
			if strings.HasPrefix(sub, "sync-") {
				id = sub
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return id
}

func TestSyncMissedMessagesCompletesOnEndOfStream(t *testing.T) {
	h := newHarness(t, true, "wss://a", "wss://b")
	h.trust.accept(h.peer.PublicKeyHex())
	missed := h.inbound(h.peer, h.self.PublicKeyHex(), "while you were away")

	type outcome struct {
		result *SyncResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.engine.SyncMissedMessages(context.Background(), nil)
		done <- outcome{result, err}
	}()

	subID := syncSubscription(t, h.pub)

	_, err := h.engine.SyncMissedMessages(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrSyncInProgress))

	h.pub.emit(&relay.EventFrame{Relay: "wss://a", SubscriptionID: subID, Event: missed})
	h.pub.emit(&relay.EventFrame{Relay: "wss://b", SubscriptionID: subID, Event: missed})
	h.pub.emit(&relay.EndOfStream{Relay: "wss://a", SubscriptionID: subID})
	h.pub.emit(&relay.EndOfStream{Relay: "wss://b", SubscriptionID: subID})

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not finish")
	}
	require.NoError(t, got.err)
	assert.Equal(t, subID, got.result.SubscriptionID)
	assert.Equal(t, 2, got.result.RelaysQueried)
	assert.Equal(t, 2, got.result.RelaysCompleted)
	assert.False(t, got.result.TimedOut)
	assert.Equal(t, 2, got.result.EventsReceived)

	assert.Len(t, h.conversation(t), 1)
	assert.Contains(t, h.pub.closed, subID)
	assert.Empty(t, h.pub.openSubscriptions())
}

func TestSyncMissedMessagesTimesOut(t *testing.T) {
	h := newHarness(t, true, "wss://a", "wss://b")

	go func() {
		subID := syncSubscription(t, h.pub)
		h.pub.emit(&relay.EndOfStream{Relay: "wss://a", SubscriptionID: subID})
	}()

	start := time.Now()
	result, err := h.engine.SyncMissedMessages(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Equal(t, 1, result.RelaysCompleted)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, h.pub.openSubscriptions())

	// the lock is released afterwards
	h.pub.setStatus(relay.StatusClosed)
	_, err = h.engine.SyncMissedMessages(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNoOpenRelays))
}

func TestSyncSinceWindow(t *testing.T) {
	h := newHarness(t, true, "wss://a")
	cfg := h.engine.cfg
	now := h.clock.Now()

	assert.Equal(t, now.Add(-cfg.SyncDefaultLookback), h.engine.syncSince(nil))

	explicit := now.Add(-2 * time.Hour)
	assert.Equal(t, explicit, h.engine.syncSince(&explicit))

	ancient := now.Add(-365 * 24 * time.Hour)
	assert.Equal(t, now.Add(-cfg.SyncMaxLookback), h.engine.syncSince(&ancient))

	future := now.Add(time.Hour)
	assert.Equal(t, now, h.engine.syncSince(&future))

	// oldest of the per-conversation newest messages, minus the overlap
	h.trust.accept(h.peer.PublicKeyHex())
	h.clock.Advance(-3 * time.Hour)
	require.Equal(t, OutcomeStored, h.engine.HandleIncomingEvent(h.inbound(h.peer, h.self.PublicKeyHex(), "old")))
	h.clock.Advance(3 * time.Hour)
	_, err := h.engine.SendDM(context.Background(), h.peer.PublicKeyHex(), "newer", "")
	require.NoError(t, err)

	// sent to someone else from another device
	other, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	h.clock.Advance(-5 * time.Hour)
	require.Equal(t, OutcomeStored, h.engine.HandleIncomingEvent(h.inbound(h.self, other.PublicKeyHex(), "elsewhere")))
	h.clock.Advance(5 * time.Hour)

	since := h.engine.syncSince(nil)
	assert.True(t, since.Equal(now.Add(-5*time.Hour).Add(-cfg.SyncOverlap)), "got %v", since)
}
