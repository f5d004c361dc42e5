package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// SyncResult reports a catch-up run
type SyncResult struct {
	SubscriptionID  string    `json:"subscription_id"`
	Since           time.Time `json:"since"`
	RelaysQueried   int       `json:"relays_queried"`
	RelaysCompleted int       `json:"relays_completed"`
	TimedOut        bool      `json:"timed_out"`
	EventsReceived  int       `json:"events_received"`
}

// SyncMissedMessages fetches direct messages stored on the relays since the given time,
// or since the newest known message when since is nil. Results flow through the normal
// receive pipeline. Only one sync runs at a time; it ends when every relay reports the
// end of its stored events or the sync timeout passes.
func (e *Engine) SyncMissedMessages(ctx context.Context, since *time.Time) (*SyncResult, error) {
	const op = "sync"

	if !e.syncing.CompareAndSwap(false, true) {
		return nil, newError(KindSyncInProgress, op, nil)
	}
	defer e.syncing.Store(false)

	if e.signer == nil {
		return nil, newError(KindIdentityLocked, op, nil)
	}

	from := e.syncSince(since)
	until := e.clock.Now().Unix()
	sub := &types.Subscription{
		ID:        "sync-" + uuid.New().String(),
		Filters:   dmFilters(e.signer.PublicKey(), from.Unix(), &until),
		IsActive:  true,
		CreatedAt: e.clock.Now(),
	}
	waiter := make(chan string, 64)

	e.subMu.Lock()
	e.subs[sub.ID] = sub
	e.eoseWaiters[sub.ID] = waiter
	e.subMu.Unlock()

	result := &SyncResult{SubscriptionID: sub.ID, Since: from}

	defer func() {
		e.publisher.CloseSubscription(sub.ID)
		e.subMu.Lock()
		result.EventsReceived = sub.EventCount
		sub.IsActive = false
		delete(e.subs, sub.ID)
		delete(e.eoseWaiters, sub.ID)
		e.subMu.Unlock()
	}()

	relays := e.publisher.OpenSubscription(sub.ID, sub.Filters...)
	if len(relays) == 0 {
		return nil, newError(KindNoOpenRelays, op, nil)
	}
	result.RelaysQueried = len(relays)

	remaining := make(map[string]bool, len(relays))
	for _, url := range relays {
		remaining[url] = true
	}

	timer := time.NewTimer(e.cfg.SyncTimeout)
	defer timer.Stop()

	e.logger.Info(fmt.Sprintf("Syncing direct messages since %s from %d relays", from.Format(time.RFC3339), len(relays)), "delivery")

wait:
	for len(remaining) > 0 {
		select {
		case url := <-waiter:
			if remaining[url] {
				delete(remaining, url)
				result.RelaysCompleted++
			}
		case <-timer.C:
			result.TimedOut = true
			break wait
		case <-ctx.Done():
			result.TimedOut = true
			break wait
		}
	}

	if result.TimedOut {
		e.logger.Warn(fmt.Sprintf("Sync %s ended with %d/%d relays complete", sub.ID, result.RelaysCompleted, result.RelaysQueried), "delivery")
	}
	return result, nil
}

// syncSince picks the start of a catch-up window: the oldest of the per-conversation
// newest messages minus an overlap, or the default lookback, never beyond the max lookback
func (e *Engine) syncSince(since *time.Time) time.Time {
	now := e.clock.Now()

	var from time.Time
	switch {
	case since != nil:
		from = *since
	default:
		latest, err := e.store.LatestTimestampsByConversation()
		if err != nil {
			e.logger.Error(fmt.Sprintf("Failed to read latest message times: %v", err), "delivery")
		}
		for _, ts := range latest {
			if from.IsZero() || ts.Before(from) {
				from = ts
			}
		}
		if from.IsZero() {
			from = now.Add(-e.cfg.SyncDefaultLookback)
		} else {
			from = from.Add(-e.cfg.SyncOverlap)
		}
	}

	if e.cfg.SyncMaxLookback > 0 {
		if floor := now.Add(-e.cfg.SyncMaxLookback); from.Before(floor) {
			from = floor
		}
	}
	if from.After(now) {
		from = now
	}
	return from
}
