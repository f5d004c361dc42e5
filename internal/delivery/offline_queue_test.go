package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// seedQueued stores a queued outgoing message with a due retry entry
func seedQueued(t *testing.T, store *database.MessageStore, id string, retryCount int, due time.Time) {
	msg := &types.Message{
		ID:             id,
		ConversationID: "conv",
		Content:        "hello",
		Timestamp:      due.Add(-time.Minute),
		IsOutgoing:     true,
		Status:         types.StatusQueued,
		EventID:        "event-" + id,
	}
	require.NoError(t, store.PersistMessage(msg))
	require.NoError(t, store.EnqueueOutgoing(&types.OutgoingMessage{
		ID:          id,
		CreatedAt:   msg.Timestamp,
		RetryCount:  retryCount,
		NextRetryAt: due,
		SignedEvent: &types.Event{ID: "event-" + id, Kind: types.KindDirectMessage},
	}))
}

func newTestProcessor(t *testing.T, store *database.MessageStore, clock Clock, publish PublishFunc) *OfflineQueueProcessor {
	policy := NewRetryPolicy(RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	return NewOfflineQueueProcessor(OfflineQueueConfig{
		Store:   store,
		Publish: publish,
		Transition: func(id string, to types.MessageStatus) bool {
			ok, err := store.UpdateStatus(id, to)
			require.NoError(t, err)
			return ok
		},
		Decide: func(retryCount int) RetryDecision {
			return policy.ShouldRetry(retryCount, nil, clock.Now(), nil)
		},
		Clock:  clock,
		Logger: testLogger{t},
	})
}

func TestOfflineQueueProcessPublishesDueEntries(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	clock := newFakeClock()
	now := clock.Now()

	seedQueued(t, store, "due", 0, now.Add(-time.Second))
	seedQueued(t, store, "later", 0, now.Add(time.Hour))

	var published []string
	oqp := newTestProcessor(t, store, clock, func(ctx context.Context, out *types.OutgoingMessage) bool {
		published = append(published, out.ID)
		return true
	})

	result, err := oqp.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, []string{"due"}, published)

	msg, err := store.GetMessage("due")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, msg.Status)

	entry, err := store.GetOutgoing("due")
	require.NoError(t, err)
	assert.Nil(t, entry)

	status, err := oqp.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalQueued)
	assert.False(t, status.IsProcessing)
}

func TestOfflineQueueFailureRequeuesThenGivesUp(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	clock := newFakeClock()
	seedQueued(t, store, "m1", 1, clock.Now())

	oqp := newTestProcessor(t, store, clock, func(context.Context, *types.OutgoingMessage) bool { return false })

	result, err := oqp.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)

	entry, err := store.GetOutgoing("m1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.RetryCount)
	assert.WithinDuration(t, clock.Now().Add(4*time.Second), entry.NextRetryAt, time.Millisecond)

	msg, _ := store.GetMessage("m1")
	assert.Equal(t, types.StatusQueued, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)

	// not due yet
	result, err = oqp.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)

	clock.Advance(5 * time.Second)
	result, err = oqp.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	msg, _ = store.GetMessage("m1")
	assert.Equal(t, types.StatusFailed, msg.Status)
	entry, _ = store.GetOutgoing("m1")
	assert.Nil(t, entry)
}

func TestOfflineQueueProcessIsExclusive(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	clock := newFakeClock()
	seedQueued(t, store, "m1", 0, clock.Now())

	entered := make(chan struct{})
	release := make(chan struct{})
	oqp := newTestProcessor(t, store, clock, func(context.Context, *types.OutgoingMessage) bool {
		close(entered)
		<-release
		return true
	})

	done := make(chan *QueueRunResult)
	go func() {
		result, _ := oqp.Process(context.Background())
		done <- result
	}()

	<-entered
	assert.True(t, oqp.IsProcessing())

	second, err := oqp.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, "already-processing", second.SkipReason)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Published)
	assert.False(t, oqp.IsProcessing())
}

func TestOfflineQueueSkipsWhenOffline(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	clock := newFakeClock()
	seedQueued(t, store, "m1", 0, clock.Now())

	oqp := newTestProcessor(t, store, clock, func(context.Context, *types.OutgoingMessage) bool {
		t.Fatal("published while offline")
		return false
	})
	oqp.cfg.Network = func() types.NetworkState { return types.NetworkState{IsOnline: true} }

	result, err := oqp.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "offline", result.SkipReason)
}

func TestOfflineQueueDropsEntriesAlreadyAccepted(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	clock := newFakeClock()
	seedQueued(t, store, "m1", 0, clock.Now())

	for _, next := range []types.MessageStatus{types.StatusSending, types.StatusAccepted} {
		_, err := store.UpdateStatus("m1", next)
		require.NoError(t, err)
	}

	oqp := newTestProcessor(t, store, clock, func(context.Context, *types.OutgoingMessage) bool {
		t.Fatal("accepted message published again")
		return false
	})

	result, err := oqp.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)

	entry, _ := store.GetOutgoing("m1")
	assert.Nil(t, entry)
}

func TestOfflineQueueClearMarksFailed(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	clock := newFakeClock()
	seedQueued(t, store, "m1", 0, clock.Now())
	seedQueued(t, store, "m2", 0, clock.Now().Add(time.Hour))

	oqp := newTestProcessor(t, store, clock, func(context.Context, *types.OutgoingMessage) bool { return true })

	ids, err := oqp.Clear()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

	for _, id := range ids {
		msg, _ := store.GetMessage(id)
		assert.Equal(t, types.StatusFailed, msg.Status)
	}
	status, err := oqp.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, status.TotalQueued)
}
