package database

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

func setupTestMessageStore(t *testing.T, retention int) (*MessageStore, *mockLogger) {
	db := openTestDB(t)
	logger := &mockLogger{}
	store, err := NewMessageStore(db, logger, MessageStoreOptions{
		RetentionPerConversation: retention,
		MaxRetries:               5,
	})
	if err != nil {
		t.Fatalf("Failed to create message store: %v", err)
	}
	return store, logger
}

func testMessage(id, conversationID string, ts time.Time, status types.MessageStatus) *types.Message {
	return &types.Message{
		ID:                 id,
		ConversationID:     conversationID,
		Content:            "hello " + id,
		Timestamp:          ts,
		IsOutgoing:         true,
		Status:             status,
		EventID:            "ev-" + id,
		SenderPublicKey:    "aa",
		RecipientPublicKey: "bb",
		EncryptedContent:   "cipher-" + id,
	}
}

func testOutgoing(id string, retryCount int, nextRetryAt time.Time) *types.OutgoingMessage {
	return &types.OutgoingMessage{
		ID:                 id,
		ConversationID:     "conv",
		Content:            "queued " + id,
		RecipientPublicKey: "bb",
		CreatedAt:          nextRetryAt.Add(-time.Minute),
		RetryCount:         retryCount,
		NextRetryAt:        nextRetryAt,
		SignedEvent:        &types.Event{ID: "ev-" + id, Kind: types.KindDirectMessage, Tags: []types.Tag{{"p", "bb"}}},
	}
}

func TestPersistAndGetMessage(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	now := time.UnixMilli(time.Now().UnixMilli())

	msg := testMessage("m1", "conv", now, types.StatusSending)
	msg.ReplyTo = "m0"
	msg.RelayResults = []types.RelayResult{{RelayURL: "wss://a", Success: true, LatencyMs: 12}}

	if err := store.PersistMessage(msg); err != nil {
		t.Fatalf("Failed to persist message: %v", err)
	}

	got, err := store.GetMessage("m1")
	if err != nil {
		t.Fatalf("Failed to get message: %v", err)
	}
	if got == nil {
		t.Fatal("Expected message to be retrieved, got nil")
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("Expected timestamp %v, got %v", now, got.Timestamp)
	}
	if got.EventID != "ev-m1" || got.ReplyTo != "m0" || !got.IsOutgoing {
		t.Errorf("Unexpected message fields: %+v", got)
	}
	if len(got.RelayResults) != 1 || got.RelayResults[0].LatencyMs != 12 {
		t.Errorf("Expected one relay result with latency 12, got %+v", got.RelayResults)
	}

	missing, err := store.GetMessage("nope")
	if err != nil {
		t.Errorf("Expected no error for unknown id, got %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for unknown id, got %+v", missing)
	}
}

func TestPersistConvergesOnValidTransitions(t *testing.T) {
	store, logger := setupTestMessageStore(t, 500)
	now := time.Now()

	if err := store.PersistMessage(testMessage("m1", "conv", now, types.StatusSending)); err != nil {
		t.Fatalf("Failed to persist message: %v", err)
	}
	if err := store.PersistMessage(testMessage("m1", "conv", now, types.StatusAccepted)); err != nil {
		t.Fatalf("Failed to persist accepted message: %v", err)
	}

	// a late write carrying an older in-flight status must not move the record backwards
	stale := testMessage("m1", "conv", now, types.StatusSending)
	stale.EventID = "ev-other"
	if err := store.PersistMessage(stale); err != nil {
		t.Fatalf("Failed to persist stale message: %v", err)
	}

	got, err := store.GetMessage("m1")
	if err != nil || got == nil {
		t.Fatalf("Failed to get message: %v", err)
	}
	if got.Status != types.StatusAccepted {
		t.Errorf("Expected status accepted, got %s", got.Status)
	}
	if got.EventID != "ev-m1" {
		t.Errorf("Expected event id to stay ev-m1, got %s", got.EventID)
	}
	if len(logger.warnings) == 0 {
		t.Error("Expected the invalid transition to be logged")
	}

	count, err := store.CountByConversation("conv")
	if err != nil {
		t.Fatalf("Failed to count messages: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 stored message, got %d", count)
	}
}

func TestListByConversationNewestFirst(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	base := time.Now().Add(-time.Hour)

	offsets := rand.New(rand.NewSource(42)).Perm(30)
	for i, off := range offsets {
		ts := base.Add(time.Duration(off%20) * time.Second) // some ties
		if err := store.PersistMessage(testMessage(fmt.Sprintf("m%d", i), "conv", ts, types.StatusDelivered)); err != nil {
			t.Fatalf("Failed to persist message %d: %v", i, err)
		}
	}
	if err := store.PersistMessage(testMessage("other", "conv-2", base, types.StatusDelivered)); err != nil {
		t.Fatalf("Failed to persist message in other conversation: %v", err)
	}

	page, err := store.ListByConversation("conv", PageOptions{Limit: 100})
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if len(page.Messages) != 30 {
		t.Fatalf("Expected 30 messages, got %d", len(page.Messages))
	}
	for i := 1; i < len(page.Messages); i++ {
		if page.Messages[i].Timestamp.After(page.Messages[i-1].Timestamp) {
			t.Fatalf("Messages not sorted newest-first at index %d", i)
		}
	}
	if page.HasMore {
		t.Error("Expected no further pages")
	}
}

func TestPaginationStableUnderConcurrentInserts(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 10; i++ {
		if err := store.PersistMessage(testMessage(fmt.Sprintf("m%02d", i), "conv", base.Add(time.Duration(i)*time.Minute), types.StatusDelivered)); err != nil {
			t.Fatalf("Failed to persist message: %v", err)
		}
	}

	first, err := store.ListByConversation("conv", PageOptions{Limit: 4})
	if err != nil {
		t.Fatalf("Failed to list first page: %v", err)
	}
	if !first.HasMore {
		t.Error("Expected more pages after the first")
	}

	// a new message arrives between page reads
	if err := store.PersistMessage(testMessage("new", "conv", time.Now(), types.StatusDelivered)); err != nil {
		t.Fatalf("Failed to persist new message: %v", err)
	}

	second, err := store.ListByConversation("conv", PageOptions{Limit: 4, Offset: 4, Snapshot: first.Snapshot})
	if err != nil {
		t.Fatalf("Failed to list second page: %v", err)
	}
	if len(second.Messages) != 4 {
		t.Fatalf("Expected 4 messages on second page, got %d", len(second.Messages))
	}
	if second.Messages[0].ID != "m05" {
		t.Errorf("Expected second page to start at m05, got %s", second.Messages[0].ID)
	}

	fresh, err := store.ListByConversation("conv", PageOptions{Limit: 1})
	if err != nil {
		t.Fatalf("Failed to list fresh page: %v", err)
	}
	if fresh.Messages[0].ID != "new" {
		t.Errorf("Expected a fresh session to see the new message first, got %s", fresh.Messages[0].ID)
	}
}

func TestUpdateStatusRejectsInvalidTransitions(t *testing.T) {
	statuses := []types.MessageStatus{
		types.StatusSending, types.StatusQueued, types.StatusAccepted,
		types.StatusRejected, types.StatusDelivered, types.StatusFailed,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			if from == to || types.CanTransition(from, to) {
				continue
			}
			store, _ := setupTestMessageStore(t, 500)
			if err := store.PersistMessage(testMessage("m", "conv", time.Now(), from)); err != nil {
				t.Fatalf("Failed to persist message: %v", err)
			}

			applied, err := store.UpdateStatus("m", to)
			if err != nil {
				t.Fatalf("UpdateStatus(%s -> %s) returned error: %v", from, to, err)
			}
			if applied {
				t.Errorf("Expected %s -> %s to be rejected", from, to)
			}

			got, _ := store.GetMessage("m")
			if got.Status != from {
				t.Errorf("Expected status to stay %s after invalid %s -> %s, got %s", from, from, to, got.Status)
			}
		}
	}
}

func TestUpdateStatusValidAndUnknown(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	if err := store.PersistMessage(testMessage("m", "conv", time.Now(), types.StatusSending)); err != nil {
		t.Fatalf("Failed to persist message: %v", err)
	}

	applied, err := store.UpdateStatus("m", types.StatusAccepted)
	if err != nil || !applied {
		t.Fatalf("Expected sending -> accepted to apply, got %v (%v)", applied, err)
	}

	applied, err = store.UpdateStatus("unknown", types.StatusAccepted)
	if err != nil {
		t.Errorf("Expected unknown id to be a no-op, got error %v", err)
	}
	if applied {
		t.Error("Expected unknown id not to apply")
	}
}

func TestRetentionBound(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	base := time.Now().Add(-24 * time.Hour)

	order := rand.New(rand.NewSource(7)).Perm(550)
	for _, i := range order {
		msg := testMessage(fmt.Sprintf("m%03d", i), "conv", base.Add(time.Duration(i)*time.Second), types.StatusDelivered)
		if err := store.PersistMessage(msg); err != nil {
			t.Fatalf("Failed to persist message %d: %v", i, err)
		}
	}

	count, err := store.CountByConversation("conv")
	if err != nil {
		t.Fatalf("Failed to count messages: %v", err)
	}
	if count != 500 {
		t.Fatalf("Expected 500 retained messages, got %d", count)
	}

	page, err := store.ListByConversation("conv", PageOptions{Limit: 500})
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	cutoff := base.Add(50 * time.Second)
	for _, msg := range page.Messages {
		if msg.Timestamp.Before(cutoff) {
			t.Fatalf("Message %s is older than the 500 most recent", msg.ID)
		}
	}
}

func TestRetentionSparesQueuedMessages(t *testing.T) {
	store, _ := setupTestMessageStore(t, 3)
	base := time.Now().Add(-time.Hour)

	if err := store.PersistMessage(testMessage("m0", "conv", base, types.StatusQueued)); err != nil {
		t.Fatalf("Failed to persist queued message: %v", err)
	}
	if err := store.EnqueueOutgoing(testOutgoing("m0", 0, base)); err != nil {
		t.Fatalf("Failed to enqueue message: %v", err)
	}

	for i := 1; i <= 4; i++ {
		if err := store.PersistMessage(testMessage(fmt.Sprintf("m%d", i), "conv", base.Add(time.Duration(i)*time.Minute), types.StatusDelivered)); err != nil {
			t.Fatalf("Failed to persist message: %v", err)
		}
	}

	if got, _ := store.GetMessage("m0"); got == nil {
		t.Error("Expected queued message to survive eviction")
	}
	if got, _ := store.GetMessage("m1"); got != nil {
		t.Error("Expected oldest unqueued message to be evicted")
	}
	if got, _ := store.GetMessage("m4"); got == nil {
		t.Error("Expected newest message to be kept")
	}
}

func TestListDue(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	now := time.Now()

	entries := []*types.OutgoingMessage{
		testOutgoing("past", 1, now.Add(-time.Minute)),
		testOutgoing("future", 0, now.Add(time.Minute)),
		testOutgoing("exhausted", 5, now.Add(-time.Minute)),
	}
	for _, e := range entries {
		if err := store.EnqueueOutgoing(e); err != nil {
			t.Fatalf("Failed to enqueue %s: %v", e.ID, err)
		}
	}

	due, err := store.ListDue(now)
	if err != nil {
		t.Fatalf("Failed to list due entries: %v", err)
	}
	if len(due) != 1 || due[0].ID != "past" {
		t.Fatalf("Expected only the past entry to be due, got %d entries", len(due))
	}
	if due[0].SignedEvent == nil || due[0].SignedEvent.ID != "ev-past" {
		t.Errorf("Expected signed event to round trip, got %+v", due[0].SignedEvent)
	}
}

func TestOutgoingQueueLifecycle(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	now := time.Now()

	if err := store.PersistMessage(testMessage("a", "conv", now, types.StatusQueued)); err != nil {
		t.Fatalf("Failed to persist message: %v", err)
	}
	for i, id := range []string{"a", "b"} {
		if err := store.EnqueueOutgoing(testOutgoing(id, 0, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Failed to enqueue %s: %v", id, err)
		}
	}

	stats, err := store.OutgoingStats()
	if err != nil {
		t.Fatalf("Failed to get queue stats: %v", err)
	}
	if stats.TotalQueued != 2 || stats.OldestMessage == nil || stats.NewestMessage == nil {
		t.Fatalf("Unexpected queue stats: %+v", stats)
	}
	if stats.NewestMessage.Before(*stats.OldestMessage) {
		t.Error("Expected newest to be at or after oldest")
	}

	next := now.Add(time.Hour)
	if err := store.UpdateOutgoingRetry("a", 2, next); err != nil {
		t.Fatalf("Failed to update retry: %v", err)
	}
	entry, err := store.GetOutgoing("a")
	if err != nil || entry == nil {
		t.Fatalf("Failed to get queue entry: %v", err)
	}
	if entry.RetryCount != 2 || entry.NextRetryAt.UnixMilli() != next.UnixMilli() {
		t.Errorf("Unexpected queue entry after retry update: %+v", entry)
	}
	if msg, _ := store.GetMessage("a"); msg.RetryCount != 2 {
		t.Errorf("Expected message retry count 2, got %d", msg.RetryCount)
	}

	if err := store.DequeueOutgoing("b"); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if err := store.DequeueOutgoing("b"); err != nil {
		t.Errorf("Expected dequeue of unknown id to be a no-op, got %v", err)
	}

	cleared, err := store.ClearOutgoing()
	if err != nil {
		t.Fatalf("Failed to clear queue: %v", err)
	}
	if len(cleared) != 1 || cleared[0] != "a" {
		t.Errorf("Expected to clear [a], got %v", cleared)
	}
	stats, _ = store.OutgoingStats()
	if stats.TotalQueued != 0 || stats.OldestMessage != nil {
		t.Errorf("Expected empty queue stats, got %+v", stats)
	}
}

func TestEventLookupAndRelayResults(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	if err := store.PersistMessage(testMessage("m1", "conv", time.Now(), types.StatusSending)); err != nil {
		t.Fatalf("Failed to persist message: %v", err)
	}

	has, err := store.HasEvent("ev-m1")
	if err != nil || !has {
		t.Fatalf("Expected event ev-m1 to be known, got %v (%v)", has, err)
	}
	if has, _ := store.HasEvent("ev-unknown"); has {
		t.Error("Expected unknown event not to be found")
	}

	byEvent, err := store.GetMessageByEventID("ev-m1")
	if err != nil || byEvent == nil || byEvent.ID != "m1" {
		t.Fatalf("Expected lookup by event id to find m1, got %+v (%v)", byEvent, err)
	}

	if err := store.AppendRelayResult("m1", types.RelayResult{RelayURL: "wss://a", Success: false, Error: "timeout"}); err != nil {
		t.Fatalf("Failed to append relay result: %v", err)
	}
	if err := store.AppendRelayResult("m1", types.RelayResult{RelayURL: "wss://b", Success: true}); err != nil {
		t.Fatalf("Failed to append relay result: %v", err)
	}
	if err := store.AppendRelayResult("m1", types.RelayResult{RelayURL: "wss://a", Success: true}); err != nil {
		t.Fatalf("Failed to append relay result: %v", err)
	}

	got, _ := store.GetMessage("m1")
	if len(got.RelayResults) != 2 {
		t.Fatalf("Expected 2 relay results, got %d", len(got.RelayResults))
	}
	for _, r := range got.RelayResults {
		if !r.Success {
			t.Errorf("Expected relay %s to be successful after its later answer", r.RelayURL)
		}
	}

	if err := store.DeleteMessage("m1"); err != nil {
		t.Fatalf("Failed to delete message: %v", err)
	}
	if got, _ := store.GetMessage("m1"); got != nil {
		t.Error("Expected message to be deleted")
	}
}

func TestLatestTimestampsAndConversations(t *testing.T) {
	store, _ := setupTestMessageStore(t, 500)
	base := time.UnixMilli(time.Now().Add(-time.Hour).UnixMilli())

	_ = store.PersistMessage(testMessage("a1", "conv-a", base, types.StatusDelivered))
	_ = store.PersistMessage(testMessage("a2", "conv-a", base.Add(time.Minute), types.StatusDelivered))
	_ = store.PersistMessage(testMessage("b1", "conv-b", base.Add(2*time.Minute), types.StatusDelivered))

	latest, err := store.LatestTimestampsByConversation()
	if err != nil {
		t.Fatalf("Failed to get latest timestamps: %v", err)
	}
	if !latest["conv-a"].Equal(base.Add(time.Minute)) {
		t.Errorf("Expected conv-a latest %v, got %v", base.Add(time.Minute), latest["conv-a"])
	}

	conversations, err := store.ListConversations()
	if err != nil {
		t.Fatalf("Failed to list conversations: %v", err)
	}
	if len(conversations) != 2 || conversations[0].ConversationID != "conv-b" {
		t.Fatalf("Expected conv-b first among 2 conversations, got %+v", conversations)
	}
	if conversations[1].MessageCount != 2 || conversations[1].PeerPublicKey != "bb" {
		t.Errorf("Unexpected conv-a summary: %+v", conversations[1])
	}
}
