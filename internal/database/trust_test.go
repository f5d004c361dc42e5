package database

import (
	"database/sql"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

func setupTestSQLiteManager(t *testing.T) *SQLiteManager {
	db := openTestDB(t)
	cm := utils.NewConfigManager("")

	sqlm, err := NewSQLiteManagerWithDB(db, cm, &mockLogger{})
	if err != nil {
		t.Fatalf("Failed to create SQLite manager: %v", err)
	}
	return sqlm
}

func TestBlocklist(t *testing.T) {
	sqlm := setupTestSQLiteManager(t)

	if err := sqlm.AddToBlocklist("ABCDEF", "spam"); err != nil {
		t.Fatalf("Failed to block sender: %v", err)
	}

	blocked, err := sqlm.IsBlocked("abcdef")
	if err != nil {
		t.Fatalf("Failed to check blocklist: %v", err)
	}
	if !blocked {
		t.Error("Expected sender to be blocked regardless of key case")
	}

	list, err := sqlm.GetBlocklist()
	if err != nil {
		t.Fatalf("Failed to get blocklist: %v", err)
	}
	if len(list) != 1 || list[0].Reason != "spam" {
		t.Errorf("Unexpected blocklist: %+v", list)
	}

	if err := sqlm.RemoveFromBlocklist("abcdef"); err != nil {
		t.Fatalf("Failed to unblock sender: %v", err)
	}
	if err := sqlm.RemoveFromBlocklist("abcdef"); err != sql.ErrNoRows {
		t.Errorf("Expected sql.ErrNoRows for unknown sender, got %v", err)
	}
}

func TestContacts(t *testing.T) {
	sqlm := setupTestSQLiteManager(t)

	accepted, err := sqlm.IsAccepted("alice")
	if err != nil {
		t.Fatalf("Failed to check contact: %v", err)
	}
	if accepted {
		t.Error("Expected unknown key not to be accepted")
	}

	if err := sqlm.AcceptContact("alice", "Alice"); err != nil {
		t.Fatalf("Failed to accept contact: %v", err)
	}
	if err := sqlm.AcceptContact("alice", ""); err != nil {
		t.Fatalf("Failed to re-accept contact: %v", err)
	}

	contacts, err := sqlm.ListContacts()
	if err != nil {
		t.Fatalf("Failed to list contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Petname != "Alice" {
		t.Errorf("Expected single contact with petname Alice, got %+v", contacts)
	}

	if err := sqlm.RemoveContact("alice"); err != nil {
		t.Fatalf("Failed to remove contact: %v", err)
	}
	if accepted, _ := sqlm.IsAccepted("alice"); accepted {
		t.Error("Expected removed contact not to be accepted")
	}
}

func TestMessageRequests(t *testing.T) {
	sqlm := setupTestSQLiteManager(t)

	ev := &types.Event{ID: "ev1", PubKey: "stranger", Kind: types.KindDirectMessage, Content: "cipher"}
	req := &MessageRequest{EventID: "ev1", SenderPublicKey: "stranger", Content: "hi", Event: ev, ReceivedAt: time.Now()}

	stored, err := sqlm.StoreRequest(req)
	if err != nil || !stored {
		t.Fatalf("Expected request to be stored, got %v (%v)", stored, err)
	}
	stored, err = sqlm.StoreRequest(req)
	if err != nil {
		t.Fatalf("Failed to store duplicate request: %v", err)
	}
	if stored {
		t.Error("Expected duplicate request to be ignored")
	}

	fromSender, err := sqlm.ListRequestsFromSender("stranger")
	if err != nil {
		t.Fatalf("Failed to list requests: %v", err)
	}
	if len(fromSender) != 1 || fromSender[0].Event.ID != "ev1" || fromSender[0].Content != "hi" {
		t.Fatalf("Unexpected requests: %+v", fromSender)
	}

	deleted, err := sqlm.DeleteRequestsFromSender("stranger")
	if err != nil {
		t.Fatalf("Failed to delete requests: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted request, got %d", deleted)
	}

	all, _ := sqlm.ListRequests()
	if len(all) != 0 {
		t.Errorf("Expected no requests left, got %d", len(all))
	}
}

func TestRelayHealth(t *testing.T) {
	sqlm := setupTestSQLiteManager(t)
	now := time.Now()

	outcomes := []types.RelayResult{
		{RelayURL: "wss://a", Success: true, LatencyMs: 30},
		{RelayURL: "wss://a", Success: false, Error: "rate-limited"},
		{RelayURL: "wss://b", Success: false, Error: "timeout"},
	}
	for _, o := range outcomes {
		if err := sqlm.RelayHealth.RecordRelayOutcome(o, now); err != nil {
			t.Fatalf("Failed to record outcome: %v", err)
		}
	}
	if err := sqlm.RelayHealth.RecordRelayOutcome(types.RelayResult{RelayURL: "wss://c", Success: true}, now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("Failed to record old outcome: %v", err)
	}

	health, err := sqlm.RelayHealth.GetRelayHealth(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Failed to get relay health: %v", err)
	}
	if len(health) != 2 {
		t.Fatalf("Expected health for 2 relays, got %d", len(health))
	}
	if health[0].RelayURL != "wss://a" || health[0].Successes != 1 || health[0].Failures != 1 {
		t.Errorf("Unexpected health for wss://a: %+v", health[0])
	}

	cleaned, err := sqlm.RelayHealth.CleanupOldOutcomes(24 * time.Hour)
	if err != nil {
		t.Fatalf("Failed to cleanup outcomes: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("Expected 1 cleaned outcome, got %d", cleaned)
	}
}
