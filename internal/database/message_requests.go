package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// MessageRequest is an inbound message from a sender that is not an accepted contact
type MessageRequest struct {
	EventID         string       `json:"event_id"`
	SenderPublicKey string       `json:"sender_public_key"`
	Content         string       `json:"content"`
	Event           *types.Event `json:"event"`
	ReceivedAt      time.Time    `json:"received_at"`
}

// InitMessageRequestsTable creates the message requests table if it doesn't exist
func (sm *SQLiteManager) InitMessageRequestsTable() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS message_requests (
		event_id TEXT PRIMARY KEY,
		sender_pubkey TEXT NOT NULL,
		content TEXT NOT NULL,
		event_json TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_message_requests_sender ON message_requests(sender_pubkey, received_at);
	`

	if _, err := sm.db.Exec(createTableSQL); err != nil {
		sm.logger.Error("Failed to create message requests table", "database")
		return err
	}

	sm.logger.Info("Message requests table initialized", "database")
	return nil
}

// StoreRequest keeps a request; the same event is stored once.
// The returned flag is false when the event was already present.
func (sm *SQLiteManager) StoreRequest(req *MessageRequest) (bool, error) {
	if req == nil || req.Event == nil {
		return false, fmt.Errorf("request event is required")
	}

	eventJSON, err := json.Marshal(req.Event)
	if err != nil {
		return false, fmt.Errorf("failed to encode request event: %v", err)
	}

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	result, err := sm.db.Exec(`
		INSERT OR IGNORE INTO message_requests (event_id, sender_pubkey, content, event_json, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		req.EventID, normalizeKey(req.SenderPublicKey), req.Content, string(eventJSON), receivedAt.UnixMilli())
	if err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to store message request: %v", err), "database")
		return false, err
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ListRequests returns every pending request, newest first
func (sm *SQLiteManager) ListRequests() ([]*MessageRequest, error) {
	return QueryRows(sm.db, `
		SELECT event_id, sender_pubkey, content, event_json, received_at
		FROM message_requests ORDER BY received_at DESC`,
		func(rows *sql.Rows) (*MessageRequest, error) { return scanRequest(rows) },
		sm.logger, "database")
}

// ListRequestsFromSender returns one sender's requests, oldest first
func (sm *SQLiteManager) ListRequestsFromSender(publicKey string) ([]*MessageRequest, error) {
	return QueryRows(sm.db, `
		SELECT event_id, sender_pubkey, content, event_json, received_at
		FROM message_requests WHERE sender_pubkey = ? ORDER BY received_at ASC`,
		func(rows *sql.Rows) (*MessageRequest, error) { return scanRequest(rows) },
		sm.logger, "database", normalizeKey(publicKey))
}

// DeleteRequestsFromSender drops all requests of a sender
func (sm *SQLiteManager) DeleteRequestsFromSender(publicKey string) (int64, error) {
	result, err := sm.db.Exec(`DELETE FROM message_requests WHERE sender_pubkey = ?`, normalizeKey(publicKey))
	if err != nil {
		sm.logger.Error("Failed to delete message requests", "database")
		return 0, err
	}
	return result.RowsAffected()
}

func scanRequest(rows *sql.Rows) (*MessageRequest, error) {
	var (
		req        MessageRequest
		eventJSON  string
		receivedAt int64
	)
	if err := rows.Scan(&req.EventID, &req.SenderPublicKey, &req.Content, &eventJSON, &receivedAt); err != nil {
		return nil, err
	}

	var ev types.Event
	if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
		return nil, fmt.Errorf("failed to decode request event: %v", err)
	}
	req.Event = &ev
	req.ReceivedAt = time.UnixMilli(receivedAt)
	return &req, nil
}
