package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

const outgoingColumns = `id, conversation_id, content, recipient_pubkey, created_at, retry_count, next_retry_at, signed_event`

// QueueStats is a snapshot of the retry queue
type QueueStats struct {
	TotalQueued   int        `json:"total_queued"`
	OldestMessage *time.Time `json:"oldest_message,omitempty"`
	NewestMessage *time.Time `json:"newest_message,omitempty"`
}

// EnqueueOutgoing adds or replaces a retry queue entry
func (ms *MessageStore) EnqueueOutgoing(out *types.OutgoingMessage) error {
	if out == nil || out.ID == "" {
		return fmt.Errorf("queue entry id is required")
	}
	if out.SignedEvent == nil {
		return fmt.Errorf("queue entry %s has no signed event", out.ID)
	}

	event, err := json.Marshal(out.SignedEvent)
	if err != nil {
		return fmt.Errorf("failed to encode signed event: %v", err)
	}

	createdAt := out.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	_, err = ms.db.Exec(`
		INSERT OR REPLACE INTO dm_outgoing_queue (`+outgoingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.ConversationID, out.Content, out.RecipientPublicKey, createdAt.UnixMilli(),
		out.RetryCount, out.NextRetryAt.UnixMilli(), string(event),
	)
	if err != nil {
		ms.logger.Error(fmt.Sprintf("Failed to enqueue outgoing message %s: %v", out.ID, err), "database")
		return fmt.Errorf("failed to enqueue outgoing message %s: %v", out.ID, err)
	}
	return nil
}

// DequeueOutgoing removes a retry queue entry; unknown ids are ignored
func (ms *MessageStore) DequeueOutgoing(id string) error {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	if _, err := ms.db.Exec(`DELETE FROM dm_outgoing_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to dequeue outgoing message %s: %v", id, err)
	}
	return nil
}

// ListDue returns entries whose retry time has come and that are below the retry ceiling
func (ms *MessageStore) ListDue(now time.Time) ([]*types.OutgoingMessage, error) {
	due, err := QueryRows(ms.db, `
		SELECT `+outgoingColumns+` FROM dm_outgoing_queue
		WHERE next_retry_at <= ? AND retry_count < ?
		ORDER BY next_retry_at ASC, created_at ASC`,
		func(rows *sql.Rows) (*types.OutgoingMessage, error) { return scanOutgoing(rows) },
		ms.logger, "database", now.UnixMilli(), ms.opts.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to list due messages: %v", err)
	}
	return due, nil
}

// ListOutgoing returns every retry queue entry, oldest first
func (ms *MessageStore) ListOutgoing() ([]*types.OutgoingMessage, error) {
	return QueryRows(ms.db,
		`SELECT `+outgoingColumns+` FROM dm_outgoing_queue ORDER BY created_at ASC`,
		func(rows *sql.Rows) (*types.OutgoingMessage, error) { return scanOutgoing(rows) },
		ms.logger, "database")
}

// GetOutgoing returns one retry queue entry, or nil
func (ms *MessageStore) GetOutgoing(id string) (*types.OutgoingMessage, error) {
	return QueryRowSingle(ms.db,
		`SELECT `+outgoingColumns+` FROM dm_outgoing_queue WHERE id = ?`,
		func(row *sql.Row) (*types.OutgoingMessage, error) { return scanOutgoing(row) },
		ms.logger, "database", id)
}

// UpdateOutgoingRetry records a failed attempt on both the queue entry and its message
func (ms *MessageStore) UpdateOutgoingRetry(id string, retryCount int, nextRetryAt time.Time) error {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	tx, err := ms.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE dm_outgoing_queue SET retry_count = ?, next_retry_at = ? WHERE id = ?`,
		retryCount, nextRetryAt.UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to update queue entry %s: %v", id, err)
	}
	if _, err := tx.Exec(`UPDATE dm_messages SET retry_count = ?, updated_at = ? WHERE id = ?`,
		retryCount, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to update retry count of message %s: %v", id, err)
	}
	return tx.Commit()
}

// ClearOutgoing empties the retry queue and returns the ids that were removed
func (ms *MessageStore) ClearOutgoing() ([]string, error) {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	tx, err := ms.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM dm_outgoing_queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %v", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue id: %v", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM dm_outgoing_queue`); err != nil {
		return nil, fmt.Errorf("failed to clear queue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit queue clear: %v", err)
	}

	ms.logger.Info(fmt.Sprintf("Cleared %d entries from outgoing queue", len(ids)), "database")
	return ids, nil
}

// OutgoingStats summarises the retry queue
func (ms *MessageStore) OutgoingStats() (*QueueStats, error) {
	var (
		total          int
		oldest, newest sql.NullInt64
	)
	err := ms.db.QueryRow(`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM dm_outgoing_queue`).
		Scan(&total, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %v", err)
	}

	stats := &QueueStats{TotalQueued: total}
	if v := ScanNullableInt64(oldest); v != nil {
		t := time.UnixMilli(*v)
		stats.OldestMessage = &t
	}
	if v := ScanNullableInt64(newest); v != nil {
		t := time.UnixMilli(*v)
		stats.NewestMessage = &t
	}
	return stats, nil
}

func scanOutgoing(row rowScanner) (*types.OutgoingMessage, error) {
	var (
		out         types.OutgoingMessage
		createdAt   int64
		nextRetryAt int64
		event       string
	)
	if err := row.Scan(&out.ID, &out.ConversationID, &out.Content, &out.RecipientPublicKey,
		&createdAt, &out.RetryCount, &nextRetryAt, &event); err != nil {
		return nil, err
	}

	out.CreatedAt = time.UnixMilli(createdAt)
	out.NextRetryAt = time.UnixMilli(nextRetryAt)

	var signed types.Event
	if err := json.Unmarshal([]byte(event), &signed); err != nil {
		return nil, fmt.Errorf("failed to decode signed event of %s: %v", out.ID, err)
	}
	out.SignedEvent = &signed
	return &out, nil
}
