package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

const messageColumns = `id, conversation_id, content, timestamp, is_outgoing, status, event_id,
	sender_pubkey, recipient_pubkey, encrypted_content, relay_results, retry_count, reply_to`

// MessageStoreOptions bound the store's retention and retry queue
type MessageStoreOptions struct {
	RetentionPerConversation int
	MaxRetries               int
}

// MessageStore persists direct messages and the outbound retry queue
type MessageStore struct {
	db     *sql.DB
	logger Logger
	opts   MessageStoreOptions

	// single writer; reads go straight to the pool
	writeMu sync.Mutex
}

// PageOptions selects one page of a conversation.
// Snapshot pins the page set to messages stored before the first page was read.
type PageOptions struct {
	Limit    int
	Offset   int
	Snapshot int64
}

// Page is one newest-first slice of a conversation
type Page struct {
	Messages []*types.Message `json:"messages"`
	Snapshot int64            `json:"snapshot"`
	HasMore  bool             `json:"has_more"`
}

// ConversationSummary describes one conversation in the store
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	PeerPublicKey  string    `json:"peer_public_key"`
	LastMessageAt  time.Time `json:"last_message_at"`
	MessageCount   int       `json:"message_count"`
}

// NewMessageStore creates the message and retry queue tables
func NewMessageStore(db *sql.DB, logger Logger, opts MessageStoreOptions) (*MessageStore, error) {
	if opts.RetentionPerConversation <= 0 {
		opts.RetentionPerConversation = 500
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	ms := &MessageStore{
		db:     db,
		logger: logger,
		opts:   opts,
	}

	if err := ms.createTables(); err != nil {
		return nil, err
	}

	logger.Info("Message store initialized", "database")
	return ms, nil
}

func (ms *MessageStore) createTables() error {
	createTablesSQL := `
	CREATE TABLE IF NOT EXISTS dm_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		is_outgoing INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		event_id TEXT,
		sender_pubkey TEXT NOT NULL,
		recipient_pubkey TEXT NOT NULL,
		encrypted_content TEXT,
		relay_results TEXT NOT NULL DEFAULT '[]',
		retry_count INTEGER NOT NULL DEFAULT 0,
		reply_to TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dm_messages_conversation ON dm_messages(conversation_id, timestamp DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_dm_messages_event ON dm_messages(event_id);
	CREATE INDEX IF NOT EXISTS idx_dm_messages_status ON dm_messages(status);

	CREATE TABLE IF NOT EXISTS dm_outgoing_queue (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		content TEXT NOT NULL,
		recipient_pubkey TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		signed_event TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dm_outgoing_due ON dm_outgoing_queue(next_retry_at);
	`

	if _, err := ms.db.Exec(createTablesSQL); err != nil {
		ms.logger.Error(fmt.Sprintf("Failed to create message tables: %v", err), "database")
		return fmt.Errorf("failed to create message tables: %v", err)
	}
	return nil
}

// MaxRetries returns the retry ceiling used by ListDue
func (ms *MessageStore) MaxRetries() int {
	return ms.opts.MaxRetries
}

// PersistMessage upserts a message by id.
// An existing record keeps its event id, and its status only moves along a valid transition.
func (ms *MessageStore) PersistMessage(msg *types.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !msg.Status.IsValid() {
		return fmt.Errorf("invalid message status %q", msg.Status)
	}

	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	tx, err := ms.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	var (
		currentStatus  string
		currentEventID sql.NullString
	)
	err = tx.QueryRow(`SELECT status, event_id FROM dm_messages WHERE id = ?`, msg.ID).Scan(&currentStatus, &currentEventID)

	switch {
	case err == sql.ErrNoRows:
		if err := ms.insertMessage(tx, msg); err != nil {
			return err
		}
		if err := ms.enforceRetention(tx, msg.ConversationID); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read message %s: %v", msg.ID, err)
	default:
		if err := ms.mergeMessage(tx, msg, types.MessageStatus(currentStatus), currentEventID.String); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message %s: %v", msg.ID, err)
	}
	return nil
}

func (ms *MessageStore) insertMessage(tx *sql.Tx, msg *types.Message) error {
	results, err := encodeRelayResults(msg.RelayResults)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO dm_messages (`+messageColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Content, msg.Timestamp.UnixMilli(), msg.IsOutgoing,
		string(msg.Status), nullIfEmpty(msg.EventID), msg.SenderPublicKey, msg.RecipientPublicKey,
		nullIfEmpty(msg.EncryptedContent), results, msg.RetryCount, nullIfEmpty(msg.ReplyTo),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %v", msg.ID, err)
	}
	return nil
}

func (ms *MessageStore) mergeMessage(tx *sql.Tx, msg *types.Message, current types.MessageStatus, currentEventID string) error {
	status := msg.Status
	if status != current && !types.CanTransition(current, status) {
		ms.logger.Warn(fmt.Sprintf("Ignoring invalid status transition %s -> %s for message %s", current, status, msg.ID), "database")
		status = current
	}

	eventID := currentEventID
	if eventID == "" {
		eventID = msg.EventID
	}

	var results interface{}
	if len(msg.RelayResults) > 0 {
		encoded, err := encodeRelayResults(msg.RelayResults)
		if err != nil {
			return err
		}
		results = encoded
	}

	_, err := tx.Exec(`
		UPDATE dm_messages SET
			content = ?,
			status = ?,
			event_id = ?,
			encrypted_content = COALESCE(?, encrypted_content),
			relay_results = COALESCE(?, relay_results),
			retry_count = ?,
			reply_to = COALESCE(?, reply_to),
			updated_at = ?
		WHERE id = ?`,
		msg.Content, string(status), nullIfEmpty(eventID), nullIfEmpty(msg.EncryptedContent), results,
		msg.RetryCount, nullIfEmpty(msg.ReplyTo), time.Now().UnixMilli(), msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %v", msg.ID, err)
	}
	return nil
}

// enforceRetention evicts the oldest messages beyond the cap, sparing anything still queued
func (ms *MessageStore) enforceRetention(tx *sql.Tx, conversationID string) error {
	res, err := tx.Exec(`
		DELETE FROM dm_messages
		WHERE id IN (
			SELECT id FROM dm_messages
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, seq DESC
			LIMIT -1 OFFSET ?
		)
		AND id NOT IN (SELECT id FROM dm_outgoing_queue)`,
		conversationID, ms.opts.RetentionPerConversation,
	)
	if err != nil {
		return fmt.Errorf("failed to enforce retention for conversation %s: %v", conversationID, err)
	}
	if evicted, _ := res.RowsAffected(); evicted > 0 {
		ms.logger.Info(fmt.Sprintf("Evicted %d old messages from conversation %s", evicted, conversationID), "database")
	}
	return nil
}

// GetMessage returns a message by id, or nil if unknown
func (ms *MessageStore) GetMessage(id string) (*types.Message, error) {
	return QueryRowSingle(ms.db,
		`SELECT `+messageColumns+` FROM dm_messages WHERE id = ?`,
		func(row *sql.Row) (*types.Message, error) { return scanMessage(row) },
		ms.logger, "database", id)
}

// GetMessageByEventID returns the message carrying the given protocol event id, or nil
func (ms *MessageStore) GetMessageByEventID(eventID string) (*types.Message, error) {
	if eventID == "" {
		return nil, nil
	}
	return QueryRowSingle(ms.db,
		`SELECT `+messageColumns+` FROM dm_messages WHERE event_id = ? ORDER BY seq ASC LIMIT 1`,
		func(row *sql.Row) (*types.Message, error) { return scanMessage(row) },
		ms.logger, "database", eventID)
}

// HasEvent reports whether an event has already been stored as a message
func (ms *MessageStore) HasEvent(eventID string) (bool, error) {
	var count int
	if err := ms.db.QueryRow(`SELECT COUNT(*) FROM dm_messages WHERE event_id = ?`, eventID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check event %s: %v", eventID, err)
	}
	return count > 0, nil
}

// ListByConversation returns messages newest-first.
// Pass the returned Snapshot back to keep page boundaries fixed while new messages arrive.
func (ms *MessageStore) ListByConversation(conversationID string, opts PageOptions) (*Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	snapshot := opts.Snapshot
	if snapshot <= 0 {
		if err := ms.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM dm_messages`).Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to read pagination snapshot: %v", err)
		}
	}

	// one extra row tells us whether another page exists
	messages, err := QueryRows(ms.db, `
		SELECT `+messageColumns+` FROM dm_messages
		WHERE conversation_id = ? AND seq <= ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT ? OFFSET ?`,
		func(rows *sql.Rows) (*types.Message, error) { return scanMessage(rows) },
		ms.logger, "database", conversationID, snapshot, limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %v", err)
	}

	page := &Page{Snapshot: snapshot}
	if len(messages) > limit {
		page.HasMore = true
		messages = messages[:limit]
	}
	page.Messages = messages
	if page.Messages == nil {
		page.Messages = []*types.Message{}
	}
	return page, nil
}

// UpdateStatus applies a status transition.
// Unknown ids and invalid transitions are no-ops; the returned flag reports whether anything changed.
func (ms *MessageStore) UpdateStatus(id string, next types.MessageStatus) (bool, error) {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	var current string
	err := ms.db.QueryRow(`SELECT status FROM dm_messages WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read status of message %s: %v", id, err)
	}

	from := types.MessageStatus(current)
	if from == next {
		return false, nil
	}
	if !types.CanTransition(from, next) {
		ms.logger.Warn(fmt.Sprintf("Rejected invalid status transition %s -> %s for message %s", from, next, id), "database")
		return false, nil
	}

	// compare-and-set on the status we validated against
	res, err := ms.db.Exec(`UPDATE dm_messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), time.Now().UnixMilli(), id, current)
	if err != nil {
		return false, fmt.Errorf("failed to update status of message %s: %v", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// AppendRelayResult records one relay's outcome, replacing an earlier answer from the same relay
func (ms *MessageStore) AppendRelayResult(id string, result types.RelayResult) error {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	tx, err := ms.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT relay_results FROM dm_messages WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read relay results of message %s: %v", id, err)
	}

	results, err := decodeRelayResults(raw)
	if err != nil {
		return err
	}
	results = MergeRelayResult(results, result)

	encoded, err := encodeRelayResults(results)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE dm_messages SET relay_results = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to update relay results of message %s: %v", id, err)
	}

	return tx.Commit()
}

// MergeRelayResult replaces the entry for the same relay or appends a new one
func MergeRelayResult(results []types.RelayResult, result types.RelayResult) []types.RelayResult {
	for i := range results {
		if results[i].RelayURL == result.RelayURL {
			results[i] = result
			return results
		}
	}
	return append(results, result)
}

// DeleteMessage removes a message and any retry queue entry for it
func (ms *MessageStore) DeleteMessage(id string) error {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	tx, err := ms.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM dm_outgoing_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue entry %s: %v", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM dm_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %v", id, err)
	}
	return tx.Commit()
}

// LatestTimestampsByConversation returns the newest message time of every conversation
func (ms *MessageStore) LatestTimestampsByConversation() (map[string]time.Time, error) {
	rows, err := ms.db.Query(`SELECT conversation_id, MAX(timestamp) FROM dm_messages GROUP BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest timestamps: %v", err)
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var (
			conversationID string
			ts             int64
		)
		if err := rows.Scan(&conversationID, &ts); err != nil {
			ms.logger.Error(fmt.Sprintf("Failed to scan latest timestamp: %v", err), "database")
			continue
		}
		latest[conversationID] = time.UnixMilli(ts)
	}
	return latest, rows.Err()
}

// ListConversations returns every conversation, most recently active first
func (ms *MessageStore) ListConversations() ([]*ConversationSummary, error) {
	return QueryRows(ms.db, `
		SELECT conversation_id,
			MAX(CASE WHEN is_outgoing = 1 THEN recipient_pubkey ELSE sender_pubkey END),
			MAX(timestamp),
			COUNT(*)
		FROM dm_messages
		GROUP BY conversation_id
		ORDER BY MAX(timestamp) DESC`,
		func(rows *sql.Rows) (*ConversationSummary, error) {
			var (
				summary ConversationSummary
				ts      int64
			)
			if err := rows.Scan(&summary.ConversationID, &summary.PeerPublicKey, &ts, &summary.MessageCount); err != nil {
				return nil, err
			}
			summary.LastMessageAt = time.UnixMilli(ts)
			return &summary, nil
		},
		ms.logger, "database")
}

// CountByConversation returns the number of stored messages in a conversation
func (ms *MessageStore) CountByConversation(conversationID string) (int, error) {
	var count int
	err := ms.db.QueryRow(`SELECT COUNT(*) FROM dm_messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %v", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg          types.Message
		ts           int64
		status       string
		eventID      sql.NullString
		encrypted    sql.NullString
		relayResults string
		replyTo      sql.NullString
	)

	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Content, &ts, &msg.IsOutgoing, &status, &eventID,
		&msg.SenderPublicKey, &msg.RecipientPublicKey, &encrypted, &relayResults, &msg.RetryCount, &replyTo,
	)
	if err != nil {
		return nil, err
	}

	msg.Timestamp = time.UnixMilli(ts)
	msg.Status = types.MessageStatus(status)
	msg.EventID = ScanNullableString(eventID)
	msg.EncryptedContent = ScanNullableString(encrypted)
	msg.ReplyTo = ScanNullableString(replyTo)

	msg.RelayResults, err = decodeRelayResults(relayResults)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func encodeRelayResults(results []types.RelayResult) (string, error) {
	if results == nil {
		results = []types.RelayResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode relay results: %v", err)
	}
	return string(data), nil
}

func decodeRelayResults(raw string) ([]types.RelayResult, error) {
	if raw == "" {
		return nil, nil
	}
	var results []types.RelayResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, fmt.Errorf("failed to decode relay results: %v", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
