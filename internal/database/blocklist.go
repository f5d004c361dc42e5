package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// BlockedSender is a public key whose messages are dropped on arrival
type BlockedSender struct {
	PublicKey string    `json:"public_key"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// InitBlocklistTable creates the blocklist table if it doesn't exist
func (sm *SQLiteManager) InitBlocklistTable() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS blocked_senders (
		public_key TEXT PRIMARY KEY,
		reason TEXT,
		blocked_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_blocked_senders_blocked_at ON blocked_senders(blocked_at);
	`

	if _, err := sm.db.Exec(createTableSQL); err != nil {
		sm.logger.Error("Failed to create blocklist table", "database")
		return err
	}

	sm.logger.Info("Blocklist table initialized", "database")
	return nil
}

// AddToBlocklist blocks a sender
func (sm *SQLiteManager) AddToBlocklist(publicKey string, reason string) error {
	query := `
		INSERT OR REPLACE INTO blocked_senders (public_key, reason, blocked_at)
		VALUES (?, ?, ?)
	`

	if _, err := sm.db.Exec(query, normalizeKey(publicKey), reason, time.Now().Unix()); err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to block sender: %v", err), "database")
		return err
	}

	sm.logger.Info("Sender added to blocklist", "database")
	return nil
}

// RemoveFromBlocklist unblocks a sender; sql.ErrNoRows if it was not blocked
func (sm *SQLiteManager) RemoveFromBlocklist(publicKey string) error {
	result, err := sm.db.Exec(`DELETE FROM blocked_senders WHERE public_key = ?`, normalizeKey(publicKey))
	if err != nil {
		sm.logger.Error("Failed to remove sender from blocklist", "database")
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}

	sm.logger.Info("Sender removed from blocklist", "database")
	return nil
}

// IsBlocked checks if a sender is blocked
func (sm *SQLiteManager) IsBlocked(publicKey string) (bool, error) {
	var count int
	err := sm.db.QueryRow(`SELECT COUNT(*) FROM blocked_senders WHERE public_key = ?`, normalizeKey(publicKey)).Scan(&count)
	if err != nil {
		sm.logger.Error("Failed to check blocklist status", "database")
		return false, err
	}
	return count > 0, nil
}

// GetBlocklist retrieves all blocked senders, most recent first
func (sm *SQLiteManager) GetBlocklist() ([]*BlockedSender, error) {
	return QueryRows(sm.db, `
		SELECT public_key, reason, blocked_at
		FROM blocked_senders
		ORDER BY blocked_at DESC
	`, func(rows *sql.Rows) (*BlockedSender, error) {
		var (
			sender    BlockedSender
			reason    sql.NullString
			blockedAt int64
		)
		if err := rows.Scan(&sender.PublicKey, &reason, &blockedAt); err != nil {
			return nil, err
		}
		sender.Reason = ScanNullableString(reason)
		sender.BlockedAt = time.Unix(blockedAt, 0)
		return &sender, nil
	}, sm.logger, "database")
}

func normalizeKey(publicKey string) string {
	return strings.ToLower(strings.TrimSpace(publicKey))
}
