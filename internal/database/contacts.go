package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Contact is a sender whose messages go to the main conversation list
type Contact struct {
	PublicKey  string    `json:"public_key"`
	Petname    string    `json:"petname,omitempty"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// InitContactsTable creates the contacts table if it doesn't exist
func (sm *SQLiteManager) InitContactsTable() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS contacts (
		public_key TEXT PRIMARY KEY,
		petname TEXT,
		accepted_at INTEGER NOT NULL
	);
	`

	if _, err := sm.db.Exec(createTableSQL); err != nil {
		sm.logger.Error("Failed to create contacts table", "database")
		return err
	}

	sm.logger.Info("Contacts table initialized", "database")
	return nil
}

// AcceptContact marks a public key as trusted, keeping the original acceptance time
func (sm *SQLiteManager) AcceptContact(publicKey, petname string) error {
	_, err := sm.db.Exec(`
		INSERT INTO contacts (public_key, petname, accepted_at) VALUES (?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET petname = COALESCE(excluded.petname, contacts.petname)`,
		normalizeKey(publicKey), nullIfEmpty(petname), time.Now().Unix())
	if err != nil {
		sm.logger.Error(fmt.Sprintf("Failed to accept contact: %v", err), "database")
		return err
	}
	return nil
}

// RemoveContact drops a contact; sql.ErrNoRows if it was unknown
func (sm *SQLiteManager) RemoveContact(publicKey string) error {
	_, err := ExecWithAffectedRowsCheck(sm.db, `DELETE FROM contacts WHERE public_key = ?`,
		sm.logger, "database", normalizeKey(publicKey))
	return err
}

// IsAccepted reports whether a public key is an accepted contact
func (sm *SQLiteManager) IsAccepted(publicKey string) (bool, error) {
	var count int
	err := sm.db.QueryRow(`SELECT COUNT(*) FROM contacts WHERE public_key = ?`, normalizeKey(publicKey)).Scan(&count)
	if err != nil {
		sm.logger.Error("Failed to check contact status", "database")
		return false, err
	}
	return count > 0, nil
}

// ListContacts returns all accepted contacts
func (sm *SQLiteManager) ListContacts() ([]*Contact, error) {
	return QueryRows(sm.db, `SELECT public_key, petname, accepted_at FROM contacts ORDER BY accepted_at ASC`,
		func(rows *sql.Rows) (*Contact, error) {
			var (
				contact    Contact
				petname    sql.NullString
				acceptedAt int64
			)
			if err := rows.Scan(&contact.PublicKey, &petname, &acceptedAt); err != nil {
				return nil, err
			}
			contact.Petname = ScanNullableString(petname)
			contact.AcceptedAt = time.Unix(acceptedAt, 0)
			return &contact, nil
		}, sm.logger, "database")
}
