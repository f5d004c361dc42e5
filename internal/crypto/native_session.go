package crypto

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// NativeKeySession caches the keystore passphrase in a platform credential store.
// A nil session is a normal configuration and means the user is prompted.
type NativeKeySession interface {
	Load() (string, bool)
	Store(passphrase string) error
	Clear() error
}

// KeyringSession stores the passphrase in the OS keychain
type KeyringSession struct {
	service string
	user    string
}

// NewKeyringSession creates a session scoped to one keystore
func NewKeyringSession(service, user string) *KeyringSession {
	return &KeyringSession{service: service, user: user}
}

// Load returns the cached passphrase if the keychain holds one
func (s *KeyringSession) Load() (string, bool) {
	secret, err := keyring.Get(s.service, s.user)
	if err != nil {
		return "", false
	}
	return secret, secret != ""
}

// Store caches the passphrase
func (s *KeyringSession) Store(passphrase string) error {
	if err := keyring.Set(s.service, s.user, passphrase); err != nil {
		return fmt.Errorf("failed to store passphrase in keychain: %v", err)
	}
	return nil
}

// Clear removes the cached passphrase; a missing entry is not an error
func (s *KeyringSession) Clear() error {
	if err := keyring.Delete(s.service, s.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to remove passphrase from keychain: %v", err)
	}
	return nil
}
