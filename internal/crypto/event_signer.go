package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// EventSigner signs and verifies protocol events with an identity keypair
type EventSigner struct {
	keyPair *KeyPair
}

// NewEventSigner creates a signer for the given identity
func NewEventSigner(keyPair *KeyPair) *EventSigner {
	return &EventSigner{keyPair: keyPair}
}

// ComputeEventID returns the hex SHA-256 of the event's canonical serialization
func ComputeEventID(ev *types.Event) (string, error) {
	data, err := ev.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// PublicKey returns the signer's hex public key
func (s *EventSigner) PublicKey() string {
	return s.keyPair.PublicKeyHex()
}

// SignEvent stamps the author, id and signature onto ev
func (s *EventSigner) SignEvent(ev *types.Event) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	ev.PubKey = s.keyPair.PublicKeyHex()

	id, err := ComputeEventID(ev)
	if err != nil {
		return fmt.Errorf("failed to compute event id: %v", err)
	}
	idBytes, _ := hex.DecodeString(id)

	ev.ID = id
	ev.Sig = hex.EncodeToString(s.keyPair.Sign(idBytes))
	return nil
}

// VerifyEvent checks that the id matches the content and the signature matches the author
func (s *EventSigner) VerifyEvent(ev *types.Event) error {
	return VerifyEvent(ev)
}

// VerifyEvent checks an event without needing a local identity
func VerifyEvent(ev *types.Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}

	id, err := ComputeEventID(ev)
	if err != nil {
		return err
	}
	if id != ev.ID {
		return fmt.Errorf("event id mismatch")
	}

	pub, err := DecodePublicKey(ev.PubKey)
	if err != nil {
		return fmt.Errorf("invalid event author: %v", err)
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %v", err)
	}
	idBytes, _ := hex.DecodeString(id)

	if !VerifyWithPublicKey(pub, idBytes, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
