package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
)

// KeyPair is the Ed25519 identity of the local user
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeypair generates a new Ed25519 keypair
func GenerateKeypair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 keypair: %v", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// KeyPairFromPrivateKey rebuilds a keypair from a 64 byte private key or a 32 byte seed
func KeyPairFromPrivateKey(raw []byte) (*KeyPair, error) {
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(append([]byte(nil), raw...))
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, fmt.Errorf("invalid private key size: %d", len(raw))
	}

	return &KeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// SaveKeys saves the keypair to disk with owner-only permissions on the private half
func SaveKeys(keyPair *KeyPair, dirPath string) error {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %v", err)
	}

	publicKeyPath := filepath.Join(dirPath, "ed25519_public.key")
	if err := os.WriteFile(publicKeyPath, keyPair.PublicKey, 0644); err != nil {
		return fmt.Errorf("failed to save public key: %v", err)
	}

	privateKeyPath := filepath.Join(dirPath, "ed25519_private.key")
	if err := os.WriteFile(privateKeyPath, keyPair.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to save private key: %v", err)
	}

	return nil
}

// LoadKeys loads an existing keypair from disk
func LoadKeys(dirPath string) (*KeyPair, error) {
	privateKeyBytes, err := os.ReadFile(filepath.Join(dirPath, "ed25519_private.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %v", err)
	}

	keyPair, err := KeyPairFromPrivateKey(privateKeyBytes)
	if err != nil {
		return nil, err
	}

	// the public key file is informational, but it must agree with the private key
	if publicKeyBytes, err := os.ReadFile(filepath.Join(dirPath, "ed25519_public.key")); err == nil {
		if !keyPair.PublicKey.Equal(ed25519.PublicKey(publicKeyBytes)) {
			return nil, fmt.Errorf("public key file does not match private key")
		}
	}

	return keyPair, nil
}

// Sign signs a message with the private key
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

// Verify verifies a signature made by this keypair
func (kp *KeyPair) Verify(message, signature []byte) bool {
	return ed25519.Verify(kp.PublicKey, message, signature)
}

// VerifyWithPublicKey verifies a signature using a standalone public key
func VerifyWithPublicKey(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// PublicKeyHex returns the canonical text form used on the wire
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.PublicKey)
}

// PublicKeyBase58 returns the compact text form shown to users
func (kp *KeyPair) PublicKeyBase58() string {
	return base58.Encode(kp.PublicKey)
}

// PrivateKeyBytes returns the private key as a byte slice
func (kp *KeyPair) PrivateKeyBytes() []byte {
	return []byte(kp.PrivateKey)
}

// ParsePublicKey accepts a hex or base58 encoded Ed25519 public key and returns lowercase hex
func ParsePublicKey(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("public key is empty")
	}

	if len(text) == hex.EncodedLen(ed25519.PublicKeySize) {
		if raw, err := hex.DecodeString(text); err == nil {
			return hex.EncodeToString(raw), nil
		}
	}

	raw, err := base58.Decode(text)
	if err != nil {
		return "", fmt.Errorf("public key is neither hex nor base58: %v", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// DecodePublicKey converts a hex public key to its raw form
func DecodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %v", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
