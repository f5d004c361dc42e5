package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const dmKeyInfo = "relay-dm v1 direct message key"

// DMCipher encrypts direct messages between the local identity and a peer.
// The key is a static ECDH secret, so both participants can read the conversation.
type DMCipher struct {
	keyPair *KeyPair
}

// NewDMCipher creates a cipher for the given identity
func NewDMCipher(keyPair *KeyPair) *DMCipher {
	return &DMCipher{keyPair: keyPair}
}

// sharedKey derives the secretbox key shared with a peer
func (c *DMCipher) sharedKey(peerHex string) (*[32]byte, error) {
	peer, err := DecodePublicKey(peerHex)
	if err != nil {
		return nil, err
	}

	peerCurve, err := ed25519PublicKeyToCurve25519(peer)
	if err != nil {
		return nil, fmt.Errorf("failed to convert peer key: %v", err)
	}
	ourCurve, err := ed25519PrivateKeyToCurve25519(c.keyPair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %v", err)
	}

	secret, err := curve25519.X25519(ourCurve[:], peerCurve[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %v", err)
	}

	var key [32]byte
	reader := hkdf.New(sha256.New, secret, nil, []byte(dmKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive message key: %v", err)
	}
	return &key, nil
}

// Encrypt seals plaintext for the peer; the result is "<base64 box>?iv=<base64 nonce>"
func (c *DMCipher) Encrypt(peerHex, plaintext string) (string, error) {
	key, err := c.sharedKey(peerHex)
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %v", err)
	}

	box := secretbox.Seal(nil, []byte(plaintext), &nonce, key)
	return base64.StdEncoding.EncodeToString(box) + "?iv=" + base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// Decrypt opens content exchanged with the peer
func (c *DMCipher) Decrypt(peerHex, content string) (string, error) {
	boxText, nonceText, ok := strings.Cut(content, "?iv=")
	if !ok {
		return "", fmt.Errorf("ciphertext has no nonce")
	}

	box, err := base64.StdEncoding.DecodeString(boxText)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %v", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonceText)
	if err != nil || len(nonceBytes) != 24 {
		return "", fmt.Errorf("invalid nonce")
	}

	key, err := c.sharedKey(peerHex)
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	plaintext, ok := secretbox.Open(nil, box, &nonce, key)
	if !ok {
		return "", fmt.Errorf("message authentication failed")
	}
	return string(plaintext), nil
}
