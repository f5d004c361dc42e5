package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
)

// Ed25519Provider authenticates clients that can sign with the node identity key
type Ed25519Provider struct {
	identity *crypto.KeyPair
}

// NewEd25519Provider creates a new Ed25519 auth provider
func NewEd25519Provider(keyPair *crypto.KeyPair) *Ed25519Provider {
	return &Ed25519Provider{
		identity: keyPair,
	}
}

// ProviderName returns the provider identifier
func (p *Ed25519Provider) ProviderName() string {
	return "ed25519"
}

// Ed25519Credentials represents Ed25519 authentication credentials
type Ed25519Credentials struct {
	Challenge string `json:"challenge"`  // Hex-encoded challenge
	Signature string `json:"signature"`  // Hex-encoded signature
	PublicKey string `json:"public_key"` // Optional; must match the node identity
}

// Authenticate verifies the challenge signature against the node identity
func (p *Ed25519Provider) Authenticate(credentials interface{}) (string, error) {
	creds, ok := credentials.(*Ed25519Credentials)
	if !ok {
		return "", fmt.Errorf("invalid credentials type for Ed25519 provider")
	}

	challengeBytes, err := hex.DecodeString(creds.Challenge)
	if err != nil {
		return "", fmt.Errorf("invalid challenge encoding: %v", err)
	}

	signatureBytes, err := hex.DecodeString(creds.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %v", err)
	}

	identity := p.identity.PublicKeyHex()
	if creds.PublicKey != "" {
		provided, err := crypto.ParsePublicKey(creds.PublicKey)
		if err != nil {
			return "", fmt.Errorf("invalid public key: %v", err)
		}
		if provided != identity {
			return "", fmt.Errorf("provided public key does not match node identity")
		}
	}

	if !ed25519.Verify(p.identity.PublicKey, challengeBytes, signatureBytes) {
		return "", fmt.Errorf("signature verification failed")
	}

	return identity, nil
}

// SignChallenge signs a hex challenge with the given key (used by the CLI and tests)
func SignChallenge(keyPair *crypto.KeyPair, challenge string) (string, error) {
	challengeBytes, err := hex.DecodeString(challenge)
	if err != nil {
		return "", fmt.Errorf("invalid challenge encoding: %v", err)
	}

	return hex.EncodeToString(keyPair.Sign(challengeBytes)), nil
}
