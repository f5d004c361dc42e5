package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
)

// Keystore is the on-disk, passphrase-encrypted identity file
type Keystore struct {
	Version   int    `json:"version"`
	PublicKey string `json:"public_key"` // hex, readable without the passphrase
	Salt      []byte `json:"salt"`
	Nonce     []byte `json:"nonce"`
	Data      []byte `json:"data"`
}

// KeystoreData is the decrypted keystore content
type KeystoreData struct {
	IdentitySeed []byte `json:"identity_seed"` // 32 byte Ed25519 seed
	APISecret    []byte `json:"api_secret"`    // HS256 key for the local API
}

const (
	// Argon2id parameters
	argon2Time      = 3
	argon2Memory    = 64 * 1024
	argon2Threads   = 4
	argon2KeyLength = 32

	saltSize   = 32
	nonceSize  = 12
	secretSize = 32

	keystoreVersion = 1
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLength)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}
	return gcm, nil
}

// Seal encrypts keystore data with a passphrase
func Seal(passphrase string, data *KeystoreData) (*Keystore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if err := data.validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %v", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keystore data: %v", err)
	}

	return &Keystore{
		Version:   keystoreVersion,
		PublicKey: hex.EncodeToString(ed25519.NewKeyFromSeed(data.IdentitySeed).Public().(ed25519.PublicKey)),
		Salt:      salt,
		Nonce:     nonce,
		Data:      gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts the keystore with a passphrase
func Open(ks *Keystore, passphrase string) (*KeystoreData, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d", ks.Version)
	}
	if len(ks.Salt) != saltSize {
		return nil, fmt.Errorf("invalid salt size: %d", len(ks.Salt))
	}
	if len(ks.Nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %d", len(ks.Nonce))
	}

	gcm, err := newGCM(deriveKey(passphrase, ks.Salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, ks.Nonce, ks.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (incorrect passphrase?): %v", err)
	}

	var data KeystoreData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keystore data: %v", err)
	}
	if err := data.validate(); err != nil {
		return nil, fmt.Errorf("corrupted keystore: %v", err)
	}
	if ks.PublicKey != "" {
		pub := ed25519.NewKeyFromSeed(data.IdentitySeed).Public().(ed25519.PublicKey)
		if ks.PublicKey != hex.EncodeToString(pub) {
			return nil, fmt.Errorf("corrupted keystore: public key does not match identity")
		}
	}

	return &data, nil
}

func (d *KeystoreData) validate() error {
	if len(d.IdentitySeed) != ed25519.SeedSize {
		return fmt.Errorf("invalid identity seed size: %d", len(d.IdentitySeed))
	}
	if len(d.APISecret) != secretSize {
		return fmt.Errorf("API secret must be %d bytes, got %d", secretSize, len(d.APISecret))
	}
	return nil
}

// KeyPair returns the identity keypair held by the keystore
func (d *KeystoreData) KeyPair() (*crypto.KeyPair, error) {
	return crypto.KeyPairFromPrivateKey(d.IdentitySeed)
}

// NewKeystoreData generates a fresh identity and API secret
func NewKeystoreData() (*KeystoreData, error) {
	keyPair, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return NewKeystoreDataFromKeyPair(keyPair)
}

// NewKeystoreDataFromKeyPair wraps an existing identity with a fresh API secret
func NewKeystoreDataFromKeyPair(keyPair *crypto.KeyPair) (*KeystoreData, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	return &KeystoreData{
		IdentitySeed: keyPair.PrivateKey.Seed(),
		APISecret:    secret,
	}, nil
}

// Save writes the keystore with owner-only permissions
func Save(ks *Keystore, path string) error {
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keystore: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write keystore file: %v", err)
	}
	return nil
}

// Load reads a keystore file
func Load(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore file: %v", err)
	}
	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keystore: %v", err)
	}
	return &ks, nil
}

// ChangePassphrase re-encrypts the keystore under a new passphrase
func ChangePassphrase(ks *Keystore, oldPassphrase, newPassphrase string) (*Keystore, error) {
	data, err := Open(ks, oldPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock with old passphrase: %v", err)
	}
	return Seal(newPassphrase, data)
}

// GenerateSecret returns 32 random bytes
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, secretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %v", err)
	}
	return secret, nil
}
