package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// AuthProvider defines the interface for authentication providers
type AuthProvider interface {
	// Authenticate validates credentials and returns the identity they prove access to
	Authenticate(credentials interface{}) (identity string, err error)

	// ProviderName returns the name of the auth provider
	ProviderName() string
}

// Challenge represents an authentication challenge
type Challenge struct {
	Value     string
	Timestamp time.Time
	ExpiresAt time.Time
}

// ChallengeManager manages authentication challenges
type ChallengeManager struct {
	challenges map[string]*Challenge // key: challenge value
	mutex      sync.RWMutex
	ttl        time.Duration
}

// NewChallengeManager creates a new challenge manager; expired challenges are
// purged until ctx is cancelled
func NewChallengeManager(ctx context.Context, ttl time.Duration) *ChallengeManager {
	cm := &ChallengeManager{
		challenges: make(map[string]*Challenge),
		ttl:        ttl,
	}

	go cm.cleanupExpired(ctx)

	return cm
}

// TTL returns how long a challenge stays valid
func (cm *ChallengeManager) TTL() time.Duration {
	return cm.ttl
}

// GenerateChallenge creates a new random challenge
func (cm *ChallengeManager) GenerateChallenge() (string, error) {
	// Generate 32 random bytes (256 bits)
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random challenge: %v", err)
	}

	challengeValue := hex.EncodeToString(bytes)
	now := time.Now()

	cm.mutex.Lock()
	cm.challenges[challengeValue] = &Challenge{
		Value:     challengeValue,
		Timestamp: now,
		ExpiresAt: now.Add(cm.ttl),
	}
	cm.mutex.Unlock()

	return challengeValue, nil
}

// ConsumeChallenge validates and removes a challenge (one-time use)
func (cm *ChallengeManager) ConsumeChallenge(challengeValue string) bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	challenge, exists := cm.challenges[challengeValue]
	if !exists {
		return false
	}

	delete(cm.challenges, challengeValue)
	return !time.Now().After(challenge.ExpiresAt)
}

// cleanupExpired removes expired challenges periodically
func (cm *ChallengeManager) cleanupExpired(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cm.mutex.Lock()
			for key, challenge := range cm.challenges {
				if now.After(challenge.ExpiresAt) {
					delete(cm.challenges, key)
				}
			}
			cm.mutex.Unlock()
		}
	}
}
