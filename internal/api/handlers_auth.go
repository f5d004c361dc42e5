package api

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/auth"
)

// AuthRequest represents an authentication request
type AuthRequest struct {
	Secret    string `json:"secret,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// AuthResponse represents an authentication response
type AuthResponse struct {
	Success  bool   `json:"success"`
	Token    string `json:"token,omitempty"`
	Identity string `json:"identity,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ChallengeResponse represents a challenge generation response
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

func (s *APIServer) tokenTTL() time.Duration {
	return s.config.GetConfigDuration("api_token_ttl", 24*time.Hour)
}

// IssueToken returns a bearer token for the node identity
func (s *APIServer) IssueToken(provider string) (string, error) {
	return s.jwtManager.GenerateToken(s.keyPair.PublicKeyHex(), provider, s.tokenTTL())
}

// handleIssueToken exchanges the hex API secret from the keystore for a bearer token
func (s *APIServer) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	secret, err := hex.DecodeString(req.Secret)
	if err != nil || subtle.ConstantTimeCompare(secret, s.apiSecret) != 1 {
		s.logger.Warn("API token request with invalid secret", "api")
		s.sendError(w, "Invalid API secret", http.StatusUnauthorized)
		return
	}

	token, err := s.IssueToken("secret")
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to generate JWT: %v", err), "api")
		s.sendError(w, "Failed to generate authentication token", http.StatusInternalServerError)
		return
	}

	s.sendSuccess(w, token, s.keyPair.PublicKeyHex())
}

// handleGetChallenge generates a new authentication challenge
func (s *APIServer) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	challenge, err := s.challengeManager.GenerateChallenge()
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to generate challenge: %v", err), "api")
		s.sendError(w, "Failed to generate challenge", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ChallengeResponse{
		Challenge: challenge,
		ExpiresIn: int(s.challengeManager.TTL().Seconds()),
	})
}

// handleAuthEd25519 issues a token to a client that signed a challenge with the identity key
func (s *APIServer) handleAuthEd25519(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if !s.challengeManager.ConsumeChallenge(req.Challenge) {
		s.sendError(w, "Invalid or expired challenge", http.StatusUnauthorized)
		return
	}

	identity, err := s.ed25519Provider.Authenticate(&auth.Ed25519Credentials{
		Challenge: req.Challenge,
		Signature: req.Signature,
		PublicKey: req.PublicKey,
	})
	if err != nil {
		s.logger.Warn(fmt.Sprintf("Ed25519 auth failed: %v", err), "api")
		s.sendError(w, fmt.Sprintf("Authentication failed: %v", err), http.StatusUnauthorized)
		return
	}

	token, err := s.jwtManager.GenerateToken(identity, s.ed25519Provider.ProviderName(), s.tokenTTL())
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to generate JWT: %v", err), "api")
		s.sendError(w, "Failed to generate authentication token", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Ed25519 authentication successful", "api")
	s.sendSuccess(w, token, identity)
}

// sendError sends a JSON error response
func (s *APIServer) sendError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, AuthResponse{
		Success: false,
		Error:   message,
	})
}

// sendSuccess sends a JSON success response
func (s *APIServer) sendSuccess(w http.ResponseWriter, token, identity string) {
	writeJSON(w, http.StatusOK, AuthResponse{
		Success:  true,
		Token:    token,
		Identity: identity,
	})
}
