package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// handleGetBlocklist returns all blocked senders
func (s *APIServer) handleGetBlocklist(w http.ResponseWriter, r *http.Request) {
	blocklist, err := s.chatManager.Blocklist()
	if err != nil {
		s.logger.Error("Failed to get blocklist", "api")
		s.sendError(w, "Failed to retrieve blocklist", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocklist": blocklist,
		"total":     len(blocklist),
	})
}

// handleAddToBlocklist blocks a sender
func (s *APIServer) handleAddToBlocklist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
		Reason    string `json:"reason"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Reason == "" {
		req.Reason = "Manually blocked"
	}

	if err := s.chatManager.Block(req.PublicKey, req.Reason); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.eventEmitter.TrustUpdated(req.PublicKey, "blocked")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"public_key": req.PublicKey,
	})
}

// handleRemoveFromBlocklist unblocks a sender
func (s *APIServer) handleRemoveFromBlocklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	publicKey := strings.TrimPrefix(r.URL.Path, "/api/blocklist/")
	if err := s.chatManager.Unblock(publicKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.sendError(w, "Sender is not blocked", http.StatusNotFound)
			return
		}
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.eventEmitter.TrustUpdated(publicKey, "unblocked")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleListContacts returns accepted senders
func (s *APIServer) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.chatManager.Contacts()
	if err != nil {
		s.sendError(w, "Failed to retrieve contacts", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
		"total":    len(contacts),
	})
}

// handleAcceptContact accepts a sender, optionally moving its pending requests into the conversation
func (s *APIServer) handleAcceptContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
		Petname   string `json:"petname"`
		Reprocess bool   `json:"reprocess"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	moved, err := s.chatManager.AcceptContact(req.PublicKey, req.Petname, req.Reprocess)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.eventEmitter.TrustUpdated(req.PublicKey, "accepted")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":        true,
		"messages_moved": moved,
	})
}

// handleRemoveContact stops trusting a sender
func (s *APIServer) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	publicKey := strings.TrimPrefix(r.URL.Path, "/api/contacts/")
	if err := s.chatManager.RemoveContact(publicKey); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.eventEmitter.TrustUpdated(publicKey, "removed")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleListRequests returns messages parked from unknown senders
func (s *APIServer) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requests, err := s.chatManager.Requests()
	if err != nil {
		s.sendError(w, "Failed to retrieve requests", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    len(requests),
	})
}

// handleDismissRequests deletes the requests of one sender
func (s *APIServer) handleDismissRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	publicKey := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	deleted, err := s.chatManager.DismissRequests(publicKey)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": deleted,
	})
}
