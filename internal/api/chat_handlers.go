package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/delivery"
)

// sendDeliveryError maps a classified engine error to an HTTP status
func (s *APIServer) sendDeliveryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch delivery.KindOf(err) {
	case delivery.KindInvalidInput:
		status = http.StatusBadRequest
	case delivery.KindInvalidState, delivery.KindSyncInProgress:
		status = http.StatusConflict
	case delivery.KindNoOpenRelays, delivery.KindRelaysUnavailable:
		status = http.StatusServiceUnavailable
	case delivery.KindIdentityLocked:
		status = http.StatusLocked
	}
	s.sendError(w, err.Error(), status)
}

// handleListConversations lists conversations, most recently active first
func (s *APIServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conversations, err := s.chatManager.Conversations()
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": conversations,
		"total":         len(conversations),
	})
}

// handleListMessages returns one page of a conversation selected by conversation_id or peer
func (s *APIServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	snapshot, _ := strconv.ParseInt(query.Get("snapshot"), 10, 64)

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	page := database.PageOptions{Limit: limit, Offset: offset, Snapshot: snapshot}

	var (
		result *database.Page
		err    error
	)
	switch {
	case query.Get("conversation_id") != "":
		result, err = s.chatManager.Messages(query.Get("conversation_id"), page)
	case query.Get("peer") != "":
		result, err = s.chatManager.MessagesWithPeer(query.Get("peer"), page)
	default:
		s.sendError(w, "conversation_id or peer is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": result.Messages,
		"snapshot": result.Snapshot,
		"has_more": result.HasMore,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleSendMessage sends a direct message
func (s *APIServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
		ReplyTo   string `json:"reply_to,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.chatManager.SendDM(r.Context(), req.Recipient, req.Content, req.ReplyTo)
	if err != nil {
		s.sendDeliveryError(w, err)
		return
	}

	status := http.StatusCreated
	if !result.Success {
		// stored, but queued or failed
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// handleGetMessage returns a message with its status and relay results
func (s *APIServer) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	msg, err := s.chatManager.Message(id)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msg == nil {
		s.sendError(w, "Message not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// handleRetryMessage sends a rejected, failed or queued message again
func (s *APIServer) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/retry")
	result, err := s.chatManager.RetryFailedMessage(r.Context(), id)
	if err != nil {
		if delivery.KindOf(err) == delivery.KindInvalidInput {
			s.sendError(w, "Message not found", http.StatusNotFound)
			return
		}
		s.sendDeliveryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
