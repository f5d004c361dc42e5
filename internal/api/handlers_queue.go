package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleQueueStatus returns the offline queue snapshot
func (s *APIServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.chatManager.OfflineQueueStatus()
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleClearQueue empties the offline queue; cleared messages become failed
func (s *APIServer) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.chatManager.ClearOfflineQueue()
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": cleared,
		"total":   len(cleared),
	})
}

// handleProcessQueue runs one offline queue pass now
func (s *APIServer) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := s.chatManager.ProcessOfflineQueue(r.Context())
	if err != nil {
		s.sendDeliveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSync fetches missed messages; since is an optional unix timestamp
func (s *APIServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Since *int64 `json:"since,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	var since *time.Time
	if req.Since != nil {
		t := time.Unix(*req.Since, 0)
		since = &t
	}

	result, err := s.chatManager.SyncMissed(r.Context(), since)
	if err != nil {
		s.sendDeliveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSubscription lists, opens or closes the live direct message subscription
func (s *APIServer) handleSubscription(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"subscriptions": s.chatManager.Engine().Subscriptions(),
		})

	case http.MethodPost:
		sub, err := s.chatManager.Subscribe()
		if err != nil {
			s.sendDeliveryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)

	case http.MethodDelete:
		s.chatManager.Unsubscribe()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
