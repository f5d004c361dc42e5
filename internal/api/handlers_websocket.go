package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	ws "github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/websocket"
)

// handleWebSocket upgrades to a websocket that streams delivery events
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on websocket requests
	token := r.URL.Query().Get("token")
	if token == "" {
		s.logger.Warn("WebSocket connection attempt without token", "api")
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	claims, err := s.jwtManager.ValidateToken(token)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("WebSocket authentication failed: %v", err), "api")
		http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(fmt.Sprintf("WebSocket upgrade failed: %v", err), "api")
		return
	}

	client := ws.NewClient(conn, s.wsHub, claims.Identity, s.wsLogger)
	if !s.wsHub.RegisterClient(client) {
		conn.Close()
		return
	}

	client.Start()

	// Current state right away instead of waiting for the next tick
	msg, err := ws.NewMessage(ws.MessageTypeNetworkState, s.eventEmitter.NetworkStatePayload())
	if err != nil {
		return
	}
	if data, err := json.Marshal(msg); err == nil {
		client.SendRaw(data)
	}
}
