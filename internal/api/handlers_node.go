package api

import (
	"net/http"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/delivery"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// NodeStatusResponse represents node status information
type NodeStatusResponse struct {
	Identity      string                `json:"identity"`
	Uptime        int64                 `json:"uptime_seconds"`
	Network       types.NetworkState    `json:"network"`
	Relays        []relay.Connection    `json:"relays"`
	Subscriptions []types.Subscription  `json:"subscriptions"`
	Queue         *delivery.QueueStatus `json:"queue,omitempty"`
	WebSockets    int                   `json:"websocket_clients"`
}

// handleNodeStatus returns identity, connectivity and queue state
func (s *APIServer) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	engine := s.chatManager.Engine()
	response := NodeStatusResponse{
		Identity:      s.chatManager.Identity(),
		Uptime:        int64(time.Since(s.startTime).Seconds()),
		Network:       engine.NetworkState(),
		Subscriptions: engine.Subscriptions(),
		WebSockets:    s.wsHub.ClientCount(),
	}
	if s.relays != nil {
		response.Relays = s.relays.Connections()
	}
	if queue, err := engine.GetOfflineQueueStatus(); err != nil {
		s.logger.Warn("Failed to read offline queue status", "api")
	} else {
		response.Queue = queue
	}

	writeJSON(w, http.StatusOK, response)
}
