package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/auth"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/events"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/chat"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

// TokenIssuer is the issuer claim of bearer tokens signed with the node API secret
const TokenIssuer = "relay-dm-node"

// APIServer provides the local HTTP REST/WebSocket API of the node
type APIServer struct {
	ctx              context.Context
	cancel           context.CancelFunc
	server           *http.Server
	listener         net.Listener
	port             string
	logger           *utils.LogsManager
	config           *utils.ConfigManager
	chatManager      *chat.ChatManager
	relays           events.RelaySource
	keyPair          *crypto.KeyPair
	apiSecret        []byte
	jwtManager       *middleware.JWTManager
	challengeManager *auth.ChallengeManager
	ed25519Provider  *auth.Ed25519Provider
	wsHub            *ws.Hub
	wsLogger         *logrus.Logger
	wsUpgrader       websocket.Upgrader
	eventEmitter     *events.Emitter
	startTime        time.Time
	mutex            sync.RWMutex
}

// NewAPIServer creates a new API server for the unlocked identity. apiSecret signs the
// bearer tokens. Call Attach with the chat manager before Start.
func NewAPIServer(
	config *utils.ConfigManager,
	logger *utils.LogsManager,
	keyPair *crypto.KeyPair,
	apiSecret []byte,
) *APIServer {
	ctx, cancel := context.WithCancel(context.Background())

	wsLogger := logrus.New()
	wsLogger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(logger.GetLogLevel()); err == nil {
		wsLogger.SetLevel(level)
	}

	hub := ws.NewHub(wsLogger)
	allowedOrigins := config.GetConfigSlice("api_allowed_origins", []string{"*"})

	return &APIServer{
		ctx:              ctx,
		cancel:           cancel,
		logger:           logger,
		config:           config,
		keyPair:          keyPair,
		apiSecret:        apiSecret,
		jwtManager:       middleware.NewJWTManager(apiSecret, TokenIssuer),
		challengeManager: auth.NewChallengeManager(ctx, 5*time.Minute),
		ed25519Provider:  auth.NewEd25519Provider(keyPair),
		wsHub:            hub,
		wsLogger:         wsLogger,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), allowedOrigins)
			},
		},
		eventEmitter: events.NewEmitter(hub, wsLogger),
		startTime:    time.Now(),
	}
}

// EventEmitter returns the emitter that pushes delivery events to websocket clients
func (s *APIServer) EventEmitter() *events.Emitter {
	return s.eventEmitter
}

// Attach connects the server to the chat facade and the relay pool
func (s *APIServer) Attach(chatManager *chat.ChatManager, relays events.RelaySource) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.chatManager = chatManager
	s.relays = relays
	s.eventEmitter.Attach(chatManager.Engine(), relays)
}

// Start binds the listener and serves the API in the background
func (s *APIServer) Start() error {
	if s.chatManager == nil {
		return fmt.Errorf("api server started without a chat manager")
	}

	address := s.config.GetConfigWithDefault("api_listen_address", "127.0.0.1")
	apiPort := s.config.GetConfigWithDefault("api_port", "30080")

	s.logger.Info(fmt.Sprintf("Starting API server on %s:%s", address, apiPort), "api")

	listener, err := net.Listen("tcp", net.JoinHostPort(address, apiPort))
	if err != nil {
		return fmt.Errorf("failed to bind API server: %v", err)
	}
	s.port = apiPort

	if s.config.GetConfigBool("api_tls", false) {
		cert, err := loadOrGenerateAPICertificates(utils.GetAppPaths(""), s.logger)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to prepare API certificate: %v", err)
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	allowedOrigins := s.config.GetConfigSlice("api_allowed_origins", []string{"*"})
	s.server = &http.Server{
		Handler:      middleware.CORSMiddleware(allowedOrigins, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.wsHub.Run(s.ctx)
	s.eventEmitter.Start()

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("API server error: %v", err), "api")
		}
	}()

	s.logger.Info("API server started successfully", "api")
	return nil
}

// Handler returns the routed handler without binding a listener
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// registerRoutes sets up all HTTP routes
func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	protect := func(h http.HandlerFunc) http.Handler {
		return s.jwtManager.AuthMiddleware(h)
	}

	mux.HandleFunc("/api/health", s.handleHealth)

	// Auth routes
	mux.HandleFunc("/api/auth/token", s.handleIssueToken)       // POST - API secret authentication
	mux.HandleFunc("/api/auth/challenge", s.handleGetChallenge) // GET - Request new challenge
	mux.HandleFunc("/api/auth/ed25519", s.handleAuthEd25519)    // POST - Identity key authentication

	mux.Handle("/api/node/status", protect(s.handleNodeStatus))

	// Conversations and messages
	mux.Handle("/api/conversations", protect(s.handleListConversations))
	mux.Handle("/api/messages", protect(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleListMessages(w, r)
		case http.MethodPost:
			s.handleSendMessage(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.Handle("/api/messages/", protect(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/retry") {
			s.handleRetryMessage(w, r)
			return
		}
		s.handleGetMessage(w, r)
	}))

	// Trust routes
	mux.Handle("/api/contacts", protect(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleListContacts(w, r)
		case http.MethodPost:
			s.handleAcceptContact(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.Handle("/api/contacts/", protect(s.handleRemoveContact))
	mux.Handle("/api/blocklist", protect(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleGetBlocklist(w, r)
		case http.MethodPost:
			s.handleAddToBlocklist(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.Handle("/api/blocklist/", protect(s.handleRemoveFromBlocklist))
	mux.Handle("/api/requests", protect(s.handleListRequests))
	mux.Handle("/api/requests/", protect(s.handleDismissRequests))

	// Delivery control
	mux.Handle("/api/queue", protect(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleQueueStatus(w, r)
		case http.MethodDelete:
			s.handleClearQueue(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.Handle("/api/queue/process", protect(s.handleProcessQueue))
	mux.Handle("/api/sync", protect(s.handleSync))
	mux.Handle("/api/subscription", protect(s.handleSubscription))

	// WebSocket authenticates with a token query parameter
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	s.logger.Debug("API routes registered", "api")
}

// handleHealth returns API health status
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

// Stop gracefully shuts down the API server
func (s *APIServer) Stop() error {
	s.logger.Info("Stopping API server", "api")
	s.eventEmitter.Stop()
	s.cancel()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}

	return nil
}

// GetPort returns the port the server is listening on
func (s *APIServer) GetPort() string {
	return s.port
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
