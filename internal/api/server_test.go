package api

import (
	"bytes"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/api/auth"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/chat"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

type testServer struct {
	t       *testing.T
	server  *APIServer
	handler http.Handler
	secret  []byte
	keyPair *crypto.KeyPair
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	config := utils.NewConfigManager("")
	logger := utils.NewLogsManager(config)
	t.Cleanup(func() { logger.Close() })

	db, err := database.NewSQLiteManagerWithDB(conn, config, logger)
	require.NoError(t, err)

	keyPair, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	secret := bytes.Repeat([]byte{0x42}, 32)

	server := NewAPIServer(config, logger, keyPair, secret)
	t.Cleanup(func() { server.Stop() })

	pool := relay.NewPool(nil, relay.Options{}, logger)
	cm, err := chat.NewChatManager(db, logger, config, chat.Options{
		KeyPair:   keyPair,
		Publisher: pool,
		Emitter:   server.EventEmitter(),
	})
	require.NoError(t, err)
	server.Attach(cm, pool)

	return &testServer{t: t, server: server, handler: server.Handler(), secret: secret, keyPair: keyPair}
}

func (ts *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token() string {
	rec := ts.do(http.MethodPost, "/api/auth/token", "", map[string]string{"secret": hex.EncodeToString(ts.secret)})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AuthResponse
	require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(ts.t, resp.Success)
	assert.Equal(ts.t, ts.keyPair.PublicKeyHex(), resp.Identity)
	return resp.Token
}

func TestTokenRequiresSecret(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/auth/token", "", map[string]string{"secret": "00"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/queue", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/queue", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/queue", ts.token(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChallengeAuthentication(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/auth/challenge", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var challenge ChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))

	other, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	forged, err := auth.SignChallenge(other, challenge.Challenge)
	require.NoError(t, err)
	rec = ts.do(http.MethodPost, "/api/auth/ed25519", "", AuthRequest{Challenge: challenge.Challenge, Signature: forged})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// challenges are single use
	signature, err := auth.SignChallenge(ts.keyPair, challenge.Challenge)
	require.NoError(t, err)
	rec = ts.do(http.MethodPost, "/api/auth/ed25519", "", AuthRequest{Challenge: challenge.Challenge, Signature: signature})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/auth/challenge", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	signature, err = auth.SignChallenge(ts.keyPair, challenge.Challenge)
	require.NoError(t, err)
	rec = ts.do(http.MethodPost, "/api/auth/ed25519", "", AuthRequest{Challenge: challenge.Challenge, Signature: signature})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}

func TestSendAndListMessages(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token()

	peer, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	rec := ts.do(http.MethodPost, "/api/messages", token, map[string]string{"recipient": peer.PublicKeyHex(), "content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/messages", token, map[string]string{"recipient": peer.PublicKeyHex(), "content": "hello"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var sent struct {
		Message struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
	assert.Equal(t, "queued", sent.Message.Status)

	rec = ts.do(http.MethodGet, "/api/messages?peer="+peer.PublicKeyBase58(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Messages []json.RawMessage `json:"messages"`
		HasMore  bool              `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)

	rec = ts.do(http.MethodGet, "/api/messages/"+sent.Message.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodGet, "/api/messages/unknown", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(http.MethodPost, "/api/messages/unknown/retry", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/queue", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.Equal(t, 1, cleared.Total)
}

func TestTrustRoutes(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token()

	peer, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	rec := ts.do(http.MethodPost, "/api/contacts", token, map[string]interface{}{"public_key": peer.PublicKeyHex(), "petname": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/contacts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bob")

	rec = ts.do(http.MethodPost, "/api/blocklist", token, map[string]string{"public_key": peer.PublicKeyHex()})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/blocklist/"+peer.PublicKeyHex(), token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodDelete, "/api/blocklist/"+peer.PublicKeyHex(), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/requests", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncWithoutRelays(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/sync", ts.token(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
