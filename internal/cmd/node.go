package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/chat"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto/keystore"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

// exitWithError prints the message, logs it under category and exits
func exitWithError(category string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println("Error: " + msg)
	if logger != nil {
		logger.Error(msg, category)
		logger.Close()
	}
	os.Exit(1)
}

func newUnlocker() *keystore.Unlocker {
	u := &keystore.Unlocker{
		DataDir:        utils.GetAppPaths("").DataDir,
		PassphraseFile: passphraseFile,
		Config:         config,
	}
	if useKeychain {
		u.Session = crypto.NewKeyringSession(config.GetConfigWithDefault("keychain_service", "relay-dm"), "keystore")
	}
	return u
}

// unlockIdentity decrypts the keystore, creating a new identity on first use
func unlockIdentity() (*keystore.KeystoreData, *crypto.KeyPair, error) {
	data, err := newUnlocker().Unlock()
	if err != nil {
		return nil, nil, err
	}
	keyPair, err := data.KeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive identity key pair: %v", err)
	}
	return data, keyPair, nil
}

// identityPublicKey returns the local public key without unlocking the keystore
func identityPublicKey() (string, error) {
	u := newUnlocker()
	if !u.Exists() {
		return "", fmt.Errorf("no identity found in %s, run 'relay-dm key generate' first", u.DataDir)
	}
	if pub, err := u.PublicKey(); err == nil {
		return pub, nil
	}

	// keystores written before the public key was recorded need one unlock
	_, keyPair, err := unlockIdentity()
	if err != nil {
		return "", err
	}
	return keyPair.PublicKeyHex(), nil
}

// openIdentityDatabase opens the message database of the local identity
func openIdentityDatabase() *database.SQLiteManager {
	identity, err := identityPublicKey()
	if err != nil {
		exitWithError("cli", "%v", err)
	}
	logger.SetIdentity(identity)
	db, err := database.NewSQLiteManager(config, logger, identity)
	if err != nil {
		exitWithError("cli", "Failed to open message database: %v", err)
	}
	return db
}

// ensureNodeNotRunning refuses to share the database with a running node
func ensureNodeNotRunning() {
	pidManager, err := utils.NewPIDManager(config)
	if err != nil {
		exitWithError("cli", "Failed to create PID manager: %v", err)
	}
	if pid, err := pidManager.ReadPID(); err == nil && pidManager.IsProcessRunning(pid) {
		exitWithError("cli", "A node is already running with PID %d; use its API or 'relay-dm stop' first", pid)
	}
}

// session is a short-lived engine used by one-shot commands
type session struct {
	keyPair *crypto.KeyPair
	db      *database.SQLiteManager
	pool    *relay.Pool
	chat    *chat.ChatManager
	cancel  context.CancelFunc
}

func openSession() *session {
	ensureNodeNotRunning()

	_, keyPair, err := unlockIdentity()
	if err != nil {
		exitWithError("cli", "%v", err)
	}

	logger.SetIdentity(keyPair.PublicKeyHex())
	db, err := database.NewSQLiteManager(config, logger, keyPair.PublicKeyHex())
	if err != nil {
		exitWithError("cli", "Failed to open message database: %v", err)
	}

	relays, err := utils.LoadRelays(config)
	if err != nil {
		db.Close()
		exitWithError("cli", "Failed to load relays: %v", err)
	}
	pool := relay.NewPool(relays, relay.OptionsFromConfig(config), logger)

	chatManager, err := chat.NewChatManager(db, logger, config, chat.Options{
		KeyPair:   keyPair,
		Publisher: pool,
	})
	if err != nil {
		db.Close()
		exitWithError("cli", "Failed to create chat manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	if err := chatManager.Start(ctx); err != nil {
		cancel()
		pool.Close()
		db.Close()
		exitWithError("cli", "Failed to start delivery engine: %v", err)
	}

	return &session{
		keyPair: keyPair,
		db:      db,
		pool:    pool,
		chat:    chatManager,
		cancel:  cancel,
	}
}

// waitForRelays blocks until at least one relay is open or the timeout expires
func (s *session) waitForRelays(timeout time.Duration) bool {
	return waitForOpenRelay(s.pool, timeout)
}

func (s *session) Close() {
	s.chat.Stop()
	s.cancel()
	s.pool.Close()
	if err := s.db.Close(); err != nil {
		logger.Warn(fmt.Sprintf("Failed to close database: %v", err), "cli")
	}
}

func waitForOpenRelay(pool *relay.Pool, timeout time.Duration) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		for _, conn := range pool.Connections() {
			if conn.Status == relay.StatusOpen {
				return true
			}
		}
		select {
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:8] + "…" + key[len(key)-8:]
	}
	return key
}
