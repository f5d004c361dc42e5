package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager owns the database of one local identity
type SQLiteManager struct {
	dir      string
	cm       *utils.ConfigManager
	db       *sql.DB
	logger   Logger
	identity string

	// Specialized managers
	Messages    *MessageStore
	RelayHealth *RelayHealthDB
}

// NewSQLiteManager opens (or creates) the database file scoped to the given identity public key
func NewSQLiteManager(cm *utils.ConfigManager, logger Logger, identity string) (*SQLiteManager, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("identity is required to open a message database")
	}

	paths := utils.GetAppPaths("")
	sqlm := &SQLiteManager{
		dir:      paths.DataDir,
		cm:       cm,
		logger:   logger,
		identity: strings.ToLower(identity),
	}

	db, err := sqlm.CreateConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %v", err)
	}
	sqlm.db = db

	if err := sqlm.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return sqlm, nil
}

// NewSQLiteManagerWithDB wraps an already opened database, used for in-memory databases
func NewSQLiteManagerWithDB(db *sql.DB, cm *utils.ConfigManager, logger Logger) (*SQLiteManager, error) {
	sqlm := &SQLiteManager{
		cm:     cm,
		db:     db,
		logger: logger,
	}
	if err := sqlm.initialize(); err != nil {
		return nil, err
	}
	return sqlm, nil
}

func (sqlm *SQLiteManager) initialize() error {
	if err := sqlm.initializeManagers(); err != nil {
		return fmt.Errorf("failed to initialize database managers: %v", err)
	}

	// Initialize blocklist table
	if err := sqlm.InitBlocklistTable(); err != nil {
		return fmt.Errorf("failed to initialize blocklist table: %v", err)
	}

	// Initialize contacts table
	if err := sqlm.InitContactsTable(); err != nil {
		return fmt.Errorf("failed to initialize contacts table: %v", err)
	}

	// Initialize message requests table
	if err := sqlm.InitMessageRequestsTable(); err != nil {
		return fmt.Errorf("failed to initialize message requests table: %v", err)
	}

	return nil
}

// CreateConnection creates and configures the database connection
func (sqlm *SQLiteManager) CreateConnection() (*sql.DB, error) {
	// Make sure we have os specific path separator since we are adding this path to host's path
	dbFileName := utils.IdentityFileName(sqlm.cm.GetConfigWithDefault("database_file", "relay-dm.db"), sqlm.identity)
	switch runtime.GOOS {
	case "linux", "darwin":
		dbFileName = filepath.ToSlash(dbFileName)
	case "windows":
		dbFileName = filepath.FromSlash(dbFileName)
	default:
		return nil, fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	path := filepath.Join(sqlm.dir, dbFileName)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		sqlm.logger.Info(fmt.Sprintf("Creating new message database %s", path), "database")
	}

	// synchronous=FULL: a persisted message must survive a crash right after the call returns
	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(FULL)", path))
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to enable WAL mode: %s", err.Error()), "database")
	}

	return db, nil
}

// initializeManagers sets up specialized database managers
func (sqlm *SQLiteManager) initializeManagers() error {
	var err error
	sqlm.Messages, err = NewMessageStore(sqlm.db, sqlm.logger, MessageStoreOptions{
		RetentionPerConversation: sqlm.cm.GetConfigInt("retention_per_conversation", 500, 1, 100000),
		MaxRetries:               sqlm.cm.GetConfigInt("retry_max_count", 5, 0, 100),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize message store: %v", err)
	}

	sqlm.RelayHealth, err = NewRelayHealthDB(sqlm.db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize relay health manager: %v", err)
	}

	sqlm.logger.Info("Database managers initialized successfully", "database")
	return nil
}

// GetDB returns the database connection for direct access if needed
func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

// Identity returns the public key this database is scoped to
func (sqlm *SQLiteManager) Identity() string {
	return sqlm.identity
}

// Close closes the database connection
func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}

// GetStats returns database statistics
func (sqlm *SQLiteManager) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	dbStats := sqlm.db.Stats()
	stats["connection_stats"] = map[string]interface{}{
		"max_open_connections": dbStats.MaxOpenConnections,
		"open_connections":     dbStats.OpenConnections,
		"in_use":               dbStats.InUse,
		"idle":                 dbStats.Idle,
	}

	if queue, err := sqlm.Messages.OutgoingStats(); err == nil {
		stats["outgoing_queue"] = queue
	}

	return stats
}

// PerformMaintenance runs database maintenance tasks
func (sqlm *SQLiteManager) PerformMaintenance() error {
	if sqlm.RelayHealth != nil {
		maxAge := sqlm.cm.GetConfigDuration("relay_health_retention", 7*24*time.Hour)
		cleaned, err := sqlm.RelayHealth.CleanupOldOutcomes(maxAge)
		if err != nil {
			sqlm.logger.Error(fmt.Sprintf("Failed to cleanup old relay outcomes: %v", err), "database")
		} else if cleaned > 0 {
			sqlm.logger.Info(fmt.Sprintf("Maintenance: cleaned up %d old relay outcomes", cleaned), "database")
		}
	}

	if _, err := sqlm.db.Exec("PRAGMA optimize;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to optimize database: %v", err), "database")
	}

	return nil
}
