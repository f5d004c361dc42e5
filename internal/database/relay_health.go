package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// RelayHealthDB records per-relay publish outcomes for the retry policy
type RelayHealthDB struct {
	db     *sql.DB
	logger Logger
}

// NewRelayHealthDB creates a new relay health manager
func NewRelayHealthDB(db *sql.DB, logger Logger) (*RelayHealthDB, error) {
	rdb := &RelayHealthDB{
		db:     db,
		logger: logger,
	}

	if err := rdb.createTables(); err != nil {
		return nil, err
	}

	logger.Info("Relay health manager initialized", "relay-db")
	return rdb, nil
}

func (rdb *RelayHealthDB) createTables() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS relay_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		relay_url TEXT NOT NULL,
		success INTEGER NOT NULL,
		latency_ms INTEGER,
		error TEXT,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_relay_outcomes_relay ON relay_outcomes(relay_url, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_relay_outcomes_time ON relay_outcomes(recorded_at);
	`

	if _, err := rdb.db.Exec(createTableSQL); err != nil {
		rdb.logger.Error(fmt.Sprintf("Failed to create relay_outcomes table: %v", err), "relay-db")
		return fmt.Errorf("failed to create relay_outcomes table: %v", err)
	}
	return nil
}

// RecordRelayOutcome stores one relay's answer to a publish
func (rdb *RelayHealthDB) RecordRelayOutcome(result types.RelayResult, at time.Time) error {
	_, err := ExecWithLogging(rdb.db, `
		INSERT INTO relay_outcomes (relay_url, success, latency_ms, error, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		rdb.logger, "relay-db",
		result.RelayURL, result.Success, result.LatencyMs, nullIfEmpty(result.Error), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record relay outcome: %v", err)
	}
	return nil
}

// GetRelayHealth aggregates outcomes per relay since the given time
func (rdb *RelayHealthDB) GetRelayHealth(since time.Time) ([]types.RelayHealth, error) {
	rows, err := QueryRows(rdb.db, `
		SELECT relay_url,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			MAX(recorded_at)
		FROM relay_outcomes
		WHERE recorded_at >= ?
		GROUP BY relay_url
		ORDER BY relay_url`,
		func(rows *sql.Rows) (*types.RelayHealth, error) {
			var (
				health   types.RelayHealth
				lastSeen int64
			)
			if err := rows.Scan(&health.RelayURL, &health.Successes, &health.Failures, &lastSeen); err != nil {
				return nil, err
			}
			health.LastSeen = time.UnixMilli(lastSeen)
			return &health, nil
		},
		rdb.logger, "relay-db", since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query relay health: %v", err)
	}

	health := make([]types.RelayHealth, 0, len(rows))
	for _, h := range rows {
		health = append(health, *h)
	}
	return health, nil
}

// CleanupOldOutcomes removes outcomes older than maxAge
func (rdb *RelayHealthDB) CleanupOldOutcomes(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := rdb.db.Exec(`DELETE FROM relay_outcomes WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup relay outcomes: %v", err)
	}
	return result.RowsAffected()
}
