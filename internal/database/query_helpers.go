package database

import (
	"database/sql"
	"fmt"
)

// Logger interface for query helpers - compatible with utils.LogsManager
type Logger interface {
	Error(msg, category string)
	Info(msg, category string)
	Warn(msg, category string)
}

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// QueryRowSingle executes a single-row query.
// Returns nil, nil when no row matches; other failures are logged and returned.
func QueryRowSingle[T any](
	q Querier,
	query string,
	scanFunc func(*sql.Row) (*T, error),
	logger Logger,
	logContext string,
	args ...interface{},
) (*T, error) {
	result, err := scanFunc(q.QueryRow(query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		logger.Error(fmt.Sprintf("Failed to query row: %v", err), logContext)
		return nil, err
	}

	return result, nil
}

// QueryRows executes a multi-row query.
// Rows that fail to scan are logged and skipped; the rest are returned.
func QueryRows[T any](
	q Querier,
	query string,
	scanFunc func(*sql.Rows) (*T, error),
	logger Logger,
	logContext string,
	args ...interface{},
) ([]*T, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to query rows: %v", err), logContext)
		return nil, err
	}
	defer rows.Close()

	var results []*T
	for rows.Next() {
		result, err := scanFunc(rows)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to scan row: %v", err), logContext)
			continue
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		logger.Error(fmt.Sprintf("Error iterating rows: %v", err), logContext)
		return nil, err
	}

	return results, nil
}

// ExecWithLogging executes a statement and logs failures
func ExecWithLogging(
	q Querier,
	query string,
	logger Logger,
	logContext string,
	args ...interface{},
) (sql.Result, error) {
	result, err := q.Exec(query, args...)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to execute query: %v", err), logContext)
		return nil, err
	}
	return result, nil
}

// ExecWithAffectedRowsCheck executes a statement that is expected to touch rows.
// Returns sql.ErrNoRows when nothing was affected.
func ExecWithAffectedRowsCheck(
	q Querier,
	query string,
	logger Logger,
	logContext string,
	args ...interface{},
) (int64, error) {
	result, err := ExecWithLogging(q, query, logger, logContext, args...)
	if err != nil {
		return 0, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rowsAffected == 0 {
		return 0, sql.ErrNoRows
	}

	return rowsAffected, nil
}

// ScanNullableString converts sql.NullString to string, empty when null
func ScanNullableString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// ScanNullableInt64 converts sql.NullInt64 to *int64, nil when null
func ScanNullableInt64(ni sql.NullInt64) *int64 {
	if ni.Valid {
		return &ni.Int64
	}
	return nil
}
