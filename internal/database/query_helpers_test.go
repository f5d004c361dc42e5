package database

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// mockLogger is a simple test logger that doesn't write to files
type mockLogger struct {
	warnings []string
}

func (m *mockLogger) Error(msg, category string) {}
func (m *mockLogger) Info(msg, category string)  {}
func (m *mockLogger) Warn(msg, category string)  { m.warnings = append(m.warnings, msg) }

// openTestDB opens an in-memory database pinned to a single connection,
// otherwise every pooled connection would see its own empty database
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

type testRow struct {
	ID   int64
	Name string
}

func setupHelpersTable(t *testing.T) (*sql.DB, *mockLogger) {
	db := openTestDB(t)
	if _, err := db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`); err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}
	return db, &mockLogger{}
}

func TestQueryRowSingle(t *testing.T) {
	db, logger := setupHelpersTable(t)
	if _, err := db.Exec(`INSERT INTO items (name) VALUES (?)`, "first"); err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}

	scan := func(row *sql.Row) (*testRow, error) {
		var r testRow
		if err := row.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		return &r, nil
	}

	t.Run("row found", func(t *testing.T) {
		result, err := QueryRowSingle(db, `SELECT id, name FROM items WHERE name = ?`, scan, logger, "test", "first")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if result == nil || result.Name != "first" {
			t.Errorf("Expected row named first, got %+v", result)
		}
	})

	t.Run("no rows returns nil", func(t *testing.T) {
		result, err := QueryRowSingle(db, `SELECT id, name FROM items WHERE name = ?`, scan, logger, "test", "missing")
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if result != nil {
			t.Errorf("Expected nil result, got %+v", result)
		}
	})

	t.Run("works inside a transaction", func(t *testing.T) {
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("Failed to begin transaction: %v", err)
		}
		defer tx.Rollback()

		if _, err := ExecWithLogging(tx, `INSERT INTO items (name) VALUES (?)`, logger, "test", "in-tx"); err != nil {
			t.Fatalf("Failed to insert inside transaction: %v", err)
		}
		result, err := QueryRowSingle(tx, `SELECT id, name FROM items WHERE name = ?`, scan, logger, "test", "in-tx")
		if err != nil || result == nil {
			t.Fatalf("Expected row inside transaction, got %+v (%v)", result, err)
		}
	})
}

func TestQueryRows(t *testing.T) {
	db, logger := setupHelpersTable(t)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := db.Exec(`INSERT INTO items (name) VALUES (?)`, name); err != nil {
			t.Fatalf("Failed to insert test data: %v", err)
		}
	}

	results, err := QueryRows(db, `SELECT id, name FROM items ORDER BY id`,
		func(rows *sql.Rows) (*testRow, error) {
			var r testRow
			if err := rows.Scan(&r.ID, &r.Name); err != nil {
				return nil, err
			}
			return &r, nil
		}, logger, "test")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(results))
	}
	if results[0].Name != "a" || results[2].Name != "c" {
		t.Errorf("Unexpected row order: %s, %s", results[0].Name, results[2].Name)
	}

	if _, err := QueryRows(db, `SELECT nope FROM items`, func(rows *sql.Rows) (*testRow, error) { return nil, nil }, logger, "test"); err == nil {
		t.Error("Expected error for invalid column")
	}
}

func TestExecWithAffectedRowsCheck(t *testing.T) {
	db, logger := setupHelpersTable(t)
	if _, err := db.Exec(`INSERT INTO items (name) VALUES ('x')`); err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}

	affected, err := ExecWithAffectedRowsCheck(db, `UPDATE items SET name = 'y' WHERE name = 'x'`, logger, "test")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	_, err = ExecWithAffectedRowsCheck(db, `UPDATE items SET name = 'z' WHERE name = 'missing'`, logger, "test")
	if err != sql.ErrNoRows {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
}

func TestScanNullableHelpers(t *testing.T) {
	if got := ScanNullableString(sql.NullString{String: "v", Valid: true}); got != "v" {
		t.Errorf("Expected v, got %q", got)
	}
	if got := ScanNullableString(sql.NullString{}); got != "" {
		t.Errorf("Expected empty string, got %q", got)
	}
	if got := ScanNullableInt64(sql.NullInt64{Int64: 7, Valid: true}); got == nil || *got != 7 {
		t.Errorf("Expected 7, got %v", got)
	}
	if got := ScanNullableInt64(sql.NullInt64{}); got != nil {
		t.Errorf("Expected nil, got %v", *got)
	}
}
