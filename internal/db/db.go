// Package db persists the futures expiry calendar and discovered
// products in a small SQLite database under the data directory.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"quant-sandbox/internal/logger"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the database in dataDir and runs migrations.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "quant.db")
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS expiry_calendar (
				root             TEXT NOT NULL,
				conid            INTEGER NOT NULL,
				local_symbol     TEXT NOT NULL,
				symbol           TEXT NOT NULL,
				exchange         TEXT,
				currency         TEXT,
				multiplier       REAL,
				listing_date     TEXT,
				last_trading_day TEXT NOT NULL,
				PRIMARY KEY (root, conid)
			);
			CREATE INDEX IF NOT EXISTS idx_expiry_root_ltd ON expiry_calendar(root, last_trading_day);

			CREATE TABLE IF NOT EXISTS expiry_calendar_meta (
				root         TEXT PRIMARY KEY,
				refreshed_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS discovered_products (
				root          TEXT PRIMARY KEY,
				symbol        TEXT NOT NULL,
				trading_class TEXT,
				exchange      TEXT NOT NULL,
				currency      TEXT,
				multiplier    REAL,
				discovered_at TEXT NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1 (expiry calendar)")
	}

	return nil
}

// SqlDB returns the underlying *sql.DB.
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}
