// Package sqlite stores accounts and a log of channel and status events in
// a SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// FileName is the database file created inside the data directory.
const FileName = "telepathy.db"

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, FileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			object_path TEXT PRIMARY KEY,
			manager TEXT NOT NULL,
			protocol TEXT NOT NULL,
			display_name TEXT,
			params_json TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			requested_type INTEGER DEFAULT 0,
			requested_status TEXT,
			requested_message TEXT,
			current_type INTEGER DEFAULT 0,
			current_status TEXT,
			current_message TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS channel_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection TEXT NOT NULL,
			kind TEXT NOT NULL,
			object_path TEXT,
			channel_type TEXT,
			handle_type INTEGER DEFAULT 0,
			handle INTEGER DEFAULT 0,
			detail TEXT,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_events_connection ON channel_events(connection)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_events_timestamp ON channel_events(timestamp)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Databases from before suppressed handlers were recorded lack the column.
	if _, err := d.db.Exec(`ALTER TABLE channel_events ADD COLUMN suppress_handler INTEGER DEFAULT 0`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
			return fmt.Errorf("failed to ensure suppress_handler column: %w", err)
		}
	}

	return nil
}

func (d *DB) SetSetting(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO settings (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

func (d *DB) Setting(key string) (string, error) {
	var value sql.NullString
	err := d.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value.String, err
}

func (d *DB) DeleteSetting(key string) error {
	_, err := d.db.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}

func (d *DB) GetDatabaseSize() (int64, error) {
	var pageCount, pageSize int64
	err := d.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, err
	}
	err = d.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}
