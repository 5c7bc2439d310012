package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var DB *sql.DB

// openAttempts bounds the linear-backoff retry loop used when the
// database is busy at startup (e.g. another instance holds the WAL lock).
const openAttempts = 5

// Init initializes the database connection and schema
func Init(path string) error {
	var err error

	if err = ensureDirectory(path); err != nil {
		return err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	DB, err = sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	if err = pingWithRetry(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	enableWAL()
	if err = createSchema(); err != nil {
		return err
	}
	migrateSchema()
	return nil
}

// pingWithRetry retries the initial connection with an incrementing delay.
// Write failures later on are not retried; they surface to the caller as-is.
func pingWithRetry() error {
	var err error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		if err = DB.Ping(); err == nil {
			return nil
		}
		log.Printf("db: ping attempt %d/%d failed: %v", attempt, openAttempts, err)
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	return err
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	return nil
}

func enableWAL() {
	if _, err := DB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("⚠️  Could not enable WAL mode: %v", err)
	}
}

// Schema returns the full DDL so tests can build an identical database.
func Schema() string {
	return schema
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		is_admin INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS plugins (
		slug TEXT PRIMARY KEY,
		identifier TEXT UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'unlisted',
		settings JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users_plugins (
		user_id INTEGER NOT NULL,
		plugin_slug TEXT NOT NULL,
		is_primary_owner INTEGER DEFAULT 0,
		PRIMARY KEY (user_id, plugin_slug),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (plugin_slug) REFERENCES plugins(slug) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS builds_ids (
		plugin_slug TEXT PRIMARY KEY,
		curr_id INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (plugin_slug) REFERENCES plugins(slug) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS builds (
		plugin_slug TEXT NOT NULL,
		id INTEGER NOT NULL,
		state TEXT NOT NULL,
		build_info JSON,
		manifest_info JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (plugin_slug, id),
		FOREIGN KEY (plugin_slug) REFERENCES plugins(slug) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_builds_state ON builds(state);

	CREATE TABLE IF NOT EXISTS builds_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin_slug TEXT NOT NULL,
		build_id INTEGER NOT NULL,
		logs TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (plugin_slug) REFERENCES plugins(slug) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_builds_logs_build ON builds_logs(plugin_slug, build_id);

	CREATE TABLE IF NOT EXISTS versions (
		plugin_slug TEXT NOT NULL,
		ver TEXT NOT NULL,
		build_id INTEGER NOT NULL,
		btcpay_min_ver TEXT NOT NULL DEFAULT '',
		pre_release INTEGER NOT NULL DEFAULT 1,
		signature_proof TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (plugin_slug, ver),
		FOREIGN KEY (plugin_slug) REFERENCES plugins(slug) ON DELETE CASCADE
	);
`

func createSchema() error {
	if _, err := DB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func migrateSchema() {
	// Add visibility column for databases created before listings existed
	DB.Exec("ALTER TABLE plugins ADD COLUMN visibility TEXT NOT NULL DEFAULT 'unlisted'")
}
