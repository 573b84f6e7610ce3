package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the control-plane database connection
var DB *sql.DB

// InitDB initializes the SQLite database connection and creates tables
func InitDB(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// CloseDB closes the database connection
func CloseDB() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

func createTables() error {
	_, err := DB.Exec(`
		CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 3306,
			db_name TEXT NOT NULL,
			username TEXT NOT NULL,
			password_ciphertext TEXT NOT NULL,
			password_nonce TEXT NOT NULL,
			password_key_id TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create connections table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS kill_switch_state (
			scope TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kill_switch_state table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS kill_switch_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			action TEXT NOT NULL,
			scope TEXT NOT NULL,
			reason TEXT NOT NULL,
			triggered_by TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kill_switch_audit_log table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS recommendation_packs (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			scan_run_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			total_count INTEGER NOT NULL DEFAULT 0,
			critical_count INTEGER NOT NULL DEFAULT 0,
			high_count INTEGER NOT NULL DEFAULT 0,
			medium_count INTEGER NOT NULL DEFAULT 0,
			low_count INTEGER NOT NULL DEFAULT 0,
			affected_tables TEXT NOT NULL DEFAULT '[]',
			top_issues TEXT NOT NULL DEFAULT '{}',
			recommendations TEXT NOT NULL DEFAULT '[]',
			scheduled_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (connection_id) REFERENCES connections(id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create recommendation_packs table: %w", err)
	}

	// Step status lives in its own table so multi-step progress survives a
	// restart independently of the embedded recommendations document.
	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS recommendation_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pack_id TEXT NOT NULL,
			rec_index INTEGER NOT NULL,
			fix_index INTEGER NOT NULL,
			step_number INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			sql_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			warning TEXT NOT NULL DEFAULT '',
			evidence TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			FOREIGN KEY (pack_id) REFERENCES recommendation_packs(id),
			UNIQUE(pack_id, rec_index, fix_index, step_number)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create recommendation_steps table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			pack_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			triggered_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			items TEXT NOT NULL DEFAULT '[]',
			success_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			skipped_count INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			FOREIGN KEY (pack_id) REFERENCES recommendation_packs(id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create execution_history table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_packs_connection_id ON recommendation_packs(connection_id)",
		"CREATE INDEX IF NOT EXISTS idx_packs_status ON recommendation_packs(status)",
		"CREATE INDEX IF NOT EXISTS idx_packs_created_at ON recommendation_packs(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_steps_fix ON recommendation_steps(pack_id, rec_index, fix_index)",
		"CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON kill_switch_audit_log(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_history_pack_id ON execution_history(pack_id)",
		"CREATE INDEX IF NOT EXISTS idx_history_connection_id ON execution_history(connection_id)",
	}
	for _, idx := range indexes {
		if _, err := DB.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
