package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"dealtalk/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured for the given driver.
func Open(driver string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[driver]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", driver)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the embedded store tables are present. The unique
// (owner_id, counterpart_key) index is what collapses duplicate session
// creation server-side; a NULL key (counterpart known by display name
// only) is exempt from the constraint.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				owner_id INTEGER NOT NULL,
				counterpart_name TEXT NOT NULL,
				counterpart_key TEXT,
				provider_listing INTEGER NOT NULL DEFAULT 0,
				last_preview TEXT NOT NULL DEFAULT '',
				last_activity_at DATETIME NOT NULL,
				unread_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_owner_key
				ON sessions(owner_id, counterpart_key)
				WHERE counterpart_key IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_owner_activity
				ON sessions(owner_id, last_activity_at DESC)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				author_is_self INTEGER NOT NULL,
				body TEXT NOT NULL,
				sent_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_sent
				ON messages(session_id, sent_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id VARCHAR(36) NOT NULL,
				owner_id BIGINT NOT NULL,
				counterpart_name VARCHAR(255) NOT NULL,
				counterpart_key VARCHAR(255),
				provider_listing TINYINT(1) NOT NULL DEFAULT 0,
				last_preview TEXT NOT NULL,
				last_activity_at DATETIME(6) NOT NULL,
				unread_count INT NOT NULL DEFAULT 0,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_sessions_owner_key (owner_id, counterpart_key),
				INDEX idx_sessions_owner_activity (owner_id, last_activity_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(26) NOT NULL,
				session_id VARCHAR(36) NOT NULL,
				author_is_self TINYINT(1) NOT NULL,
				body MEDIUMTEXT NOT NULL,
				sent_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_session_sent (session_id, sent_at),
				CONSTRAINT fk_messages_session FOREIGN KEY (session_id)
					REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
