// Package store provides SQLite-backed persistence for provider configuration
// records and the OAuth account ownership ledger. The relational layer is the
// only coordination primitive in the service: multi-row transactions guard
// provider mutations and the unique account-name constraint arbitrates
// concurrent ownership claims.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store wraps the SQLite database handle.
type Store struct {
	sqlDB *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id              TEXT PRIMARY KEY,
	owner_user_id   TEXT NOT NULL,
	external_id     TEXT NOT NULL UNIQUE,
	display_name    TEXT NOT NULL,
	base_url        TEXT NOT NULL,
	credential_hash TEXT NOT NULL,
	routing_prefix  TEXT NOT NULL DEFAULT '',
	egress_proxy_url TEXT NOT NULL DEFAULT '',
	extra_headers   TEXT NOT NULL DEFAULT '{}',
	excluded_models TEXT NOT NULL DEFAULT '[]',
	sort_order      INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE (owner_user_id, display_name)
);

CREATE TABLE IF NOT EXISTS provider_models (
	provider_id   TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	upstream_name TEXT NOT NULL,
	alias         TEXT NOT NULL,
	PRIMARY KEY (provider_id, position)
);

CREATE TABLE IF NOT EXISTS oauth_accounts (
	account_name  TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	provider      TEXT NOT NULL,
	account_email TEXT NOT NULL DEFAULT '',
	claimed_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_providers_owner ON providers(owner_user_id);
CREATE INDEX IF NOT EXISTS idx_oauth_accounts_owner ON oauth_accounts(owner_user_id);
`

// Open opens (and bootstraps) the SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	// _pragma applies on every pooled connection, which matters for
	// foreign_keys: the cascade on provider delete must hold no matter
	// which connection runs the statement.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err = sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err = sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func encodeStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal string list: %w", err)
	}
	return string(encoded), nil
}

func decodeStrings(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, fmt.Errorf("unmarshal string list: %w", err)
	}
	return out, nil
}

func encodeHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}
	return string(encoded), nil
}

func decodeHeaders(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "{}" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return out, nil
}

// isUniqueViolation reports whether err stems from a UNIQUE or PRIMARY KEY
// constraint, optionally narrowed to a column mentioned in the driver message.
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			if column == "" {
				return true
			}
			return strings.Contains(strings.ToLower(err.Error()), column)
		}
	}
	message := strings.ToLower(err.Error())
	if !strings.Contains(message, "unique constraint failed") {
		return false
	}
	return column == "" || strings.Contains(message, column)
}
