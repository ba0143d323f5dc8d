// Package store provides optional SQLite-backed durability for routing-
// table and room-membership bookkeeping, so a relay node retains neighbor
// reputation and room state across restarts. It never persists forwarded
// sync/awareness payload bytes (spec §1 non-goal).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database for one relay node's persistent state.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the SQLite database at path, enabling WAL mode for
// concurrent access the way the teacher's peer database does.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: configure database: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS routing_entries (
			node_id         TEXT PRIMARY KEY,
			endpoints       TEXT NOT NULL DEFAULT '{}',
			capabilities    TEXT NOT NULL DEFAULT '{}',
			workspace_count INTEGER NOT NULL DEFAULT 0,
			uptime_seconds  INTEGER NOT NULL DEFAULT 0,
			version         TEXT NOT NULL DEFAULT '',
			last_seen       INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS rooms (
			room_id        TEXT PRIMARY KEY,
			auth_policy    TEXT NOT NULL DEFAULT 'open',
			auth_secret    TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			last_activity  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
