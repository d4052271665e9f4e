// Package persistence provides SQLite-backed storage for the state that
// must survive a hub restart: the registry cache and the audit log.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/hub/internal/audit"
	"github.com/workspace/hub/internal/registry"
)

// Store provides persistent hub state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the registry cache table. One row per bridge id; the
// full registration snapshot is stored as JSON since the cache is opaque
// to SQL (never queried field-wise).
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS registry_cache (
			bridge_id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 creates the audit log table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			route TEXT NOT NULL,
			bridge_id TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			policy_mode TEXT NOT NULL DEFAULT '',
			origin_key TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_bridge ON audit_log(bridge_id);
	`)
	return err
}

// SaveRegistry replaces the cached registry snapshot. Implements
// registry.Cache.
func (s *Store) SaveRegistry(entries []registry.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin registry save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM registry_cache"); err != nil {
		return fmt.Errorf("clear registry cache: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, entry := range entries {
		snapshot, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal registration %s: %w", entry.BridgeID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO registry_cache (bridge_id, snapshot, updated_at) VALUES (?, ?, ?)",
			entry.BridgeID, string(snapshot), now,
		); err != nil {
			return fmt.Errorf("insert registration %s: %w", entry.BridgeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registry save: %w", err)
	}
	return nil
}

// LoadRegistry returns the cached registry snapshot from a prior run.
// Rows that fail to decode are skipped with a warning rather than failing
// the whole restore.
func (s *Store) LoadRegistry() ([]registry.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT bridge_id, snapshot FROM registry_cache")
	if err != nil {
		return nil, fmt.Errorf("query registry cache: %w", err)
	}
	defer rows.Close()

	var entries []registry.Registration
	for rows.Next() {
		var bridgeID, snapshot string
		if err := rows.Scan(&bridgeID, &snapshot); err != nil {
			return nil, fmt.Errorf("scan registry cache row: %w", err)
		}
		var entry registry.Registration
		if err := json.Unmarshal([]byte(snapshot), &entry); err != nil {
			slog.Warn("Skipping undecodable registry cache row", "bridgeId", bridgeID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registry cache: %w", err)
	}
	return entries, nil
}

// InsertAuditEntries appends a batch of audit records. Implements
// audit.Sink.
func (s *Store) InsertAuditEntries(entries []audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin audit insert: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.Exec(
			"INSERT INTO audit_log (route, bridge_id, decision, policy_mode, origin_key, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			e.Route, e.BridgeID, e.Decision, e.PolicyMode, e.OriginKey, e.Detail,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit insert: %w", err)
	}
	return nil
}

// ListAuditEntries returns the newest audit records up to limit.
func (s *Store) ListAuditEntries(limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT route, bridge_id, decision, policy_mode, origin_key, detail, created_at FROM audit_log ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var createdAt string
		if err := rows.Scan(&e.Route, &e.BridgeID, &e.Decision, &e.PolicyMode, &e.OriginKey, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.Timestamp = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}

	if entries == nil {
		entries = []audit.Entry{}
	}
	return entries, nil
}
