// Package store provides durable session storage backends for Minerva.
//
// This file implements the SQLite-backed session store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/minervahq/minerva/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite session store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	slog.Debug("SQLite database opened")

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure the sessions table exists
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetSession retrieves the session for an identity, or nil if absent.
func (s *SQLiteStore) GetSession(identity string) (*models.Session, error) {
	query := `SELECT identity, step, draft, created_at, updated_at FROM sessions WHERE identity = ?`

	var sess models.Session
	var draftJSON string

	err := s.db.QueryRow(query, identity).Scan(
		&sess.Identity, &sess.Step, &draftJSON, &sess.CreatedAt, &sess.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "identity", identity)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to load session for %s: %w", identity, err)
	}

	if draftJSON != "" {
		if err := json.Unmarshal([]byte(draftJSON), &sess.Data); err != nil {
			slog.Error("SQLiteStore GetSession draft unmarshal failed", "error", err, "identity", identity)
			return nil, fmt.Errorf("failed to decode draft for %s: %w", identity, err)
		}
	}

	slog.Debug("SQLiteStore GetSession found", "identity", identity, "step", sess.Step)
	return &sess, nil
}

// SaveSession stores or updates the session keyed by identity.
func (s *SQLiteStore) SaveSession(session models.Session) error {
	query := `
		INSERT OR REPLACE INTO sessions (identity, step, draft, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`

	draftJSON, err := json.Marshal(session.Data)
	if err != nil {
		slog.Error("SQLiteStore SaveSession draft marshal failed", "error", err, "identity", session.Identity)
		return fmt.Errorf("failed to encode draft for %s: %w", session.Identity, err)
	}

	_, err = s.db.Exec(query, session.Identity, session.Step, string(draftJSON),
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "identity", session.Identity, "step", session.Step)
		return fmt.Errorf("failed to save session for %s: %w", session.Identity, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "identity", session.Identity, "step", session.Step)
	return nil
}

// DeleteSession removes the session for an identity.
func (s *SQLiteStore) DeleteSession(identity string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE identity = ?`, identity)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "identity", identity)
		return fmt.Errorf("failed to delete session for %s: %w", identity, err)
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "identity", identity)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
