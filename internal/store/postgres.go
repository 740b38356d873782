// Package store provides durable session storage backends for Minerva.
//
// This file implements the PostgreSQL-backed session store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/minervahq/minerva/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres session store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	// Run migrations to ensure the sessions table exists
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// GetSession retrieves the session for an identity, or nil if absent.
func (s *PostgresStore) GetSession(identity string) (*models.Session, error) {
	query := `SELECT identity, step, draft, created_at, updated_at FROM sessions WHERE identity = $1`

	var sess models.Session
	var draftJSON string

	err := s.db.QueryRow(query, identity).Scan(
		&sess.Identity, &sess.Step, &draftJSON, &sess.CreatedAt, &sess.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "identity", identity)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to load session for %s: %w", identity, err)
	}

	if draftJSON != "" {
		if err := json.Unmarshal([]byte(draftJSON), &sess.Data); err != nil {
			slog.Error("PostgresStore GetSession draft unmarshal failed", "error", err, "identity", identity)
			return nil, fmt.Errorf("failed to decode draft for %s: %w", identity, err)
		}
	}

	slog.Debug("PostgresStore GetSession found", "identity", identity, "step", sess.Step)
	return &sess, nil
}

// SaveSession stores or updates the session keyed by identity.
func (s *PostgresStore) SaveSession(session models.Session) error {
	query := `
		INSERT INTO sessions (identity, step, draft, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity) DO UPDATE SET
			step = EXCLUDED.step,
			draft = EXCLUDED.draft,
			updated_at = EXCLUDED.updated_at`

	draftJSON, err := json.Marshal(session.Data)
	if err != nil {
		slog.Error("PostgresStore SaveSession draft marshal failed", "error", err, "identity", session.Identity)
		return fmt.Errorf("failed to encode draft for %s: %w", session.Identity, err)
	}

	_, err = s.db.Exec(query, session.Identity, session.Step, string(draftJSON),
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "identity", session.Identity, "step", session.Step)
		return fmt.Errorf("failed to save session for %s: %w", session.Identity, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "identity", session.Identity, "step", session.Step)
	return nil
}

// DeleteSession removes the session for an identity.
func (s *PostgresStore) DeleteSession(identity string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE identity = $1`, identity)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "identity", identity)
		return fmt.Errorf("failed to delete session for %s: %w", identity, err)
	}
	slog.Debug("PostgresStore DeleteSession succeeded", "identity", identity)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
