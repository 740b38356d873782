// Package store provides durable session storage backends for Minerva.
//
// Sessions are keyed by identity and saved whole on every turn, so a crash
// never loses more than the in-flight turn. SQLite, PostgreSQL and in-memory
// implementations are provided behind the Store interface.
package store

import (
	"strings"
	"sync"

	"github.com/minervahq/minerva/internal/models"
)

// Store is the load/mutate/save contract around each conversation turn.
// GetSession returns nil (not an error) when the identity has no session yet;
// SaveSession upserts with last-write-wins semantics.
type Store interface {
	GetSession(identity string) (*models.Session, error)
	SaveSession(session models.Session) error
	DeleteSession(identity string) error
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". PostgreSQL DSNs
// use URL form (postgres://...) or key-value form (host=... user=...);
// anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore keeps sessions in a map. Used by tests and as a fallback
// when no DSN is configured; contents do not survive a restart.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

// NewInMemoryStore creates an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]models.Session)}
}

// GetSession returns the stored session for identity, or nil if absent.
func (s *InMemoryStore) GetSession(identity string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[identity]
	if !ok {
		return nil, nil
	}
	copy := sess
	return &copy, nil
}

// SaveSession upserts the session keyed by its identity.
func (s *InMemoryStore) SaveSession(session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Identity] = session
	return nil
}

// DeleteSession removes the session for identity, if any.
func (s *InMemoryStore) DeleteSession(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, identity)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
