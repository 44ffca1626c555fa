// Package session provides session storage backends for PlantPipe.
//
// The default backend is an in-memory map keyed by conversation identity;
// SQLite and PostgreSQL backends are available for deployments that want
// sessions to survive a restart.
package session

import (
	"strings"

	"github.com/plantmap/PlantPipe/internal/models"
)

// Store is the key-value abstraction from conversation identity to session.
// It is injected into the conversation flow rather than captured as ambient
// state so that tests can substitute a fake store.
type Store interface {
	// Get retrieves the session for a chat identity, or nil if none exists.
	Get(chatID string) (*models.Session, error)

	// GetOrCreate retrieves the session for a chat identity, creating a fresh
	// IDLE session if none exists. An existing session is returned unchanged.
	GetOrCreate(chatID string) (*models.Session, error)

	// Save persists the session.
	Save(session *models.Session) error

	// Reset discards any existing session and returns a fresh IDLE session.
	Reset(chatID string) (*models.Session, error)

	// Count returns the number of active sessions.
	Count() (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration options for database-backed stores.
type Opts struct {
	DSN string
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

// DetectDSNType reports "postgres" for PostgreSQL-style connection strings
// and "sqlite" for anything else (assumed to be a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
