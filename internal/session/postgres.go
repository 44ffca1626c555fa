// PostgreSQL-backed session store, the Postgres twin of the SQLite store for
// multi-node or managed-database deployments.

package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/plantmap/PlantPipe/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store with the
// given connection string.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL session store ready")

	return &PostgresStore{db: db}, nil
}

// Get retrieves the session for a chat identity, or nil if none exists.
func (s *PostgresStore) Get(chatID string) (*models.Session, error) {
	if chatID == "" {
		return nil, models.ErrEmptyChatID
	}
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM sessions WHERE chat_id = $1`, chatID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore Get failed", "error", err, "chatID", chatID)
		return nil, fmt.Errorf("failed to query session for %s: %w", chatID, err)
	}
	var sess models.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		slog.Error("PostgresStore Get unmarshal failed", "error", err, "chatID", chatID)
		return nil, fmt.Errorf("failed to decode session for %s: %w", chatID, err)
	}
	return &sess, nil
}

// GetOrCreate retrieves the session for a chat identity, creating a fresh
// IDLE session if none exists.
func (s *PostgresStore) GetOrCreate(chatID string) (*models.Session, error) {
	existing, err := s.Get(chatID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	sess := models.NewSession(chatID)
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore created session", "chatID", chatID)
	return sess, nil
}

// Save persists the session.
func (s *PostgresStore) Save(sess *models.Session) error {
	if sess == nil || sess.ChatID == "" {
		return models.ErrEmptyChatID
	}
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session for %s: %w", sess.ChatID, err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions (chat_id, body, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (chat_id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`, sess.ChatID, body)
	if err != nil {
		slog.Error("PostgresStore Save failed", "error", err, "chatID", sess.ChatID)
		return fmt.Errorf("failed to save session for %s: %w", sess.ChatID, err)
	}
	return nil
}

// Reset discards any existing session and returns a fresh IDLE session.
func (s *PostgresStore) Reset(chatID string) (*models.Session, error) {
	if chatID == "" {
		return nil, models.ErrEmptyChatID
	}
	sess := models.NewSession(chatID)
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore reset session", "chatID", chatID)
	return sess, nil
}

// Count returns the number of stored sessions.
func (s *PostgresStore) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		slog.Error("PostgresStore Count failed", "error", err)
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
