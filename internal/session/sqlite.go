// SQLite-backed session store. Sessions are serialized as JSON in a single
// column keyed by chat identity.

package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/plantmap/PlantPipe/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed session store with the given DSN.
// The DSN should be a file path; missing directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite session store ready", "path", cfg.DSN)

	return &SQLiteStore{db: db}, nil
}

// Get retrieves the session for a chat identity, or nil if none exists.
func (s *SQLiteStore) Get(chatID string) (*models.Session, error) {
	if chatID == "" {
		return nil, models.ErrEmptyChatID
	}
	var body string
	err := s.db.QueryRow(`SELECT body FROM sessions WHERE chat_id = ?`, chatID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore Get failed", "error", err, "chatID", chatID)
		return nil, fmt.Errorf("failed to query session for %s: %w", chatID, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		slog.Error("SQLiteStore Get unmarshal failed", "error", err, "chatID", chatID)
		return nil, fmt.Errorf("failed to decode session for %s: %w", chatID, err)
	}
	return &sess, nil
}

// GetOrCreate retrieves the session for a chat identity, creating a fresh
// IDLE session if none exists.
func (s *SQLiteStore) GetOrCreate(chatID string) (*models.Session, error) {
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
	slog.Debug("SQLiteStore created session", "chatID", chatID)
	return sess, nil
}

// Save persists the session.
func (s *SQLiteStore) Save(sess *models.Session) error {
	if sess == nil || sess.ChatID == "" {
		return models.ErrEmptyChatID
	}
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session for %s: %w", sess.ChatID, err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions (chat_id, body, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`, sess.ChatID, string(body))
	if err != nil {
		slog.Error("SQLiteStore Save failed", "error", err, "chatID", sess.ChatID)
		return fmt.Errorf("failed to save session for %s: %w", sess.ChatID, err)
	}
	return nil
}

// Reset discards any existing session and returns a fresh IDLE session.
func (s *SQLiteStore) Reset(chatID string) (*models.Session, error) {
	if chatID == "" {
		return nil, models.ErrEmptyChatID
	}
	sess := models.NewSession(chatID)
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore reset session", "chatID", chatID)
	return sess, nil
}

// Count returns the number of stored sessions.
func (s *SQLiteStore) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		slog.Error("SQLiteStore Count failed", "error", err)
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
