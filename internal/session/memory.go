package session

import (
	"log/slog"
	"sync"

	"github.com/plantmap/PlantPipe/internal/models"
)

// InMemoryStore keeps sessions in process memory. Sessions are volatile and
// lost on restart; the user simply starts the conversation over. The map is
// guarded for concurrently dispatched handlers of different conversations,
// but no mutual exclusion is provided within one conversation identity.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewInMemoryStore creates an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*models.Session)}
}

// Get retrieves the session for a chat identity, or nil if none exists.
func (s *InMemoryStore) Get(chatID string) (*models.Session, error) {
	if chatID == "" {
		return nil, models.ErrEmptyChatID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[chatID], nil
}

// GetOrCreate retrieves the session for a chat identity, creating a fresh
// IDLE session if none exists.
func (s *InMemoryStore) GetOrCreate(chatID string) (*models.Session, error) {
	if chatID == "" {
		return nil, models.ErrEmptyChatID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[chatID]; ok {
		return existing, nil
	}
	sess := models.NewSession(chatID)
	s.sessions[chatID] = sess
	slog.Debug("InMemoryStore created session", "chatID", chatID)
	return sess, nil
}

// Save persists the session.
func (s *InMemoryStore) Save(sess *models.Session) error {
	if sess == nil || sess.ChatID == "" {
		return models.ErrEmptyChatID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ChatID] = sess
	return nil
}

// Reset discards any existing session and returns a fresh IDLE session.
func (s *InMemoryStore) Reset(chatID string) (*models.Session, error) {
	if chatID == "" {
		return nil, models.ErrEmptyChatID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := models.NewSession(chatID)
	s.sessions[chatID] = sess
	slog.Debug("InMemoryStore reset session", "chatID", chatID)
	return sess, nil
}

// Count returns the number of active sessions.
func (s *InMemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
