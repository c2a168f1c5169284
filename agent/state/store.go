package state

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence contract used around a reasoning-loop run. The
// core only defines the in-memory shape of a session; how long a store keeps
// it is deployment policy.
type Store interface {
	Load(ctx context.Context, conversationID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, conversationID string) error
}

// MemoryStore keeps sessions in-process. It is the default store and the
// one used by tests; sessions are cloned on both sides of the boundary so a
// running loop never aliases stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Load(_ context.Context, conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversation
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	if s.ConversationID == "" {
		return ErrEmptyConversation
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ConversationID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrEmptyConversation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
	return nil
}

// LoadOrCreate returns the stored session for the conversation, or a fresh
// one when none exists yet.
func LoadOrCreate(ctx context.Context, store Store, conversationID string, now time.Time) (*Session, error) {
	s, err := store.Load(ctx, conversationID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return NewSession(conversationID, now), nil
}
