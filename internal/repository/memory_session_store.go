package repository

import (
	"context"
	"sync"
	"time"

	"github.com/qcom/otpbroker/internal/models"
)

// MemorySessionStore keeps sessions in process memory. A restart discards
// every outstanding session.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.OTPSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]models.OTPSession),
	}
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*models.OTPSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (s *MemorySessionStore) Put(_ context.Context, session models.OTPSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.SessionID] = session
	return nil
}

func (s *MemorySessionStore) Update(_ context.Context, session models.OTPSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.SessionID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[session.SessionID] = session
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *MemorySessionStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
