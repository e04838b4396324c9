package domain

import "sync"

// Session is the identity of one connection. Room membership is held by
// the hub, not here.
type Session struct {
	ID            string
	UserID        string
	Username      string
	Authenticated bool
	mu            sync.RWMutex
}

func NewSession(id string) *Session {
	return &Session{ID: id}
}

func (s *Session) Authenticate(userID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserID = userID
	s.Username = username
	s.Authenticated = true
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Authenticated
}

// Identity returns the sender fields for messages from this connection.
func (s *Session) Identity() (userID, username string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UserID, s.Username
}
