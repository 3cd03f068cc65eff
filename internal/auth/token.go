package auth

import (
	"sync"
	"time"
)

// Token is the credential set for one Home Assistant session.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ServerURL    string
}

// IsExpired reports whether the token lifetime has elapsed. A token is already
// expired at exactly ExpiresAt.
func (t Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t Token) HasRefresh() bool {
	return t.RefreshToken != ""
}

// Store holds the current session token. Implementations must be safe for
// concurrent use since token refresh can race with a live realtime channel.
type Store interface {
	Get() (Token, bool)
	Set(Token)
	Clear()
	// IsExpired is true when no token is stored.
	IsExpired(now time.Time) bool
}

type MemoryStore struct {
	mu    sync.RWMutex
	token Token
	ok    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.ok
}

func (s *MemoryStore) Set(token Token) {
	s.mu.Lock()
	s.token = token
	s.ok = true
	s.mu.Unlock()
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.token = Token{}
	s.ok = false
	s.mu.Unlock()
}

func (s *MemoryStore) IsExpired(now time.Time) bool {
	token, ok := s.Get()
	if !ok {
		return true
	}
	return token.IsExpired(now)
}
