// Package devotp captures one-time codes and link tokens in memory so a developer can read them
// back through DevService. It is wired only when DEV_OTP_ENABLED is set outside production.
package devotp

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store holds plaintext secrets by key until they expire.
type Store interface {
	Put(ctx context.Context, key, secret string, expiresAt time.Time)
	// Get returns the secret for key if present and not expired.
	Get(ctx context.Context, key string) (secret string, ok bool)
}

// TokenKey is the key under which a link token mailed to email for eventKey is filed, e.g.
// TokenKey("magic_link", "a@x.com"). OTP codes are filed under their challenge id instead.
func TokenKey(eventKey, email string) string {
	return eventKey + ":" + strings.ToLower(strings.TrimSpace(email))
}

type entry struct {
	secret    string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]entry),
		nowF: time.Now,
	}
}

// Put stores secret for key, replacing any earlier value, and drops expired entries.
func (s *MemoryStore) Put(ctx context.Context, key, secret string, expiresAt time.Time) {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.m {
		if !e.expiresAt.After(now) {
			delete(s.m, k)
		}
	}
	s.m[key] = entry{secret: secret, expiresAt: expiresAt}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok || !e.expiresAt.After(s.nowF()) {
		return "", false
	}
	return e.secret, true
}
