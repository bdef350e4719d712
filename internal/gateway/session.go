package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/familyshield/familyd/internal/domain"
)

// Sessions tracks parent trust elevation. authenticate_parent issues a
// token; subsequent privileged calls present it.
//
// Resolution policy: an unexpired elevated session suffices to resolve
// approval requests - no fresh authentication per resolution. The bus
// layer already authenticated the role claim, and the session carries its
// own TTL. Root bypasses elevation entirely.
type Sessions struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]session
	now    func() time.Time
}

type session struct {
	parentID  string
	expiresAt time.Time
}

// NewSessions creates the session table.
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		ttl:    ttl,
		tokens: make(map[string]session),
		now:    time.Now,
	}
}

// WithClock overrides the clock (tests only).
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

// Elevate issues a fresh parent session token.
func (s *Sessions) Elevate(parentID string) (token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token = uuid.NewString()
	expiresAt = s.now().Add(s.ttl)
	s.tokens[token] = session{parentID: parentID, expiresAt: expiresAt}
	return token, expiresAt
}

// Validate returns the parent id behind an unexpired token, or "".
// Expired tokens are removed on the way out.
func (s *Sessions) Validate(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.tokens[token]
	if !ok {
		return ""
	}
	if s.now().After(sess.expiresAt) {
		delete(s.tokens, token)
		return ""
	}
	return sess.parentID
}

// Authorized reports whether the caller may act with parent trust: Root
// always, Parent only with a live elevated session.
func (s *Sessions) Authorized(role domain.Role, token string) bool {
	if role == domain.RoleRoot {
		return true
	}
	if role != domain.RoleParent {
		return false
	}
	return s.Validate(token) != ""
}
