// Package session tracks live connections and which one is primary for each player.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cory-johannsen/highwizardry/internal/ratelimit"
)

// Session is one live connection, anonymous until bound to a player.
type Session struct {
	// ID is a random UUID assigned at accept time.
	ID string
	// RemoteAddr is informational.
	RemoteAddr string
	// Outbox carries encoded frames to the connection writer.
	Outbox *Outbox
	// Limits holds the per-class rate buckets. Only the router touches it.
	Limits *ratelimit.Limiter

	lastSeen atomic.Int64

	mu              sync.RWMutex
	playerID        string
	username        string
	token           string
	authenticatedAt time.Time
	lastPlayTime    time.Time
}

// New creates an anonymous session.
//
// Precondition: id must be non-empty; outbox and limits must be non-nil.
func New(id, remoteAddr string, outbox *Outbox, limits *ratelimit.Limiter, now time.Time) *Session {
	s := &Session{ID: id, RemoteAddr: remoteAddr, Outbox: outbox, Limits: limits}
	s.Touch(now)
	return s
}

// Touch records inbound traffic at now.
func (s *Session) Touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// LastSeen returns when inbound traffic was last recorded.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// PlayerID returns the bound player id, or "" for an anonymous session.
func (s *Session) PlayerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerID
}

// Username returns the bound username.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Token returns the session token issued at authentication.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticated reports whether the session is bound to a player.
func (s *Session) Authenticated() bool {
	return s.PlayerID() != ""
}

// AuthenticatedAt returns when the session was bound.
func (s *Session) AuthenticatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedAt
}

func (s *Session) bind(playerID, username, token string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playerID = playerID
	s.username = username
	s.token = token
	s.authenticatedAt = now
	s.lastPlayTime = now
}

// ClaimPlayTime returns the wall-clock time since the previous claim and
// restarts the interval at now.
func (s *Session) ClaimPlayTime(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPlayTime.IsZero() || now.Before(s.lastPlayTime) {
		s.lastPlayTime = now
		return 0
	}
	d := now.Sub(s.lastPlayTime)
	s.lastPlayTime = now
	return d
}

// Send enqueues a frame on the session's outbox.
func (s *Session) Send(frame []byte) error {
	return s.Outbox.Push(frame)
}

// Close ends the session with reason.
//
// Postcondition: Returns true only for the call that closed it.
func (s *Session) Close(reason CloseReason) bool {
	return s.Outbox.Close(reason)
}
