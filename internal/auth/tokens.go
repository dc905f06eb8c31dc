package auth

import (
	"sync"
	"time"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
)

var (
	// ErrInvalidToken is returned for unknown, revoked, or malformed tokens.
	ErrInvalidToken = apperr.New(apperr.InvalidToken, "invalid token")
	// ErrExpired is returned for tokens and secrets past their expiry.
	ErrExpired = apperr.New(apperr.Expired, "token expired")
)

// Identity is the player a session token stands for.
type Identity struct {
	PlayerID string
	Username string
}

type tokenEntry struct {
	Identity
	issuedAt  time.Time
	expiresAt time.Time
}

// Tokens maps opaque session tokens to identities with sliding expiry.
// All methods are safe for concurrent use.
type Tokens struct {
	ttl time.Duration

	mu       sync.Mutex
	byToken  map[string]*tokenEntry
	byPlayer map[string]map[string]struct{}
}

// NewTokens creates an empty registry whose tokens live ttl past their last use.
func NewTokens(ttl time.Duration) *Tokens {
	return &Tokens{
		ttl:      ttl,
		byToken:  make(map[string]*tokenEntry),
		byPlayer: make(map[string]map[string]struct{}),
	}
}

// Issue creates a token for id.
func (t *Tokens) Issue(id Identity, now time.Time) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byToken[token] = &tokenEntry{Identity: id, issuedAt: now, expiresAt: now.Add(t.ttl)}
	set := t.byPlayer[id.PlayerID]
	if set == nil {
		set = make(map[string]struct{})
		t.byPlayer[id.PlayerID] = set
	}
	set[token] = struct{}{}
	return token, nil
}

// Lookup resolves token and slides its expiry to now+ttl.
//
// Postcondition: Returns ErrExpired once for a lapsed token, which is then
// forgotten; later lookups return ErrInvalidToken.
func (t *Tokens) Lookup(token string, now time.Time) (Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byToken[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if !now.Before(e.expiresAt) {
		t.removeLocked(token, e.PlayerID)
		return Identity{}, ErrExpired
	}
	e.expiresAt = now.Add(t.ttl)
	return e.Identity, nil
}

// Touch slides a live token's expiry to now+ttl and reports whether it was live.
func (t *Tokens) Touch(token string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byToken[token]
	if !ok || !now.Before(e.expiresAt) {
		return false
	}
	e.expiresAt = now.Add(t.ttl)
	return true
}

// Revoke forgets a single token.
func (t *Tokens) Revoke(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byToken[token]; ok {
		t.removeLocked(token, e.PlayerID)
	}
}

// RevokePlayer forgets every token of the player and returns how many there were.
func (t *Tokens) RevokePlayer(playerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byPlayer[playerID]
	for token := range set {
		delete(t.byToken, token)
	}
	delete(t.byPlayer, playerID)
	return len(set)
}

// Sweep forgets every token expired at now and returns how many were removed.
func (t *Tokens) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for token, e := range t.byToken {
		if !now.Before(e.expiresAt) {
			t.removeLocked(token, e.PlayerID)
			n++
		}
	}
	return n
}

// Len returns the number of live tokens.
func (t *Tokens) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}

func (t *Tokens) removeLocked(token, playerID string) {
	delete(t.byToken, token)
	if set := t.byPlayer[playerID]; set != nil {
		delete(set, token)
		if len(set) == 0 {
			delete(t.byPlayer, playerID)
		}
	}
}
