package session

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Manager tracks all live sessions and the primary session of each player.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // session id → session
	byPlayer map[string]map[string]*Session // player id → session id → session
	primary  map[string]string              // player id → session id
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byPlayer: make(map[string]map[string]*Session),
		primary:  make(map[string]string),
	}
}

// Add registers an anonymous session.
//
// Postcondition: Returns an error if the id is already registered.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %q already registered", s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

// Bind attaches the session to playerID and makes it the player's primary.
//
// Precondition: the session must be registered; playerID must be non-empty.
// Postcondition: Returns the session that was primary before, if any and if
// different from s. The caller is responsible for closing it.
func (m *Manager) Bind(sessionID, playerID, username, token string, now time.Time) (replaced *Session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q not found", sessionID)
	}
	if prev := s.PlayerID(); prev != "" && prev != playerID {
		m.unbindLocked(s, prev)
	}
	s.bind(playerID, username, token, now)

	set := m.byPlayer[playerID]
	if set == nil {
		set = make(map[string]*Session)
		m.byPlayer[playerID] = set
	}
	set[sessionID] = s

	if old, ok := m.primary[playerID]; ok && old != sessionID {
		replaced = m.sessions[old]
	}
	m.primary[playerID] = sessionID
	return replaced, nil
}

func (m *Manager) unbindLocked(s *Session, playerID string) {
	if set := m.byPlayer[playerID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(m.byPlayer, playerID)
		}
	}
	if m.primary[playerID] == s.ID {
		delete(m.primary, playerID)
		// Promote the newest remaining session.
		var newest *Session
		for _, other := range m.byPlayer[playerID] {
			if newest == nil || other.AuthenticatedAt().After(newest.AuthenticatedAt()) {
				newest = other
			}
		}
		if newest != nil {
			m.primary[playerID] = newest.ID
		}
	}
}

// Remove unregisters the session.
//
// Postcondition: Returns the removed session and whether it was its player's
// primary. Removing an unknown id returns (nil, false).
func (m *Manager) Remove(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(m.sessions, sessionID)
	wasPrimary := false
	if pid := s.PlayerID(); pid != "" {
		wasPrimary = m.primary[pid] == sessionID
		m.unbindLocked(s, pid)
	}
	return s, wasPrimary
}

// Get returns the session with the given id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Primary returns the player's primary session.
func (m *Manager) Primary(playerID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.primary[playerID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// IsPrimary reports whether the session is its player's primary.
func (m *Manager) IsPrimary(s *Session) bool {
	pid := s.PlayerID()
	if pid == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary[pid] == s.ID
}

// Online reports whether the player has a live session.
func (m *Manager) Online(playerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPlayer[playerID]) > 0
}

// SessionsFor returns every live session bound to the player.
func (m *Manager) SessionsFor(playerID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byPlayer[playerID]))
	for _, s := range m.byPlayer[playerID] {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every registered session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Authenticated returns a snapshot of every session bound to a player.
func (m *Manager) Authenticated() []*Session {
	return slices.DeleteFunc(m.All(), func(s *Session) bool { return !s.Authenticated() })
}

// OnlinePlayerIDs returns the ids of players with a primary session.
func (m *Manager) OnlinePlayerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.primary))
	for pid := range m.primary {
		out = append(out, pid)
	}
	slices.Sort(out)
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
