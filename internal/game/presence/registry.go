// Package presence tracks which sessions occupy which location.
package presence

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Member is one session present in a location.
type Member struct {
	SessionID string
	PlayerID  string
}

// EventKind names a membership transition.
type EventKind string

const (
	Joined EventKind = "joined"
	Left   EventKind = "left"
)

// Event describes one membership transition. Members is the location's
// membership immediately after the transition.
type Event struct {
	Kind     EventKind
	Member   Member
	Location string
	Members  []Member
}

// Observer receives events in the order transitions happen.
// Observers may read the Registry but must not call Join, Leave, or Move.
type Observer func(Event)

// Registry maps sessions to locations. All methods are safe for concurrent use.
type Registry struct {
	// transition serializes mutation with observer delivery so observers see
	// transitions in commit order.
	transition sync.Mutex

	mu        sync.RWMutex
	rooms     map[string]map[string]Member
	where     map[string]string
	observers []Observer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]Member),
		where: make(map[string]string),
	}
}

// Subscribe registers o for every future transition.
func (r *Registry) Subscribe(o Observer) {
	r.transition.Lock()
	defer r.transition.Unlock()
	r.observers = append(r.observers, o)
}

// Join places the session in location. A session already present elsewhere
// is moved.
//
// Precondition: sessionID and location must be non-empty.
// Postcondition: Returns the events delivered to observers.
func (r *Registry) Join(sessionID, playerID, location string) []Event {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	var events []Event
	if from, ok := r.where[sessionID]; ok {
		if from == location {
			r.mu.Unlock()
			return nil
		}
		events = append(events, r.removeLocked(sessionID, from))
	}
	events = append(events, r.addLocked(Member{SessionID: sessionID, PlayerID: playerID}, location))
	r.mu.Unlock()

	r.notify(events)
	return events
}

// Leave removes the session from its location.
//
// Postcondition: Returns the Left event and true, or false when the session was absent.
func (r *Registry) Leave(sessionID string) (Event, bool) {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	from, ok := r.where[sessionID]
	if !ok {
		r.mu.Unlock()
		return Event{}, false
	}
	ev := r.removeLocked(sessionID, from)
	r.mu.Unlock()

	r.notify([]Event{ev})
	return ev, true
}

// Move transfers the session from its current location to to as one
// transition: a Left event for the old location then a Joined event for the new.
//
// Postcondition: Returns an error if the session is not present. Moving to the
// current location is a no-op.
func (r *Registry) Move(sessionID, to string) (from string, events []Event, err error) {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	from, ok := r.where[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", nil, fmt.Errorf("session %q not present", sessionID)
	}
	if from == to {
		r.mu.Unlock()
		return from, nil, nil
	}
	member := r.rooms[from][sessionID]
	events = []Event{r.removeLocked(sessionID, from), r.addLocked(member, to)}
	r.mu.Unlock()

	r.notify(events)
	return from, events, nil
}

func (r *Registry) addLocked(m Member, location string) Event {
	room := r.rooms[location]
	if room == nil {
		room = make(map[string]Member)
		r.rooms[location] = room
	}
	room[m.SessionID] = m
	r.where[m.SessionID] = location
	return Event{Kind: Joined, Member: m, Location: location, Members: sortedMembers(room)}
}

func (r *Registry) removeLocked(sessionID, location string) Event {
	room := r.rooms[location]
	m := room[sessionID]
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, location)
	}
	delete(r.where, sessionID)
	return Event{Kind: Left, Member: m, Location: location, Members: sortedMembers(room)}
}

func (r *Registry) notify(events []Event) {
	for _, ev := range events {
		for _, o := range r.observers {
			o(ev)
		}
	}
}

// Location returns the session's current location.
func (r *Registry) Location(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.where[sessionID]
	return loc, ok
}

// Members returns a stable snapshot of the location's membership ordered by session id.
func (r *Registry) Members(location string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedMembers(r.rooms[location])
}

// SessionIDs returns the session ids present in location.
func (r *Registry) SessionIDs(location string) []string {
	members := r.Members(location)
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.SessionID
	}
	return ids
}

// Locations returns every occupied location.
func (r *Registry) Locations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for loc := range r.rooms {
		out = append(out, loc)
	}
	slices.Sort(out)
	return out
}

// Count returns the number of present sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.where)
}

func sortedMembers(room map[string]Member) []Member {
	out := make([]Member, 0, len(room))
	for _, m := range room {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.SessionID, b.SessionID) })
	return out
}
