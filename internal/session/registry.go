package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Errors
var (
	// ErrUnknownSession indicates an identifier that was never issued.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNoRoomJoined indicates a session that has not yet entered any room.
	ErrNoRoomJoined = errors.New("no room joined")
)

// Transport pushes frames to one connected client. Implementations must be
// safe for concurrent Send calls: broker deliveries and acknowledgments race.
type Transport interface {
	Send(data []byte) error
}

// RegistryStats provides counts for observability endpoints.
type RegistryStats struct {
	Sessions int // issued sessions, live or dormant
	Live     int // sessions with a transport attached
	Rooms    int // distinct rooms with at least one session assigned
}

// Registry tracks issued sessions, their liveness, and their current room.
type Registry interface {
	// Issue creates a new dormant session and returns its identifier.
	Issue() string

	// Attach marks a session live with the given transport.
	Attach(sessionID string, t Transport) error

	// SetRoom updates a session's current room.
	SetRoom(sessionID, room string) error

	// Detach clears a session's transport, leaving it dormant. Idempotent.
	Detach(sessionID string)

	// Resolve returns the transport for a live session. A dormant or unknown
	// session returns ok=false; callers treat that as a normal race, not an
	// error.
	Resolve(sessionID string) (Transport, bool)

	// Room returns a session's current room; empty string means none joined.
	Room(sessionID string) (string, error)

	// Rooms returns the distinct rooms currently assigned to any session.
	Rooms() []string

	// Stats returns current registry counts.
	Stats() RegistryStats
}

// sessionState holds one session's registry entry.
type sessionState struct {
	room      string
	transport Transport // nil while dormant
}

// registryImpl implements the Registry interface.
type registryImpl struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewRegistry creates an empty Session Registry.
func NewRegistry() Registry {
	return &registryImpl{
		sessions: make(map[string]*sessionState),
	}
}

// Issue creates a new dormant session.
func (r *registryImpl) Issue() string {
	id := uuid.NewString()

	r.mu.Lock()
	r.sessions[id] = &sessionState{}
	r.mu.Unlock()

	return id
}

// Attach marks a session live.
func (r *registryImpl) Attach(sessionID string, t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	s.transport = t
	return nil
}

// SetRoom updates a session's current room.
func (r *registryImpl) SetRoom(sessionID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	s.room = room
	return nil
}

// Detach clears the transport; the session entry stays for reconnection.
func (r *registryImpl) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.transport = nil
	}
}

// Resolve returns the transport if the session is live.
func (r *registryImpl) Resolve(sessionID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.transport == nil {
		return nil, false
	}
	return s.transport, true
}

// Room returns the session's current room, empty if none joined yet.
func (r *registryImpl) Room(sessionID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return "", ErrUnknownSession
	}
	return s.room, nil
}

// Rooms returns the distinct non-empty rooms, sorted for stable output.
func (r *registryImpl) Rooms() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, s := range r.sessions {
		if s.room != "" {
			seen[s.room] = struct{}{}
		}
	}
	r.mu.RUnlock()

	rooms := make([]string, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Stats returns current registry counts.
func (r *registryImpl) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{Sessions: len(r.sessions)}
	rooms := make(map[string]struct{})
	for _, s := range r.sessions {
		if s.transport != nil {
			stats.Live++
		}
		if s.room != "" {
			rooms[s.room] = struct{}{}
		}
	}
	stats.Rooms = len(rooms)
	return stats
}
