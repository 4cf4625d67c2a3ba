// Package session keeps the in-process registry of joined chat connections.
// Entries live as long as their connection and are never persisted.
package session

import (
	"sync"
	"time"
)

// Membership records which room a connection joined and who joined it.
type Membership struct {
	ConnID   string
	RoomID   int64
	Nickname string
	UserID   int64
	MBTI     string
	Image    string
	JoinedAt time.Time
}

// Registry maps connection ids to their Membership and indexes them by room.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Membership
	byRoom map[int64]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]Membership),
		byRoom: make(map[int64]map[string]struct{}),
	}
}

// Join stores m under m.ConnID, replacing any previous entry for that
// connection. It returns the replaced entry, if any.
func (r *Registry) Join(m Membership) (Membership, bool) {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.byConn[m.ConnID]
	if had {
		r.unindex(prev)
	}
	r.byConn[m.ConnID] = m
	members, ok := r.byRoom[m.RoomID]
	if !ok {
		members = make(map[string]struct{})
		r.byRoom[m.RoomID] = members
	}
	members[m.ConnID] = struct{}{}
	return prev, had
}

// Get returns the membership for connID.
func (r *Registry) Get(connID string) (Membership, bool) {
	r.mu.RLock()
	m, ok := r.byConn[connID]
	r.mu.RUnlock()
	return m, ok
}

// Leave removes and returns the membership for connID.
func (r *Registry) Leave(connID string) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byConn[connID]
	if !ok {
		return Membership{}, false
	}
	delete(r.byConn, connID)
	r.unindex(m)
	return m, true
}

// Members returns a snapshot of every membership in roomID.
func (r *Registry) Members(roomID int64) []Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRoom[roomID]
	out := make([]Membership, 0, len(ids))
	for id := range ids {
		out = append(out, r.byConn[id])
	}
	return out
}

// UserConnections counts the connections userID holds in roomID.
func (r *Registry) UserConnections(roomID, userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for id := range r.byRoom[roomID] {
		if r.byConn[id].UserID == userID {
			n++
		}
	}
	return n
}

// Len returns the number of joined connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom)
}

// unindex must be called with mu held.
func (r *Registry) unindex(m Membership) {
	members := r.byRoom[m.RoomID]
	delete(members, m.ConnID)
	if len(members) == 0 {
		delete(r.byRoom, m.RoomID)
	}
}
