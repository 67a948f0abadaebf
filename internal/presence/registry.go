// Package presence tracks which live connections belong to which rooms.
package presence

import "sync"

// MechanicsRoom is the pool every connected mechanic joins.
const MechanicsRoom = "mechanics"

const trackingPrefix = "tracking-"

// TrackingRoom names the room scoped to one service request.
func TrackingRoom(requestID string) string { return trackingPrefix + requestID }

// Registry is a process-local membership table. Rooms exist only while they
// have members.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	conns map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Register records a connection with no memberships. Registering twice is a no-op.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = make(map[string]struct{})
	}
}

// Join adds connID to room and reports whether it was newly added. A
// connection that is not registered, or was already removed by LeaveAll,
// joins nothing.
func (r *Registry) Join(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, already := rooms[room]; already {
		return false
	}
	rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	return true
}

func (r *Registry) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rooms, ok := r.conns[connID]; ok {
		delete(rooms, room)
	}
	r.dropMemberLocked(room, connID)
}

// LeaveAll removes every membership of connID and forgets the connection.
// It returns the rooms the connection was in.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := r.conns[connID]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		r.dropMemberLocked(room, connID)
		out = append(out, room)
	}
	delete(r.conns, connID)
	return out
}

func (r *Registry) dropMemberLocked(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// MembersOf returns a snapshot of the room's members.
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := r.conns[connID]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	return out
}

func (r *Registry) IsMember(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// RoomCount is the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
