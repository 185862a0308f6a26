package rooms

import "strings"

// Departure reports the outcome of a Leave or Release call.
type Departure struct {
	// RoomKey is the room the connection was removed from.
	RoomKey string
	// Remaining holds the members left in RoomKey; empty when the room was deleted.
	Remaining []Member
	// Found is false when the connection was not present in any room.
	Found bool
}

// Registry tracks which connections are present in which room.
type Registry struct {
	members *roster
}

// NewRegistry constructs an empty room registry.
func NewRegistry() *Registry {
	return &Registry{members: newRoster()}
}

// Join adds the connection to roomKey unless it is already present and
// returns the room's members after the call.
func (r *Registry) Join(roomKey, connectionID string, identity Identity) ([]Member, error) {
	if strings.TrimSpace(roomKey) == "" {
		return nil, ErrMissingRoomKey
	}
	member, err := newMember(connectionID, identity)
	if err != nil {
		return nil, err
	}
	return r.members.admit(roomKey, member, func(current []Member) bool {
		return !hasConnection(current, connectionID)
	}), nil
}

// Leave removes the connection from the first room it is found in. A room
// left without members is deleted.
func (r *Registry) Leave(connectionID string) Departure {
	roomKey, remaining, found := r.members.removeFirst(connectionID)
	return Departure{RoomKey: roomKey, Remaining: remaining, Found: found}
}

// LeaveRoom removes the connection from roomKey alone. A room left without
// members is deleted.
func (r *Registry) LeaveRoom(roomKey, connectionID string) Departure {
	remaining, found := r.members.remove(roomKey, connectionID)
	if !found {
		return Departure{}
	}
	return Departure{RoomKey: roomKey, Remaining: remaining, Found: true}
}

// Contains reports whether the connection is present in roomKey.
func (r *Registry) Contains(roomKey, connectionID string) bool {
	return r.members.contains(roomKey, connectionID)
}

// MembersOf returns the members of roomKey. The boolean is false when no one is present.
func (r *Registry) MembersOf(roomKey string) ([]Member, bool) {
	return r.members.lookup(roomKey)
}

// RoomKeyOf returns the room the connection is present in. Callers that need
// the room after a disconnect must resolve it before calling Leave.
func (r *Registry) RoomKeyOf(connectionID string) (string, bool) {
	return r.members.roomOf(connectionID)
}

// RoomCount returns the number of occupied rooms.
func (r *Registry) RoomCount() int {
	return r.members.size()
}
