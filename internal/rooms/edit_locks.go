package rooms

import "strings"

// EditLocks tracks the single connection, if any, editing each room.
type EditLocks struct {
	holders *roster
}

// NewEditLocks constructs an empty edit lock registry.
func NewEditLocks() *EditLocks {
	return &EditLocks{holders: newRoster()}
}

// Acquire grants the lock for roomKey when nobody holds it. A request made
// while the lock is held, including by the holder itself, changes nothing.
// The holders after the call are returned.
func (l *EditLocks) Acquire(roomKey, connectionID string, identity Identity) ([]Member, error) {
	if strings.TrimSpace(roomKey) == "" {
		return nil, ErrMissingRoomKey
	}
	holder, err := newMember(connectionID, identity)
	if err != nil {
		return nil, err
	}
	return l.holders.admit(roomKey, holder, func(current []Member) bool {
		return len(current) == 0
	}), nil
}

// Release drops the lock held by the connection. Releasing a connection that
// holds nothing is a no-op reported with Found false.
func (l *EditLocks) Release(connectionID string) Departure {
	roomKey, remaining, found := l.holders.removeFirst(connectionID)
	return Departure{RoomKey: roomKey, Remaining: remaining, Found: found}
}

// HoldersOf returns the lock holder of roomKey. The boolean is false when the room is not being edited.
func (l *EditLocks) HoldersOf(roomKey string) ([]Member, bool) {
	return l.holders.lookup(roomKey)
}
