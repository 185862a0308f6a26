package rooms

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// roster is a mutex-guarded map of room key to members. A key is present
// only while its member slice is non-empty.
type roster struct {
	mu      sync.Mutex
	entries map[string][]Member
}

func newRoster() *roster {
	return &roster{entries: make(map[string][]Member)}
}

// admit appends member to roomKey when accept approves the current members.
// It returns a copy of the members after the call.
func (r *roster) admit(roomKey string, member Member, accept func(current []Member) bool) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.entries[roomKey]
	if accept(current) {
		current = append(current, member)
		r.entries[roomKey] = current
	}
	return slices.Clone(current)
}

// removeFirst deletes the first member with connectionID, scanning rooms in
// sorted key order. Only the first matching room is touched.
func (r *roster) removeFirst(connectionID string) (string, []Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, roomKey := range r.sortedKeysLocked() {
		if remaining, found := r.removeLocked(roomKey, connectionID); found {
			return roomKey, remaining, true
		}
	}
	return "", nil, false
}

// remove deletes connectionID from roomKey only.
func (r *roster) remove(roomKey, connectionID string) ([]Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(roomKey, connectionID)
}

func (r *roster) removeLocked(roomKey, connectionID string) ([]Member, bool) {
	current := r.entries[roomKey]
	_, index, found := lo.FindIndexOf(current, func(member Member) bool {
		return member.ConnectionID == connectionID
	})
	if !found {
		return nil, false
	}
	current = slices.Delete(current, index, index+1)
	if len(current) == 0 {
		delete(r.entries, roomKey)
		return nil, true
	}
	r.entries[roomKey] = current
	return slices.Clone(current), true
}

func (r *roster) contains(roomKey, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return hasConnection(r.entries[roomKey], connectionID)
}

func (r *roster) lookup(roomKey string) ([]Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[roomKey]
	if !ok {
		return nil, false
	}
	return slices.Clone(current), true
}

func (r *roster) roomOf(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, roomKey := range r.sortedKeysLocked() {
		if lo.ContainsBy(r.entries[roomKey], func(member Member) bool {
			return member.ConnectionID == connectionID
		}) {
			return roomKey, true
		}
	}
	return "", false
}

func (r *roster) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *roster) sortedKeysLocked() []string {
	keys := lo.Keys(r.entries)
	slices.Sort(keys)
	return keys
}

func hasConnection(members []Member, connectionID string) bool {
	return lo.ContainsBy(members, func(member Member) bool {
		return member.ConnectionID == connectionID
	})
}
