// Package presence tracks which users hold at least one open connection.
package presence

import (
	"sort"
	"sync"
)

// TransitionFunc is invoked when a user goes online (first connection) or
// offline (last connection closed). It runs while the registry lock is held,
// so it must not block and must not call back into the Registry.
type TransitionFunc func(userID int64, online bool)

// Registry maps users to their open connection ids. All mutations and the
// online/offline transitions they cause are atomic with respect to each other.
type Registry struct {
	mu         sync.RWMutex
	conns      map[int64]map[string]struct{}
	owners     map[string]int64
	transition TransitionFunc
}

// NewRegistry creates an empty registry. transition may be nil.
func NewRegistry(transition TransitionFunc) *Registry {
	return &Registry{
		conns:      make(map[int64]map[string]struct{}),
		owners:     make(map[string]int64),
		transition: transition,
	}
}

// Register binds connID to userID. It returns true when this is the user's
// first open connection. Registering a known connID again is a no-op.
func (r *Registry) Register(userID int64, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[connID]; ok {
		return false
	}
	r.owners[connID] = userID
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	set[connID] = struct{}{}

	first := len(set) == 1
	if first && r.transition != nil {
		r.transition(userID, true)
	}
	return first
}

// Unregister removes connID. It returns the owning user and true when that
// was the user's last connection. Unknown ids return (0, false).
func (r *Registry) Unregister(connID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[connID]
	if !ok {
		return 0, false
	}
	delete(r.owners, connID)

	set := r.conns[userID]
	delete(set, connID)
	if len(set) > 0 {
		return userID, false
	}
	delete(r.conns, userID)
	if r.transition != nil {
		r.transition(userID, false)
	}
	return userID, true
}

// IsOnline reports whether userID has any open connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// OnlineUsers returns the online user ids in ascending order.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	users := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		users = append(users, id)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// ConnectionCount returns the number of open connections for userID.
func (r *Registry) ConnectionCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}
