package presence

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	userID   int64
	lastSeen time.Time
}

// Registry tracks which connections are live for which users on this node.
// It is rebuilt from zero on restart.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]map[string]struct{}
	byConn map[string]entry
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]map[string]struct{}),
		byConn: make(map[string]entry),
		now:    time.Now,
	}
}

// Register marks connID as a live connection of userID.
func (r *Registry) Register(userID int64, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byConn[connID]; ok && prev.userID != userID {
		r.removeLocked(connID)
	}
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = entry{userID: userID, lastSeen: r.now()}
}

// Unregister drops connID. It reports whether the connection was known.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) bool {
	e, ok := r.byConn[connID]
	if !ok {
		return false
	}
	delete(r.byConn, connID)
	if conns, ok := r.byUser[e.userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, e.userID)
		}
	}
	return true
}

// ConnectionsFor lists the live connection ids of userID.
func (r *Registry) ConnectionsFor(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Touch refreshes the liveness timestamp of connID.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byConn[connID]; ok {
		e.lastSeen = r.now()
		r.byConn[connID] = e
	}
}

// Expired returns the connections not touched within timeout.
func (r *Registry) Expired(timeout time.Duration) []string {
	cutoff := r.now().Add(-timeout)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.byConn {
		if e.lastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Users returns the ids of users with at least one live connection.
func (r *Registry) Users() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
