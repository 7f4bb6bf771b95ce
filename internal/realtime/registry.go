package realtime

import (
	"sort"
	"strings"
	"sync"
)

// GuestID is the identity given to a connection that never named a user.
func GuestID(connID string) string {
	return "guest:" + connID
}

// Registry tracks which user each live connection belongs to. A user may
// hold any number of connections; a connection belongs to one user.
// Both directions are updated under one lock so they never disagree.
type Registry struct {
	mu          sync.RWMutex
	connToUser  map[string]string
	userToConns map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connToUser:  make(map[string]string),
		userToConns: make(map[string]map[string]struct{}),
	}
}

// Register upserts connID -> userID and returns the user the connection
// ended up with. A blank userID registers the connection as a guest.
func (r *Registry) Register(connID, userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = GuestID(connID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
	r.addLocked(connID, userID)
	return userID
}

// Reregister moves connID to userID. A blank userID is ignored and
// reported as false.
func (r *Registry) Reregister(connID, userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
	r.addLocked(connID, userID)
	return true
}

// Unregister drops connID and returns the user it belonged to.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

// ConnectionsFor returns a sorted copy of the user's connection ids.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.userToConns[userID]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UserFor returns the user a connection is registered under.
func (r *Registry) UserFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.connToUser[connID]
	return userID, ok
}

// HasUser reports whether the user has at least one live connection.
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.userToConns[userID]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connToUser)
}

func (r *Registry) addLocked(connID, userID string) {
	r.connToUser[connID] = userID
	conns, ok := r.userToConns[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.userToConns[userID] = conns
	}
	conns[connID] = struct{}{}
}

func (r *Registry) removeLocked(connID string) (string, bool) {
	userID, ok := r.connToUser[connID]
	if !ok {
		return "", false
	}
	delete(r.connToUser, connID)

	if conns, ok := r.userToConns[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.userToConns, userID)
		}
	}
	return userID, true
}
