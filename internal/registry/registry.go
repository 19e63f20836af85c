// Package registry maps live session ids to the orchestrator that owns them.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrAlreadyLive is returned when a session id already has a live connection on this instance.
var ErrAlreadyLive = errors.New("session already live")

// Handle is the part of a live session the registry needs.
type Handle interface {
	ID() string
	ForceClose(reason string)
}

// Registry holds live sessions (thread-safe).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]Handle)}
}

// Register adds h under its id. A second live connection for the same id is rejected.
func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[h.ID()]; ok {
		return ErrAlreadyLive
	}
	r.sessions[h.ID()] = h
	return nil
}

// Unregister removes h. A newer handle registered under the same id is left alone.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[h.ID()]; ok && cur == h {
		delete(r.sessions, h.ID())
	}
}

// Lookup returns the live handle for id.
func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	return h, ok
}

// ForceClose closes the session with id if it is live here. It reports whether one was found.
// Calling it for an unknown or already closed id is a no-op.
func (r *Registry) ForceClose(id, reason string) bool {
	h, ok := r.Lookup(id)
	if !ok {
		return false
	}
	h.ForceClose(reason)
	return true
}

// IDs returns the live session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
