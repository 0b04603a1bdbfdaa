package gateway

import (
	"sort"
	"sync"

	"ocpp-gateway/internal/ocppj"
)

// Registry maps charge point identities to their live sessions. It is the
// only state shared between connections.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ocppj.Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*ocppj.Session)}
}

// Add registers s under its identity and returns the session it evicted,
// if a different one was registered.
func (r *Registry) Add(s *ocppj.Session) *ocppj.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.Identity()]
	r.sessions[s.Identity()] = s
	if prev == s {
		return nil
	}
	return prev
}

// RemoveIf deletes the entry for identity only if it is still s, so a
// closing connection cannot evict the session of its replacement.
func (r *Registry) RemoveIf(identity string, s *ocppj.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[identity] != s {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// Get looks up the session for identity.
func (r *Registry) Get(identity string) (*ocppj.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the registered sessions ordered by identity.
func (r *Registry) List() []*ocppj.Session {
	r.mu.RLock()
	out := make([]*ocppj.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

// ForEach calls fn for every registered session until fn returns false.
// fn runs on a snapshot, so it may call back into the registry.
func (r *Registry) ForEach(fn func(*ocppj.Session) bool) {
	for _, s := range r.List() {
		if !fn(s) {
			return
		}
	}
}
