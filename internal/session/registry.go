package session

import (
	"sort"
	"sync"
)

// Registry owns the set of live sessions. It is the only place IDs are
// assigned or sessions removed.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[ID]*Session
	nextID    ID
	logCap    int
	sampleCap int
}

// NewRegistry returns an empty registry. logCap and sampleCap bound each
// session's log and telemetry buffers.
func NewRegistry(logCap, sampleCap int) *Registry {
	return &Registry{
		sessions:  make(map[ID]*Session),
		logCap:    logCap,
		sampleCap: sampleCap,
	}
}

// Create registers a new session in the Starting phase under a fresh ID.
func (r *Registry) Create(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := newSession(r.nextID, name, r.logCap, r.sampleCap)
	r.sessions[s.id] = s
	return s
}

func (r *Registry) Get(id ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Exists reports whether id is still registered. Events for IDs that no
// longer exist are stale.
func (r *Registry) Exists(id ID) bool {
	_, ok := r.Get(id)
	return ok
}

// Remove forgets the session. It reports whether it was present.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// All returns the live sessions ordered by ID.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

func (r *Registry) IDs() []ID {
	all := r.All()
	ids := make([]ID, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns how many sessions are not Stopped.
func (r *Registry) ActiveCount() int {
	count := 0
	for _, s := range r.All() {
		if !s.Phase().IsTerminal() {
			count++
		}
	}
	return count
}
