package pty

import (
	"sort"
	"sync"
)

// Registry maps session ids to live sessions. It is shared by every
// connection of the server. Mutations are serialized; lookups run
// concurrently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Spawn starts a shell and registers it under opts.ID. The session is
// returned in StateSpawning; the caller starts it with Start once it is
// ready to receive output. On failure nothing stays registered and no
// process is left running.
func (r *Registry) Spawn(opts SpawnOptions) (*Session, error) {
	if _, ok := r.Lookup(opts.ID); ok {
		return nil, ErrSessionExists
	}

	s, err := newSession(opts, r)
	if err != nil {
		return nil, &SpawnError{ID: opts.ID, Err: err}
	}

	if err := r.Register(opts.ID, s); err != nil {
		// Lost a race for the id. This session was never registered, so
		// closing it leaves the winner untouched.
		s.Close(ReasonRejected)
		return nil, err
	}
	return s, nil
}

// Register adds a session. It fails with ErrSessionExists when the id is
// already present.
func (r *Registry) Register(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return ErrSessionExists
	}
	r.sessions[id] = s
	return nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id and reports whether it was present. It does not close
// the session.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// removeSession deletes id only while it still maps to s.
func (r *Registry) removeSession(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the live sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].createdAt.Before(result[j].createdAt)
	})
	return result
}

// CloseAll closes every live session.
func (r *Registry) CloseAll(reason CloseReason) error {
	var firstErr error
	for _, s := range r.List() {
		if err := s.Close(reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
