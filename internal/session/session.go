// Package session defines the opaque contract the core holds against a
// live miner connection, and the registry of currently-connected sessions.
package session

import (
	"sync"

	"github.com/bitpool/stratumcore/internal/job"
)

// Session is the core's view of a live miner connection. Its contract is
// opaque: the Broadcaster invokes SendMiningNotify; everything else
// (framing, back-pressure, socket lifetime) is the session's own concern.
type Session interface {
	// ID returns a stable handle used as the registry key.
	ID() string
	// SendMiningNotify delivers a job announcement. The Broadcaster calls
	// it for each session in turn, so a call that blocks on the network
	// delays delivery to the sessions after it.
	SendMiningNotify(job *job.ExtendedJob) error
}

// Registry tracks the current set of live sessions, keyed by handle.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Add registers a session.
func (r *Registry) Add(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove deregisters a session by handle.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Snapshot returns a point-in-time copy of the live session set, taken
// under a short-held lock so the caller can iterate without blocking
// registry mutation.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
