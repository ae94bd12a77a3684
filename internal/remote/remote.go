// Package remote implements spec §4.I: the HQ-side remote registry and the
// remote-side HQ registration client for VibeTunnel's optional federation
// mode. No teacher file covers HQ/remote directly; the HTTP surface is
// grounded on amantus-ai-vibetunnel's declared (if unused-in-the-retrieved-
// files) `gorilla/mux` dependency, and the upstream fan-in connection reuses
// the `gorilla/websocket` dial/ping idiom pkg/api/raw_websocket.go already
// establishes for client-facing connections.
package remote

import (
	"sync"
	"time"
)

// Remote is one registered peer instance, as tracked by an HQ (spec §3).
type Remote struct {
	ID          string    `yaml:"id"`
	DisplayName string    `yaml:"displayName"`
	URL         string    `yaml:"url"`
	BearerToken string    `yaml:"bearerToken"`
	LastSeen    time.Time `yaml:"lastSeen"`
	SessionIDs  []string  `yaml:"sessionIds"`
}

// Registry is the HQ-side store of registered remotes (spec §4.I).
type Registry struct {
	mu      sync.RWMutex
	remotes map[string]*Remote
}

// NewRegistry creates an empty remote registry.
func NewRegistry() *Registry {
	return &Registry{remotes: make(map[string]*Remote)}
}

// Add registers (or re-registers, idempotently) a remote by id.
func (r *Registry) Add(rem Remote) {
	rem.LastSeen = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[rem.ID] = &rem
}

// Remove deletes a remote's record, and with it the session-ownership
// entries it carried, so Owner no longer resolves them. Aggregator upstream
// connections already open to that remote are not closed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.remotes[id]; !ok {
		return false
	}
	delete(r.remotes, id)
	return true
}

// Get looks up a remote by id.
func (r *Registry) Get(id string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rem, ok := r.remotes[id]
	if !ok {
		return Remote{}, false
	}
	return *rem, true
}

// List returns every registered remote.
func (r *Registry) List() []Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Remote, 0, len(r.remotes))
	for _, rem := range r.remotes {
		out = append(out, *rem)
	}
	return out
}

// UpdateSessions replaces the set of session ids a remote reports owning,
// refreshing its last-seen timestamp (spec §4.I: "built from each remote's
// periodic session list").
func (r *Registry) UpdateSessions(id string, sessionIDs []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rem, ok := r.remotes[id]
	if !ok {
		return false
	}
	rem.SessionIDs = sessionIDs
	rem.LastSeen = time.Now()
	return true
}

// Owner returns the remote that owns sessionID, if any.
func (r *Registry) Owner(sessionID string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rem := range r.remotes {
		for _, id := range rem.SessionIDs {
			if id == sessionID {
				return *rem, true
			}
		}
	}
	return Remote{}, false
}
