// Package registry tracks connected clients by the identifier their
// protocol handler assigns, mapping each to the cancellation signal that
// terminates that client's session.
package registry

import (
	"sort"
	"sync"

	"github.com/anvil-dev/anvil/internal/cancel"
)

// Registry is a concurrency-safe mapping of client identifier to that
// session's private cancellation signal. Identifiers arrive late (a peer
// may disconnect before ever identifying itself), so sessions insert
// themselves on assignment rather than on accept.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*cancel.Signal
}

func New() *Registry {
	return &Registry{clients: make(map[string]*cancel.Signal)}
}

// Register associates id with the session signal. A later registration for
// the same id replaces the earlier one.
func (r *Registry) Register(id string, sig *cancel.Signal) {
	r.mu.Lock()
	r.clients[id] = sig
	r.mu.Unlock()
}

// Unregister removes id only while it still maps to sig. A session cleaning
// up after itself must not remove a successor that re-registered the same
// identifier. Idempotent.
func (r *Registry) Unregister(id string, sig *cancel.Signal) {
	r.mu.Lock()
	if r.clients[id] == sig {
		delete(r.clients, id)
	}
	r.mu.Unlock()
}

// Kick removes id and triggers the signal it mapped to, terminating that
// client's session. The lookup and removal are atomic, so concurrent kicks
// of the same id trigger at most once. Returns false for an unknown id.
func (r *Registry) Kick(id string) bool {
	r.mu.Lock()
	sig, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	// Triggered outside the lock; observers may re-enter the registry.
	sig.Trigger()
	return true
}

// Len returns the number of identified clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// IDs returns the identified client ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}
