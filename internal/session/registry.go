// Package session tracks the peers admitted by the authentication gate.
package session

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PeerSession is an authenticated peer. Values handed out by the Registry
// are copies; the registry owns the live record.
type PeerSession struct {
	ID            uuid.UUID
	Addr          netip.AddrPort
	Subject       string
	Token         []byte
	Authenticated bool
	ConnectedAt   time.Time
}

// Registry maps peer addresses to sessions, at most one per address.
type Registry struct {
	mu    sync.RWMutex
	peers map[netip.AddrPort]*PeerSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[netip.AddrPort]*PeerSession)}
}

// Admit creates the session for addr. An existing session for the same
// address is replaced and returned as old.
func (r *Registry) Admit(addr netip.AddrPort, subject string, token []byte, now time.Time) (s PeerSession, old *PeerSession) {
	ps := &PeerSession{
		ID:            uuid.New(),
		Addr:          addr,
		Subject:       subject,
		Token:         slices.Clone(token),
		Authenticated: true,
		ConnectedAt:   now,
	}

	r.mu.Lock()
	prev, ok := r.peers[addr]
	r.peers[addr] = ps
	r.mu.Unlock()

	if ok {
		cp := *prev
		old = &cp
	}
	return *ps, old
}

// Lookup returns the session for addr.
func (r *Registry) Lookup(addr netip.AddrPort) (PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps, ok := r.peers[addr]
	if !ok {
		return PeerSession{}, false
	}
	return *ps, true
}

// Authenticated reports whether addr has an authenticated session.
func (r *Registry) Authenticated(addr netip.AddrPort) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps, ok := r.peers[addr]
	return ok && ps.Authenticated
}

// Remove deletes the session for addr and returns it.
func (r *Registry) Remove(addr netip.AddrPort) (PeerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.peers[addr]
	if !ok {
		return PeerSession{}, false
	}
	delete(r.peers, addr)
	return *ps, true
}

// List returns every session ordered by connection time.
func (r *Registry) List() []PeerSession {
	r.mu.RLock()
	out := make([]PeerSession, 0, len(r.peers))
	for _, ps := range r.peers {
		out = append(out, *ps)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b PeerSession) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Clear removes every session and returns them.
func (r *Registry) Clear() []PeerSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PeerSession, 0, len(r.peers))
	for addr, ps := range r.peers {
		out = append(out, *ps)
		delete(r.peers, addr)
	}
	return out
}
