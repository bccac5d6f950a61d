package secure

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

// ErrKeyInstalled is returned when a different session key is offered for a
// peer that already has one. Keys never change for the life of a session.
var ErrKeyInstalled = errors.New("session key already installed")

// negotiation is the per-peer key state. cipher stays nil until a session key
// is installed.
type negotiation struct {
	key    SessionKey
	cipher *Cipher

	startID  int32
	hasStart bool

	startedAt time.Time
	admitted  bool
}

// Store tracks session keys per peer address. It is safe for concurrent use
// by the receive loop, the tick loop and application senders.
type Store struct {
	mu    sync.RWMutex
	peers map[netip.AddrPort]*negotiation
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{peers: make(map[netip.AddrPort]*negotiation)}
}

// Begin records a key negotiation with peer, started by the handshake packet
// startID. A repeated Begin keeps the first id and start time.
func (s *Store) Begin(peer netip.AddrPort, startID int32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.peers[peer]
	if !ok {
		n = &negotiation{startedAt: now}
		s.peers[peer] = n
	}
	if !n.hasStart {
		n.startID = startID
		n.hasStart = true
	}
}

// StartID returns the id of the handshake packet that opened the negotiation.
func (s *Store) StartID(peer netip.AddrPort) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.peers[peer]
	if !ok || !n.hasStart {
		return 0, false
	}
	return n.startID, true
}

// Install sets the session key for peer. Installing the same key again is a
// no-op reporting fresh=false; a different key yields ErrKeyInstalled.
func (s *Store) Install(peer netip.AddrPort, sk SessionKey, now time.Time) (fresh bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.peers[peer]
	if !ok {
		n = &negotiation{startedAt: now}
		s.peers[peer] = n
	}
	if n.cipher != nil {
		if n.key != sk {
			return false, ErrKeyInstalled
		}
		return false, nil
	}

	c, err := NewCipher(sk)
	if err != nil {
		return false, err
	}
	n.key = sk
	n.cipher = c
	return true, nil
}

// Cipher returns the cipher for peer, or nil if no session key is installed.
func (s *Store) Cipher(peer netip.AddrPort) *Cipher {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n, ok := s.peers[peer]; ok {
		return n.cipher
	}
	return nil
}

// Admit marks the negotiation with peer as complete so Expire keeps it.
func (s *Store) Admit(peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.peers[peer]; ok {
		n.admitted = true
	}
}

// Remove forgets everything known about peer.
func (s *Store) Remove(peer netip.AddrPort) {
	s.mu.Lock()
	delete(s.peers, peer)
	s.mu.Unlock()
}

// Expire discards negotiations that have not been admitted within timeout
// and returns the affected peers.
func (s *Store) Expire(now time.Time, timeout time.Duration) []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []netip.AddrPort
	for peer, n := range s.peers {
		if !n.admitted && now.Sub(n.startedAt) > timeout {
			delete(s.peers, peer)
			expired = append(expired, peer)
		}
	}
	return expired
}

// Len returns the number of peers with negotiation state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
