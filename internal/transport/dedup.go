package transport

import (
	"net/netip"
	"sync"
)

// replayState says what the window knows about a packet id.
type replayState int

const (
	fresh     replayState = iota // never accepted, inside the window
	duplicate                    // accepted before
	stale                        // too far behind the newest id to tell
)

// peerWindow tracks the ids one peer got accepted. Each sender draws its ids
// from a single incrementing counter, so ids from one peer only move forward
// (modulo wraparound) and a fixed window behind the newest one is enough.
type peerWindow struct {
	newest uint32
	bitmap []uint64 // bit id%size set once id is accepted
}

// dedupWindow refuses packets accepted before, reliable or not. A reliable
// duplicate is acknowledged again; an unreliable one is a replay and is
// dropped. Windows are kept per peer so one peer's traffic never pushes out
// another's history.
type dedupWindow struct {
	size uint32

	mu    sync.Mutex
	peers map[netip.AddrPort]*peerWindow
}

// newDedupWindow tracks size ids per peer. size must be a power of two.
func newDedupWindow(size int) *dedupWindow {
	return &dedupWindow{size: uint32(size), peers: make(map[netip.AddrPort]*peerWindow)}
}

func (d *dedupWindow) check(peer netip.AddrPort, id int32) replayState {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.peers[peer]
	if !ok {
		return fresh
	}
	ahead := int32(uint32(id) - w.newest)
	switch {
	case ahead > 0:
		return fresh
	case w.newest-uint32(id) >= d.size:
		return stale
	case w.has(uint32(id), d.size):
		return duplicate
	}
	return fresh
}

func (d *dedupWindow) mark(peer netip.AddrPort, id int32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := uint32(id)
	w, ok := d.peers[peer]
	if !ok {
		w = &peerWindow{newest: u, bitmap: make([]uint64, d.size/64)}
		d.peers[peer] = w
	}
	if ahead := int32(u - w.newest); ahead > 0 {
		w.advance(u, d.size)
	}
	w.set(u, d.size)
}

// forget drops peer's window so a reconnecting peer starts clean.
func (d *dedupWindow) forget(peer netip.AddrPort) {
	d.mu.Lock()
	delete(d.peers, peer)
	d.mu.Unlock()
}

func (w *peerWindow) has(id, size uint32) bool {
	i := id % size
	return w.bitmap[i/64]&(1<<(i%64)) != 0
}

func (w *peerWindow) set(id, size uint32) {
	i := id % size
	w.bitmap[i/64] |= 1 << (i % 64)
}

// advance moves newest up to id, clearing the slots of the ids skipped.
func (w *peerWindow) advance(id, size uint32) {
	if id-w.newest >= size {
		clear(w.bitmap)
	} else {
		for n := w.newest + 1; n != id+1; n++ {
			i := n % size
			w.bitmap[i/64] &^= 1 << (i % 64)
		}
	}
	w.newest = id
}
