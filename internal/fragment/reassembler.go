package fragment

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/util"
)

type key struct {
	peer netip.AddrPort
	id   int32
}

// pending is one partially received packet.
type pending struct {
	first     *protocol.Packet // header fields of the first fragment seen
	frags     map[uint16][]byte
	size      int
	firstSeen time.Time

	nacked   bool
	nackedAt time.Time
}

// Nack names the fragments still missing for a packet.
type Nack struct {
	Peer    netip.AddrPort
	ID      int32
	Missing []uint16
}

// ErrLimit reports a fragment refused because holding it would exceed the
// reassembler's limits.
var ErrLimit = errors.New("reassembly limit reached")

// Limits bounds what a Reassembler holds. Fragments arrive from peers that
// have not proven anything yet, so every dimension is capped.
type Limits struct {
	MaxFragments uint16 // largest fragment total accepted
	MaxBytes     int    // largest reassembled payload
	PerPeer      int    // open records per peer
	Total        int    // open records overall
}

// LimitsFor derives limits from the largest message accepted and the
// fragment threshold both ends use.
func LimitsFor(maxMessage, threshold, perPeer, total int) Limits {
	n := Count(maxMessage, threshold)
	if n < 2 {
		n = 2
	}
	return Limits{
		MaxFragments: uint16(min(n, MaxFragments)),
		MaxBytes:     maxMessage,
		PerPeer:      perPeer,
		Total:        total,
	}
}

// Reassembler buffers fragments per (peer, id) until every index has arrived.
// It is shared between the receive loop (Add) and the tick loop (Scan), so
// every method locks.
type Reassembler struct {
	limits Limits

	mu      sync.Mutex
	records map[key]*pending
	perPeer map[netip.AddrPort]int
}

// NewReassembler creates an empty reassembler bounded by limits.
func NewReassembler(limits Limits) *Reassembler {
	return &Reassembler{
		limits:  limits,
		records: make(map[key]*pending),
		perPeer: make(map[netip.AddrPort]int),
	}
}

// Add stores a fragment. When it completes its packet, the reassembled packet
// is returned and the record is removed; otherwise Add returns nil. A
// fragment that breaks a limit or disagrees with its record is refused with
// an error and nothing is stored.
func (r *Reassembler) Add(frag *protocol.Packet, now time.Time) (*protocol.Packet, error) {
	k := key{peer: frag.Peer, id: frag.ID}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[k]
	if !ok {
		if err := r.admit(frag); err != nil {
			return nil, err
		}
		rec = &pending{
			first:     frag,
			frags:     make(map[uint16][]byte),
			firstSeen: now,
		}
		r.records[k] = rec
		r.perPeer[k.peer]++
	}

	if frag.FragmentTotal != rec.first.FragmentTotal || frag.Type != rec.first.Type {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf(
			"fragment %d/%d of %s disagrees with record (%s %d)",
			frag.FragmentIndex, frag.FragmentTotal, frag.Type, rec.first.Type, rec.first.FragmentTotal)}
	}
	if _, dup := rec.frags[frag.FragmentIndex]; dup {
		return nil, nil
	}
	if rec.size+len(frag.Payload) > r.limits.MaxBytes {
		r.remove(k)
		return nil, fmt.Errorf("%w: [%08x] from %s exceeds %d bytes", ErrLimit, uint32(k.id), k.peer, r.limits.MaxBytes)
	}
	rec.frags[frag.FragmentIndex] = frag.Payload
	rec.size += len(frag.Payload)

	if len(rec.frags) < int(rec.first.FragmentTotal) {
		return nil, nil
	}

	r.remove(k)

	payload := make([]byte, 0, rec.size)
	for i := uint16(0); i < rec.first.FragmentTotal; i++ {
		payload = append(payload, rec.frags[i]...)
	}

	whole := *rec.first
	whole.FragmentIndex = 0
	whole.FragmentTotal = 0
	whole.Payload = payload
	return &whole, nil
}

// admit checks whether a new record may be opened for frag. r.mu is held.
func (r *Reassembler) admit(frag *protocol.Packet) error {
	l := r.limits
	switch {
	case frag.FragmentTotal > l.MaxFragments:
		return fmt.Errorf("%w: %d fragments from %s, at most %d", ErrLimit, frag.FragmentTotal, frag.Peer, l.MaxFragments)
	case r.perPeer[frag.Peer] >= l.PerPeer:
		return fmt.Errorf("%w: %s already has %d open records", ErrLimit, frag.Peer, l.PerPeer)
	case len(r.records) >= l.Total:
		return fmt.Errorf("%w: %d open records", ErrLimit, l.Total)
	}
	return nil
}

// remove deletes a record and its per-peer count. r.mu is held.
func (r *Reassembler) remove(k key) {
	delete(r.records, k)
	if n := r.perPeer[k.peer] - 1; n > 0 {
		r.perPeer[k.peer] = n
	} else {
		delete(r.perPeer, k.peer)
	}
}

// Scan handles records older than window. A record is NACKed exactly once
// when it first reaches window, then dropped once a further window passes
// without completion.
func (r *Reassembler) Scan(now time.Time, window time.Duration) []Nack {
	r.mu.Lock()
	defer r.mu.Unlock()

	var nacks []Nack
	for k, rec := range r.records {
		switch {
		case rec.nacked:
			if now.Sub(rec.nackedAt) >= window {
				util.LogDebug("[%08x] abandoning %d/%d fragments from %s",
					uint32(k.id), len(rec.frags), rec.first.FragmentTotal, k.peer)
				r.remove(k)
			}
		case now.Sub(rec.firstSeen) >= window:
			rec.nacked = true
			rec.nackedAt = now
			nacks = append(nacks, Nack{Peer: k.peer, ID: k.id, Missing: rec.missing()})
		}
	}
	return nacks
}

func (rec *pending) missing() []uint16 {
	var out []uint16
	for i := uint16(0); i < rec.first.FragmentTotal; i++ {
		if _, ok := rec.frags[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// DropPeer discards every record from peer.
func (r *Reassembler) DropPeer(peer netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.records {
		if k.peer == peer {
			delete(r.records, k)
		}
	}
	delete(r.perPeer, peer)
}

// Len returns the number of incomplete packets held.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
