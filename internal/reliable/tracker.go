// Package reliable keeps the sender-side bookkeeping of reliable packets:
// what is still unacknowledged, when to retransmit it and when to give up.
// It performs no I/O; callers put the returned frames on the wire.
package reliable

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/voxlink/internal/fragment"
	"github.com/1ureka/voxlink/internal/protocol"
)

// ErrDeliveryFailed is wrapped by every DeliveryFailure.
var ErrDeliveryFailed = errors.New("delivery failed")

// DeliveryFailure reports a reliable packet that exhausted its attempts.
type DeliveryFailure struct {
	Peer     netip.AddrPort
	ID       int32
	Type     protocol.Type
	Attempts int
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery of %s#%08x to %s failed after %d attempts", f.Type, uint32(f.ID), f.Peer, f.Attempts)
}

func (f *DeliveryFailure) Unwrap() error { return ErrDeliveryFailed }

// PendingSend is one unacknowledged reliable packet.
type PendingSend struct {
	Packet *protocol.Packet
	Frames []*protocol.Packet // Packet as split for the wire

	FirstSentAt time.Time
	LastSentAt  time.Time
	Attempts    int
}

type key struct {
	peer netip.AddrPort
	id   int32
}

// Tracker owns every PendingSend of an endpoint.
type Tracker struct {
	maxAttempts int
	retry       time.Duration

	mu      sync.Mutex
	pending map[key]*PendingSend
}

// NewTracker creates a tracker that retransmits after retry and gives up
// after maxAttempts transmissions.
func NewTracker(maxAttempts int, retry time.Duration) *Tracker {
	return &Tracker{
		maxAttempts: max(maxAttempts, 1),
		retry:       retry,
		pending:     make(map[key]*PendingSend),
	}
}

// Track registers pkt, split into frames, as transmitted once at now.
// It must be called before the frames are first written so an ACK that
// races the write still finds the entry.
func (t *Tracker) Track(pkt *protocol.Packet, frames []*protocol.Packet, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[key{pkt.Peer, pkt.ID}] = &PendingSend{
		Packet:      pkt,
		Frames:      frames,
		FirstSentAt: now,
		LastSentAt:  now,
		Attempts:    1,
	}
}

// Ack removes the entry for (peer, id). A duplicate ACK for an id that is no
// longer tracked is a no-op and reports false.
func (t *Tracker) Ack(peer netip.AddrPort, id int32) (*protocol.Packet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{peer, id}
	p, ok := t.pending[k]
	if !ok {
		return nil, false
	}
	delete(t.pending, k)
	return p.Packet, true
}

// Missing returns the frames of a tracked packet named by a NACK. The
// attempt counter is left alone.
func (t *Tracker) Missing(peer netip.AddrPort, id int32, indices []uint16) []*protocol.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[key{peer, id}]
	if !ok {
		return nil
	}
	return fragment.Select(p.Frames, indices)
}

// Pending reports whether (peer, id) is still awaiting an ACK.
func (t *Tracker) Pending(peer netip.AddrPort, id int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.pending[key{peer, id}]
	return ok
}

// Scan walks the pending entries. Entries whose last transmission is at
// least one retry interval old are either due for retransmission (their
// frames are returned and Attempts incremented) or, when the attempt limit
// is spent, removed and reported as failures exactly once.
func (t *Tracker) Scan(now time.Time) (resend []*protocol.Packet, failed []*DeliveryFailure) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, p := range t.pending {
		if now.Sub(p.LastSentAt) < t.retry {
			continue
		}
		if p.Attempts >= t.maxAttempts {
			delete(t.pending, k)
			failed = append(failed, &DeliveryFailure{
				Peer:     k.peer,
				ID:       k.id,
				Type:     p.Packet.Type,
				Attempts: p.Attempts,
			})
			continue
		}
		p.Attempts++
		p.LastSentAt = now
		resend = append(resend, p.Frames...)
	}
	return resend, failed
}

// DropPeer discards every entry toward peer and returns how many there were.
func (t *Tracker) DropPeer(peer netip.AddrPort) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k := range t.pending {
		if k.peer == peer {
			delete(t.pending, k)
			n++
		}
	}
	return n
}

// Len returns the number of unacknowledged packets.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
