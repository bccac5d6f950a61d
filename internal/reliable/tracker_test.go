package reliable

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/voxlink/internal/fragment"
	"github.com/1ureka/voxlink/internal/protocol"
)

var peer = netip.MustParseAddrPort("203.0.113.9:30000")

func track(t *testing.T, tr *Tracker, id int32, payload []byte, now time.Time) []*protocol.Packet {
	t.Helper()
	pkt := &protocol.Packet{ID: id, Type: protocol.TypeData, Payload: payload, Peer: peer, Reliable: true}
	frames, err := fragment.Split(pkt, 1000)
	require.NoError(t, err)
	tr.Track(pkt, frames, now)
	return frames
}

// TestRetransmissionTermination loses every ACK with maxAttempts = 5 and a
// 200ms retry interval: exactly 5 transmissions, then one DeliveryFailure.
func TestRetransmissionTermination(t *testing.T) {
	const retry = 200 * time.Millisecond
	tr := NewTracker(5, retry)

	start := time.Now()
	track(t, tr, 1, []byte("hello"), start)
	transmissions := 1

	var failures []*DeliveryFailure
	// Tick every 50ms for well past the point of giving up.
	for now := start; now.Before(start.Add(5 * time.Second)); now = now.Add(50 * time.Millisecond) {
		resend, failed := tr.Scan(now)
		transmissions += len(resend)
		failures = append(failures, failed...)
	}

	require.Equal(t, 5, transmissions)
	require.Len(t, failures, 1)
	require.Equal(t, int32(1), failures[0].ID)
	require.Equal(t, 5, failures[0].Attempts)
	require.ErrorIs(t, failures[0], ErrDeliveryFailed)
	require.Zero(t, tr.Len())
}

func TestRetransmitSendsEveryFrame(t *testing.T) {
	tr := NewTracker(3, time.Second)
	start := time.Now()
	frames := track(t, tr, 2, make([]byte, 2500), start)
	require.Len(t, frames, 3)

	resend, failed := tr.Scan(start.Add(500 * time.Millisecond))
	require.Empty(t, resend)
	require.Empty(t, failed)

	resend, _ = tr.Scan(start.Add(time.Second))
	require.Equal(t, frames, resend)
}

func TestAckRemovesAndDuplicateIsNoop(t *testing.T) {
	tr := NewTracker(5, time.Second)
	track(t, tr, 3, []byte("x"), time.Now())
	require.True(t, tr.Pending(peer, 3))

	pkt, ok := tr.Ack(peer, 3)
	require.True(t, ok)
	require.Equal(t, int32(3), pkt.ID)
	require.False(t, tr.Pending(peer, 3))

	pkt, ok = tr.Ack(peer, 3)
	require.False(t, ok)
	require.Nil(t, pkt)
	require.Zero(t, tr.Len())

	// ACK from a different peer for the same id does not match.
	track(t, tr, 4, []byte("y"), time.Now())
	_, ok = tr.Ack(netip.MustParseAddrPort("203.0.113.10:30000"), 4)
	require.False(t, ok)
	require.Equal(t, 1, tr.Len())
}

// TestNackResendsOnlyMissing verifies NACK precision: only the named
// fragments come back and the attempt counter is untouched.
func TestNackResendsOnlyMissing(t *testing.T) {
	tr := NewTracker(5, time.Second)
	start := time.Now()
	frames := track(t, tr, 5, make([]byte, 5000), start)
	require.Len(t, frames, 5)

	got := tr.Missing(peer, 5, []uint16{1, 3})
	require.Equal(t, []*protocol.Packet{frames[1], frames[3]}, got)

	require.Nil(t, tr.Missing(peer, 99, []uint16{0}))

	// The NACK did not count as an attempt: four more full retransmissions
	// are still allowed before failure.
	transmissions := 0
	var failed []*DeliveryFailure
	for i := 1; i <= 5; i++ {
		r, f := tr.Scan(start.Add(time.Duration(i) * time.Second))
		transmissions += len(r) / len(frames)
		failed = append(failed, f...)
	}
	require.Equal(t, 4, transmissions)
	require.Len(t, failed, 1)
}

func TestDropPeer(t *testing.T) {
	tr := NewTracker(5, time.Second)
	track(t, tr, 6, []byte("a"), time.Now())
	track(t, tr, 7, []byte("b"), time.Now())

	require.Equal(t, 2, tr.DropPeer(peer))
	require.Zero(t, tr.Len())
}
