package fragment

import (
	"bytes"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/voxlink/internal/protocol"
)

var peer = netip.MustParseAddrPort("203.0.113.5:30000")

func randomPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rand.IntN(256))
	}
	return b
}

var testLimits = Limits{MaxFragments: 100, MaxBytes: 1 << 20, PerPeer: 4, Total: 16}

func add(t *testing.T, r *Reassembler, f *protocol.Packet, now time.Time) *protocol.Packet {
	t.Helper()
	whole, err := r.Add(f, now)
	require.NoError(t, err)
	return whole
}

func newPacket(id int32, payload []byte) *protocol.Packet {
	return &protocol.Packet{
		ID: id, Type: protocol.TypeData, Payload: payload,
		Peer: peer, Reliable: true, Encrypted: true,
	}
}

func TestCount(t *testing.T) {
	testCases := []struct {
		size, threshold, want int
	}{
		{0, 1200, 0},
		{1200, 1200, 0},
		{1201, 1200, 2},
		{10000, 1200, 9},
		{2400, 1200, 2},
		{5, 0, 0},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, Count(tc.size, tc.threshold), "size=%d threshold=%d", tc.size, tc.threshold)
	}
}

// TestSplitTenThousand sends a 10,000-byte payload through a 1,200-byte
// threshold and expects 9 fragments that reassemble to the original.
func TestSplitTenThousand(t *testing.T) {
	payload := randomPayload(10000)
	frags, err := Split(newPacket(42, payload), 1200)
	require.NoError(t, err)
	require.Len(t, frags, 9)

	for i, f := range frags {
		require.Equal(t, uint16(i), f.FragmentIndex)
		require.Equal(t, uint16(9), f.FragmentTotal)
		require.Equal(t, int32(42), f.ID)
		require.LessOrEqual(t, len(f.Payload), 1200)

		// Every fragment must survive the codec on its own.
		decoded, err := protocol.Decode(protocol.Encode(f), peer)
		require.NoError(t, err)
		require.Equal(t, f.Payload, decoded.Payload)
	}

	r := NewReassembler(testLimits)
	now := time.Now()
	var whole *protocol.Packet
	for _, f := range frags {
		whole = add(t, r, f, now)
	}
	require.NotNil(t, whole)
	require.Equal(t, payload, whole.Payload)
	require.False(t, whole.IsFragment())
	require.True(t, whole.Reliable)
	require.Zero(t, r.Len())
}

func TestSplitSmallPayloadIsUntouched(t *testing.T) {
	pkt := newPacket(1, []byte("small"))
	frags, err := Split(pkt, 1200)
	require.NoError(t, err)
	require.Equal(t, []*protocol.Packet{pkt}, frags)
}

// TestReassembleAnyOrder shuffles fragments before feeding them in.
func TestReassembleAnyOrder(t *testing.T) {
	for _, size := range []int{1201, 4096, 10000, 65000} {
		payload := randomPayload(size)
		frags, err := Split(newPacket(int32(size), payload), 1000)
		require.NoError(t, err)

		rand.Shuffle(len(frags), func(i, j int) { frags[i], frags[j] = frags[j], frags[i] })

		r := NewReassembler(testLimits)
		var whole *protocol.Packet
		for i, f := range frags {
			got := add(t, r, f, time.Now())
			if i < len(frags)-1 {
				require.Nil(t, got)
			}
			whole = got
		}
		require.NotNil(t, whole)
		require.True(t, bytes.Equal(payload, whole.Payload), "size %d", size)
	}
}

// TestReassembleDuplicateIndex delivers one index twice; completion still
// needs every unique index.
func TestReassembleDuplicateIndex(t *testing.T) {
	payload := randomPayload(3000)
	frags, err := Split(newPacket(7, payload), 1000)
	require.NoError(t, err)
	require.Len(t, frags, 3)

	r := NewReassembler(testLimits)
	now := time.Now()
	require.Nil(t, add(t, r, frags[0], now))
	require.Nil(t, add(t, r, frags[0], now))
	require.Nil(t, add(t, r, frags[1], now))

	whole := add(t, r, frags[2], now)
	require.NotNil(t, whole)
	require.Equal(t, payload, whole.Payload)
}

func TestReassembleMismatchedTotalDropped(t *testing.T) {
	frags, err := Split(newPacket(8, randomPayload(3000)), 1000)
	require.NoError(t, err)

	r := NewReassembler(testLimits)
	now := time.Now()
	require.Nil(t, add(t, r, frags[0], now))

	bogus := *frags[1]
	bogus.FragmentTotal = 5
	whole, err := r.Add(&bogus, now)
	require.ErrorIs(t, err, protocol.ErrProtocol)
	require.Nil(t, whole)

	require.Nil(t, add(t, r, frags[1], now))
	require.NotNil(t, add(t, r, frags[2], now))
}

// TestScanNacksOnceThenDrops verifies the abandon window behavior: one NACK
// naming exactly the missing indices, then the record is discarded.
func TestScanNacksOnceThenDrops(t *testing.T) {
	frags, err := Split(newPacket(9, randomPayload(5000)), 1000)
	require.NoError(t, err)
	require.Len(t, frags, 5)

	r := NewReassembler(testLimits)
	start := time.Now()
	add(t, r, frags[0], start)
	add(t, r, frags[2], start)
	add(t, r, frags[4], start)

	window := time.Second
	require.Empty(t, r.Scan(start.Add(500*time.Millisecond), window))

	nacks := r.Scan(start.Add(window), window)
	require.Equal(t, []Nack{{Peer: peer, ID: 9, Missing: []uint16{1, 3}}}, nacks)

	// Still held during the grace window, no second NACK.
	require.Empty(t, r.Scan(start.Add(window+500*time.Millisecond), window))
	require.Equal(t, 1, r.Len())

	require.Empty(t, r.Scan(start.Add(2*window), window))
	require.Zero(t, r.Len())
}

func TestNackedRecordCompletesFromSelectiveResend(t *testing.T) {
	payload := randomPayload(5000)
	frags, err := Split(newPacket(10, payload), 1000)
	require.NoError(t, err)

	r := NewReassembler(testLimits)
	start := time.Now()
	add(t, r, frags[0], start)
	add(t, r, frags[2], start)
	add(t, r, frags[4], start)

	nacks := r.Scan(start.Add(time.Second), time.Second)
	require.Len(t, nacks, 1)

	resend := Select(frags, nacks[0].Missing)
	require.Len(t, resend, 2)
	require.Equal(t, uint16(1), resend[0].FragmentIndex)
	require.Equal(t, uint16(3), resend[1].FragmentIndex)

	require.Nil(t, add(t, r, resend[0], start))
	whole := add(t, r, resend[1], start)
	require.NotNil(t, whole)
	require.Equal(t, payload, whole.Payload)
}

func TestSelectSkipsUnknownAndRepeated(t *testing.T) {
	frags, err := Split(newPacket(11, randomPayload(3000)), 1000)
	require.NoError(t, err)

	got := Select(frags, []uint16{2, 2, 9, 0})
	require.Len(t, got, 2)
	require.Equal(t, uint16(2), got[0].FragmentIndex)
	require.Equal(t, uint16(0), got[1].FragmentIndex)
}

func TestDropPeer(t *testing.T) {
	frags, err := Split(newPacket(12, randomPayload(3000)), 1000)
	require.NoError(t, err)

	r := NewReassembler(testLimits)
	add(t, r, frags[0], time.Now())
	require.Equal(t, 1, r.Len())

	r.DropPeer(netip.MustParseAddrPort("203.0.113.6:1"))
	require.Equal(t, 1, r.Len())

	r.DropPeer(peer)
	require.Zero(t, r.Len())
}

func TestLimitsFor(t *testing.T) {
	l := LimitsFor(1<<20, 1200, 8, 64)
	require.Equal(t, uint16(874), l.MaxFragments)
	require.Equal(t, 1<<20, l.MaxBytes)

	require.Equal(t, uint16(MaxFragments), LimitsFor(1<<30, 1, 8, 64).MaxFragments)
	require.Equal(t, uint16(2), LimitsFor(100, 1200, 8, 64).MaxFragments)
}

// TestOversizedTotalRefused feeds a one-byte fragment claiming 65535 siblings.
// Nothing may be held for it.
func TestOversizedTotalRefused(t *testing.T) {
	r := NewReassembler(testLimits)
	frag := newPacket(1, []byte{0})
	frag.FragmentIndex = 0
	frag.FragmentTotal = MaxFragments

	whole, err := r.Add(frag, time.Now())
	require.ErrorIs(t, err, ErrLimit)
	require.Nil(t, whole)
	require.Zero(t, r.Len())
}

func TestRecordsCappedPerPeerAndOverall(t *testing.T) {
	r := NewReassembler(testLimits)
	now := time.Now()

	open := func(p netip.AddrPort, id int32) error {
		frag := newPacket(id, []byte{1})
		frag.Peer = p
		frag.FragmentTotal = 2
		_, err := r.Add(frag, now)
		return err
	}

	for id := range int32(testLimits.PerPeer) {
		require.NoError(t, open(peer, id))
	}
	require.ErrorIs(t, open(peer, 100), ErrLimit)
	require.Equal(t, testLimits.PerPeer, r.Len())

	// Completing a record frees its slot.
	last := newPacket(0, []byte{2})
	last.FragmentIndex = 1
	last.FragmentTotal = 2
	require.NotNil(t, add(t, r, last, now))
	require.NoError(t, open(peer, 100))

	// Other peers fill the rest until the overall cap.
	for i := 0; r.Len() < testLimits.Total; i++ {
		other := netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), uint16(1000+i/testLimits.PerPeer))
		require.NoError(t, open(other, int32(i)))
	}
	fresh := netip.MustParseAddrPort("198.51.100.2:1")
	require.ErrorIs(t, open(fresh, 1), ErrLimit)

	r.DropPeer(peer)
	require.NoError(t, open(fresh, 1))
}

func TestRecordOverMaxBytesDiscarded(t *testing.T) {
	r := NewReassembler(Limits{MaxFragments: 4, MaxBytes: 1500, PerPeer: 1, Total: 1})
	frags, err := Split(newPacket(3, randomPayload(3000)), 1000)
	require.NoError(t, err)

	add(t, r, frags[0], time.Now())
	_, err = r.Add(frags[1], time.Now())
	require.ErrorIs(t, err, ErrLimit)
	require.Zero(t, r.Len())

	// The slot is free again.
	add(t, r, frags[0], time.Now())
	require.Equal(t, 1, r.Len())
}
