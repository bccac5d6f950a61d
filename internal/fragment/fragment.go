// Package fragment splits oversized packets into fragments and reassembles
// them on the receiving side.
package fragment

import (
	"github.com/1ureka/voxlink/internal/protocol"
)

// MaxFragments is the largest fragment count the header can express.
const MaxFragments = 0xffff

// Count returns how many fragments a payload of size bytes needs under
// threshold. Payloads that fit in one datagram need none (0).
func Count(size, threshold int) int {
	if threshold <= 0 || size <= threshold {
		return 0
	}
	return (size + threshold - 1) / threshold
}

// Split turns pkt into the packets that go on the wire. A payload that fits
// under threshold yields pkt itself; a larger one yields ceil(len/threshold)
// fragments sharing pkt's id, type and flags. Fragment payloads alias
// pkt.Payload.
func Split(pkt *protocol.Packet, threshold int) ([]*protocol.Packet, error) {
	n := Count(len(pkt.Payload), threshold)
	if n == 0 {
		return []*protocol.Packet{pkt}, nil
	}
	if n > MaxFragments {
		return nil, &protocol.ProtocolError{Reason: "payload needs too many fragments"}
	}

	frags := make([]*protocol.Packet, n)
	for i := range frags {
		start := i * threshold
		end := min(start+threshold, len(pkt.Payload))

		f := *pkt
		f.FragmentIndex = uint16(i)
		f.FragmentTotal = uint16(n)
		f.Payload = pkt.Payload[start:end]
		frags[i] = &f
	}
	return frags, nil
}

// Select returns the frames of a split packet named by indices, in the order
// given. Unknown and repeated indices are skipped.
func Select(frames []*protocol.Packet, indices []uint16) []*protocol.Packet {
	seen := make(map[uint16]struct{}, len(indices))
	out := make([]*protocol.Packet, 0, len(indices))
	for _, idx := range indices {
		if int(idx) >= len(frames) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, frames[idx])
	}
	return out
}
