package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrProtocol is the sentinel wrapped by every ProtocolError.
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a malformed datagram. It is never fatal: the
// datagram is dropped and nothing is acknowledged.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

func protoErrf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Encode serializes a Packet header and payload.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(pkt.ID))
	buf[4] = uint8(pkt.Type)
	buf[5] = pkt.Flags()
	binary.BigEndian.PutUint16(buf[6:8], pkt.FragmentIndex)
	binary.BigEndian.PutUint16(buf[8:10], pkt.FragmentTotal)
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode deserializes a header and payload received from peer.
// The payload is copied and does not alias data.
func Decode(data []byte, peer netip.AddrPort) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, protoErrf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}

	typ := Type(data[4])
	if !typ.Valid() {
		return nil, protoErrf("unrecognized type tag %d", data[4])
	}

	flags := data[5]
	if flags&^knownFlags != 0 {
		return nil, protoErrf("unknown flag bits 0x%02x", flags&^knownFlags)
	}

	pkt := &Packet{
		ID:            int32(binary.BigEndian.Uint32(data[0:4])),
		Type:          typ,
		FragmentIndex: binary.BigEndian.Uint16(data[6:8]),
		FragmentTotal: binary.BigEndian.Uint16(data[8:10]),
		Peer:          peer,
		Reliable:      flags&FlagReliable != 0,
		Encrypted:     flags&FlagEncrypted != 0,
	}

	if flags&FlagFragment != 0 {
		if pkt.FragmentTotal == 0 || pkt.FragmentIndex >= pkt.FragmentTotal {
			return nil, protoErrf("fragment index %d out of range (total %d)", pkt.FragmentIndex, pkt.FragmentTotal)
		}
	} else if pkt.FragmentTotal != 0 || pkt.FragmentIndex != 0 {
		return nil, protoErrf("fragment fields set without fragment flag")
	}

	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
