// Package protocol defines the packet format and types carried by the voxlink
// datagram transport.
package protocol

import (
	"fmt"
	"net/netip"
)

// Type identifies the kind of a packet on the wire.
type Type uint8

// Packet type constants.
const (
	TypeData        Type = 0  // application bytes or a command response
	TypeCommand     Type = 1  // text command "<name> <args...>"
	TypeNack        Type = 2  // missing fragment indices for a packet id
	TypeAck         Type = 3  // acknowledges a reliable packet id
	TypeAuth        Type = 4  // opaque bearer token
	TypeCmdByteData Type = 5  // binary command: [nameLen][name][args]
	TypeUnencrypted Type = 6  // handshake start: public key request
	TypeFailure     Type = 7  // authentication rejected
	TypeExchange    Type = 8  // public key or sealed session key
	TypeConnect     Type = 9  // session admitted, carries the subject id
	TypeDisconnect  Type = 10 // session teardown

	typeCount = 11
)

var typeNames = [typeCount]string{
	TypeData:        "DATA",
	TypeCommand:     "COMMAND",
	TypeNack:        "NACK",
	TypeAck:         "ACK",
	TypeAuth:        "AUTH",
	TypeCmdByteData: "CMD_BYTE_DATA",
	TypeUnencrypted: "UNENCRYPTED",
	TypeFailure:     "FAILURE",
	TypeExchange:    "EXCHANGE",
	TypeConnect:     "CONNECT",
	TypeDisconnect:  "DISCONNECT",
}

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool { return t < typeCount }

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
	return typeNames[t]
}

// HandshakeOnly reports whether packets of type t may be accepted from a
// peer that has no session key installed yet.
func (t Type) HandshakeOnly() bool {
	return t == TypeExchange || t == TypeUnencrypted
}

// Header flag bits.
const (
	FlagReliable  uint8 = 1 << 0
	FlagEncrypted uint8 = 1 << 1
	FlagFragment  uint8 = 1 << 2

	knownFlags = FlagReliable | FlagEncrypted | FlagFragment
)

// HeaderSize is the fixed header size:
// ID(4) + Type(1) + Flags(1) + FragmentIndex(2) + FragmentTotal(2).
const HeaderSize = 10

// Packet is one logical unit of the transport. A packet with FragmentTotal > 0
// is one slice of a larger packet sharing the same ID.
//
// Identity is the tuple (ID, Peer).
type Packet struct {
	ID            int32
	Type          Type
	FragmentIndex uint16
	FragmentTotal uint16
	Payload       []byte

	Peer      netip.AddrPort
	Reliable  bool
	Encrypted bool
}

// IsFragment reports whether p is a slice of a larger packet.
func (p *Packet) IsFragment() bool { return p.FragmentTotal > 0 }

// Flags returns the wire flag byte for p.
func (p *Packet) Flags() uint8 {
	var f uint8
	if p.Reliable {
		f |= FlagReliable
	}
	if p.Encrypted {
		f |= FlagEncrypted
	}
	if p.IsFragment() {
		f |= FlagFragment
	}
	return f
}

func (p *Packet) String() string {
	if p.IsFragment() {
		return fmt.Sprintf("%s#%08x[%d/%d]@%s", p.Type, uint32(p.ID), p.FragmentIndex, p.FragmentTotal, p.Peer)
	}
	return fmt.Sprintf("%s#%08x@%s", p.Type, uint32(p.ID), p.Peer)
}
