package protocol

import "encoding/binary"

// ProtoID must be at the start of every datagram.
const ProtoID uint32 = 0x564f5831 // "VOX1"

// EnvelopeSize is ProtoID(4) + Frame(1).
const EnvelopeSize = 5

// Frame tells the receiver how to read the datagram body.
type Frame uint8

const (
	// FramePlain carries a plaintext header+payload. Only handshake-only
	// packet types are accepted in this form.
	FramePlain Frame = 0

	// FrameSealed carries [nonce][ciphertext‖tag] of a header+payload.
	FrameSealed Frame = 1
)

/*
Datagram format (big endian):

	ProtoID uint32
	Frame   uint8
	switch Frame {
	case FramePlain:
		Header  [HeaderSize]byte
		Payload []byte
	case FrameSealed:
		Nonce [12]byte
		Seal  []byte // AEAD(Header‖Payload), additional data = ProtoID‖Frame
	}
*/

// Envelope returns the datagram prefix for frame.
func Envelope(frame Frame) []byte {
	buf := make([]byte, EnvelopeSize)
	binary.BigEndian.PutUint32(buf[0:4], ProtoID)
	buf[4] = uint8(frame)
	return buf
}

// Unwrap splits a datagram into its frame kind and body. The returned
// envelope slice aliases datagram and is used as AEAD additional data.
func Unwrap(datagram []byte) (frame Frame, envelope, body []byte, err error) {
	if len(datagram) < EnvelopeSize {
		return 0, nil, nil, protoErrf("datagram too short: %d bytes", len(datagram))
	}
	if id := binary.BigEndian.Uint32(datagram[0:4]); id != ProtoID {
		return 0, nil, nil, protoErrf("unsupported protocol id: 0x%08x", id)
	}
	frame = Frame(datagram[4])
	if frame != FramePlain && frame != FrameSealed {
		return 0, nil, nil, protoErrf("unknown frame kind %d", frame)
	}
	return frame, datagram[:EnvelopeSize], datagram[EnvelopeSize:], nil
}
