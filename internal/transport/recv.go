package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/util"
)

// verdict is what a role handler decided about an incoming packet.
type verdict int

const (
	// rejected packets are dropped: not remembered, not acknowledged.
	rejected verdict = iota
	// accepted packets are remembered in the replay window and, when
	// reliable, acknowledged.
	accepted
	// handled packets need nothing more: the handler either acknowledged
	// them itself or they are acknowledged later in the handshake.
	handled
)

// receiveLoop reads the socket until it is closed. It is the only goroutine
// that processes incoming packets, so per-peer ordering of side effects is
// the arrival order.
func (e *Endpoint) receiveLoop() error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := e.sock.ReadFrom(buf)
		if err != nil {
			if e.closing.Load() {
				return nil
			}
			return &TransportError{Op: "read", Err: err}
		}
		e.stats.AddRecv(n)
		e.handleDatagram(buf[:n], from, time.Now())
	}
}

// handleDatagram runs one datagram through the pipeline. Nothing here
// returns an error: protocol and security failures drop the datagram.
func (e *Endpoint) handleDatagram(datagram []byte, from netip.AddrPort, now time.Time) {
	pkt, err := e.open(datagram, from)
	if err != nil {
		e.stats.AddDrop()
		util.LogDebug("drop datagram from %s: %v", from, err)
		return
	}

	switch pkt.Type {
	case protocol.TypeAck:
		e.onAck(pkt)
		return
	case protocol.TypeNack:
		e.onNack(pkt)
		return
	}

	if pkt.IsFragment() {
		// A fragment of a packet already delivered means our ACK was lost.
		if e.repeated(pkt) {
			return
		}
		whole, err := e.reasm.Add(pkt, now)
		if err != nil {
			e.stats.AddDrop()
			util.LogDebug("drop fragment from %s: %v", pkt.Peer, err)
			return
		}
		if whole == nil {
			return
		}
		pkt = whole
	}

	if e.repeated(pkt) {
		return
	}

	var v verdict
	if e.role == RoleServer {
		v = e.serverPacket(pkt, now)
	} else {
		v = e.clientPacket(pkt, now)
	}

	switch v {
	case rejected:
		e.stats.AddDrop()
	case accepted:
		e.accept(pkt)
	}
}

// accept remembers pkt and acknowledges it when reliable. Plaintext ids are
// unauthenticated and never enter the replay window.
func (e *Endpoint) accept(pkt *protocol.Packet) {
	if pkt.Encrypted {
		e.dedup.mark(pkt.Peer, pkt.ID)
	}
	if pkt.Reliable {
		e.sendAck(pkt.Peer, pkt.ID)
	}
}

// repeated reports whether pkt was accepted before or is too old to tell.
// A reliable duplicate is a retransmission whose ACK got lost, so it is
// acknowledged again; anything else is a replay and is dropped.
func (e *Endpoint) repeated(pkt *protocol.Packet) bool {
	if !pkt.Encrypted {
		return false
	}
	switch e.dedup.check(pkt.Peer, pkt.ID) {
	case duplicate:
		if pkt.Reliable {
			util.LogDebug("duplicate %s from %s", pkt, pkt.Peer)
			e.sendAck(pkt.Peer, pkt.ID)
			return true
		}
		util.LogDebug("replayed %s from %s", pkt, pkt.Peer)
	case stale:
		util.LogDebug("stale %s from %s", pkt, pkt.Peer)
	default:
		return false
	}
	e.stats.AddDrop()
	return true
}

// open strips the envelope, decrypts sealed frames and decodes the header.
// Plaintext is only allowed for unfragmented handshake types, and the
// encrypted flag must agree with the frame.
func (e *Endpoint) open(datagram []byte, from netip.AddrPort) (*protocol.Packet, error) {
	frame, env, body, err := protocol.Unwrap(datagram)
	if err != nil {
		return nil, err
	}

	if frame == protocol.FrameSealed {
		body, err = e.keys.Cipher(from).Open(body, env)
		if err != nil {
			return nil, err
		}
	}

	pkt, err := protocol.Decode(body, from)
	if err != nil {
		return nil, err
	}

	switch {
	case frame == protocol.FrameSealed && !pkt.Encrypted:
		return nil, fmt.Errorf("%w: sealed frame without encrypted flag", secure.ErrSecurity)
	case frame == protocol.FramePlain && pkt.Encrypted:
		return nil, fmt.Errorf("%w: plaintext frame with encrypted flag", secure.ErrSecurity)
	case frame == protocol.FramePlain && !pkt.Type.HandshakeOnly():
		return nil, fmt.Errorf("%w: %s: %w", secure.ErrSecurity, pkt.Type, errPlaintext)
	case frame == protocol.FramePlain && pkt.IsFragment():
		return nil, fmt.Errorf("%w: fragmented %s: %w", secure.ErrSecurity, pkt.Type, errPlaintext)
	}
	return pkt, nil
}

// onAck settles a pending reliable send. On a client the ACK of the key
// exchange also moves the handshake on to AUTH.
func (e *Endpoint) onAck(pkt *protocol.Packet) {
	if _, ok := e.tracker.Ack(pkt.Peer, pkt.ID); !ok {
		util.LogDebug("ack for unknown #%08x from %s", uint32(pkt.ID), pkt.Peer)
	}
	if e.role != RoleClient || pkt.Peer != e.server {
		return
	}
	if authPkt := e.hs.OnAck(pkt.ID); authPkt != nil {
		if err := e.transmit(authPkt); err != nil {
			util.LogWarning("send AUTH: %v", err)
		}
	}
}

// onNack resends exactly the fragments the peer reported missing.
func (e *Endpoint) onNack(pkt *protocol.Packet) {
	missing, err := protocol.DecodeNack(pkt.Payload)
	if err != nil {
		e.stats.AddDrop()
		util.LogDebug("drop NACK from %s: %v", pkt.Peer, err)
		return
	}

	frames := e.tracker.Missing(pkt.Peer, pkt.ID, missing)
	var sent int
	for _, f := range frames {
		if err := e.writeFrame(f); err == nil {
			sent++
		} else if errors.Is(err, secure.ErrSecurity) {
			break
		}
	}
	e.stats.AddRetransmit(sent)
	util.LogDebug("NACK #%08x from %s: resent %d/%d fragments", uint32(pkt.ID), pkt.Peer, sent, len(missing))
}
