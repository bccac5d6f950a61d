package transport

import (
	"time"

	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/session"
	"github.com/1ureka/voxlink/internal/util"
)

// serverPacket routes a packet on a server endpoint. Handshake types are
// handled for any peer; everything else requires an authenticated session.
func (e *Endpoint) serverPacket(pkt *protocol.Packet, now time.Time) verdict {
	switch pkt.Type {
	case protocol.TypeUnencrypted:
		return e.onKeyRequest(pkt, now)
	case protocol.TypeExchange:
		return e.onSealedKey(pkt, now)
	case protocol.TypeAuth:
		return e.onAuth(pkt, now)
	}

	s, ok := e.sessions.Lookup(pkt.Peer)
	if !ok {
		util.LogDebug("drop %s from unauthenticated %s", pkt, pkt.Peer)
		return rejected
	}

	switch pkt.Type {
	case protocol.TypeCommand, protocol.TypeCmdByteData:
		return e.onCommand(pkt, s)
	case protocol.TypeData:
		return e.onData(pkt, s.Subject)
	case protocol.TypeDisconnect:
		e.dropPeer(pkt.Peer, "disconnected")
		return handled
	default:
		util.LogDebug("drop unexpected %s from %s", pkt, pkt.Peer)
		return rejected
	}
}

// onKeyRequest answers a handshake start with the server public key. The
// request itself is acknowledged only once the session key is installed.
func (e *Endpoint) onKeyRequest(pkt *protocol.Packet, now time.Time) verdict {
	startID, started := e.keys.StartID(pkt.Peer)

	if e.keys.Cipher(pkt.Peer) != nil {
		if started && startID == pkt.ID {
			// The client missed our ACK of its start packet.
			e.sendAck(pkt.Peer, pkt.ID)
			return handled
		}
		if e.sessions.Authenticated(pkt.Peer) {
			util.LogDebug("ignore new handshake from authenticated %s", pkt.Peer)
			return rejected
		}
	}
	if started && startID != pkt.ID {
		// A client that gave up on an earlier attempt starts over.
		e.keys.Remove(pkt.Peer)
		e.tracker.DropPeer(pkt.Peer)
	}

	if !e.limiter.allow(pkt.Peer, now) {
		util.LogDebug("handshake rate exceeded, dropping %s from %s", pkt, pkt.Peer)
		return rejected
	}
	e.keys.Begin(pkt.Peer, pkt.ID, now)

	err := e.transmit(&protocol.Packet{
		ID:      e.ids.Next(),
		Type:    protocol.TypeExchange,
		Payload: e.pub[:],
		Peer:    pkt.Peer,
	})
	if err != nil {
		util.LogDebug("send public key to %s: %v", pkt.Peer, err)
	}
	return handled
}

// onSealedKey installs the session key the client sealed to our public key
// and acknowledges both the exchange and the original start packet.
func (e *Endpoint) onSealedKey(pkt *protocol.Packet, now time.Time) verdict {
	startID, ok := e.keys.StartID(pkt.Peer)
	if !ok {
		util.LogDebug("drop %s from %s: no handshake in progress", pkt, pkt.Peer)
		return rejected
	}

	sk, err := secure.OpenKey(pkt.Payload, e.pub, e.priv)
	if err != nil {
		util.LogDebug("drop %s from %s: %v", pkt, pkt.Peer, err)
		return rejected
	}
	if _, err := e.keys.Install(pkt.Peer, sk, now); err != nil {
		util.LogWarning("drop %s from %s: %v", pkt, pkt.Peer, err)
		return rejected
	}

	e.sendAck(pkt.Peer, startID)
	util.LogDebug("session key installed for %s", pkt.Peer)
	return accepted
}

// onAuth verifies the bearer token and admits the peer, or answers FAILURE.
// The AUTH packet is acknowledged either way: it was delivered.
func (e *Endpoint) onAuth(pkt *protocol.Packet, now time.Time) verdict {
	if e.sessions.Authenticated(pkt.Peer) {
		util.LogDebug("drop %s from %s: already authenticated", pkt, pkt.Peer)
		return rejected
	}

	s, old, err := e.gate.Admit(e.ctx, pkt.Peer, pkt.Payload, now)
	if err != nil {
		e.stats.AddAuthFailure()
		util.LogWarning("%v", err)
		e.bus.Publish(dispatch.Event{Kind: dispatch.AuthenticationFailed, Peer: pkt.Peer, Err: err})

		if err := e.transmit(&protocol.Packet{
			ID:        e.ids.Next(),
			Type:      protocol.TypeFailure,
			Payload:   []byte("authentication failed"),
			Peer:      pkt.Peer,
			Encrypted: true,
		}); err != nil {
			util.LogDebug("send FAILURE to %s: %v", pkt.Peer, err)
		}
		return accepted
	}
	if old != nil {
		e.stats.CloseSession()
	}

	e.keys.Admit(pkt.Peer)
	e.stats.OpenSession()
	util.LogSuccess("%s joined from %s", s.Subject, pkt.Peer)

	if err := e.transmit(&protocol.Packet{
		ID:        e.ids.Next(),
		Type:      protocol.TypeConnect,
		Payload:   []byte(s.Subject),
		Peer:      pkt.Peer,
		Reliable:  true,
		Encrypted: true,
	}); err != nil {
		util.LogDebug("send CONNECT to %s: %v", pkt.Peer, err)
	}
	e.bus.Publish(dispatch.Event{Kind: dispatch.PeerConnected, Peer: pkt.Peer, Subject: s.Subject})
	return accepted
}

// onCommand runs a command and sends its response. The command is
// acknowledged here, after the response went out, so a retransmitted
// command is answered by the replay window and never run twice.
func (e *Endpoint) onCommand(pkt *protocol.Packet, s session.PeerSession) verdict {
	req, err := dispatch.NewRequest(pkt, s)
	if err != nil {
		util.LogDebug("drop %s from %s: %v", pkt, pkt.Peer, err)
		return rejected
	}
	e.dedup.mark(pkt.Peer, pkt.ID)

	e.bus.Publish(dispatch.Event{
		Kind:    dispatch.CommandReceived,
		Peer:    pkt.Peer,
		Subject: s.Subject,
		Command: req.Name,
		Data:    pkt.Payload,
	})

	resp := e.handlers.Dispatch(e.ctx, req)
	if err := e.transmit(&protocol.Packet{
		ID:        e.ids.Next(),
		Type:      protocol.TypeData,
		Payload:   protocol.EncodeResponse(resp),
		Peer:      pkt.Peer,
		Reliable:  true,
		Encrypted: true,
	}); err != nil {
		util.LogDebug("send response to %s: %v", pkt.Peer, err)
	}

	if pkt.Reliable {
		e.sendAck(pkt.Peer, pkt.ID)
	}
	return handled
}

// onData surfaces application DATA from an authenticated peer.
func (e *Endpoint) onData(pkt *protocol.Packet, subject string) verdict {
	app, resp, err := protocol.DecodeData(pkt.Payload)
	if err != nil {
		util.LogDebug("drop %s from %s: %v", pkt, pkt.Peer, err)
		return rejected
	}
	if resp != nil {
		util.LogDebug("drop response %s from %s: servers take no responses", pkt, pkt.Peer)
		return accepted
	}
	e.bus.Publish(dispatch.Event{Kind: dispatch.DataReceived, Peer: pkt.Peer, Subject: subject, Data: app})
	return accepted
}
