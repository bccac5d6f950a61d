package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/voxlink/internal/auth"
	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/handshake"
	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/util"
)

// Connect runs the handshake with the server and blocks until the session
// is established, rejected or timed out, or ctx is done. Run must be active.
func (e *Endpoint) Connect(ctx context.Context) error {
	if e.role != RoleClient {
		return ErrWrongRole
	}
	if e.closing.Load() {
		return ErrClosed
	}

	wait := make(chan error, 1)
	e.connMu.Lock()
	e.connWait = wait
	e.connMu.Unlock()

	start, err := e.hs.Start(time.Now())
	if err != nil {
		e.finishConnect(nil)
		return err
	}
	// The start packet is reliable: it is retransmitted until the server
	// acknowledges it, which happens only after the key exchange.
	if err := e.transmit(start); err != nil {
		e.hs.Reset()
		e.finishConnect(nil)
		return err
	}
	e.hs.Sent()
	util.LogDebug("handshake started with %s", e.server)

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		e.abortHandshake()
		return ctx.Err()
	}
}

// finishConnect wakes a pending Connect with err.
func (e *Endpoint) finishConnect(err error) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.connWait != nil {
		e.connWait <- err
		e.connWait = nil
	}
}

func (e *Endpoint) abortHandshake() {
	e.connMu.Lock()
	e.connWait = nil
	e.connMu.Unlock()
	if e.hs.State() != handshake.Connected {
		e.hs.Reset()
		e.forgetPeer(e.server)
	}
}

// Subject returns the id the server assigned to this client.
func (e *Endpoint) Subject() string {
	if e.hs == nil {
		return ""
	}
	return e.hs.Subject()
}

// Command sends a text command and waits for its response body.
func (e *Endpoint) Command(ctx context.Context, line string) ([]byte, error) {
	name, _, err := protocol.ParseCommand([]byte(line))
	if err != nil {
		return nil, err
	}
	return e.command(ctx, name, protocol.TypeCommand, []byte(line))
}

// CommandBytes sends a binary command and waits for its response body.
func (e *Endpoint) CommandBytes(ctx context.Context, name string, args []byte) ([]byte, error) {
	payload, err := protocol.EncodeByteCommand(name, args)
	if err != nil {
		return nil, err
	}
	return e.command(ctx, name, protocol.TypeCmdByteData, payload)
}

func (e *Endpoint) command(ctx context.Context, name string, t protocol.Type, payload []byte) ([]byte, error) {
	if e.role != RoleClient {
		return nil, ErrWrongRole
	}
	if e.hs.State() != handshake.Connected {
		return nil, ErrNotConnected
	}

	pkt := &protocol.Packet{
		ID:        e.ids.Next(),
		Type:      t,
		Payload:   payload,
		Peer:      e.server,
		Reliable:  true,
		Encrypted: true,
	}

	ch := make(chan commandResult, 1)
	e.waitMu.Lock()
	e.waiters[pkt.ID] = ch
	e.waitMu.Unlock()
	defer e.resolve(pkt.ID, commandResult{err: ErrClosed})

	if err := e.transmit(pkt); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Status != protocol.StatusOK {
			return nil, &CommandError{Command: name, Message: string(res.resp.Body)}
		}
		return res.resp.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve hands res to the waiter of id, if any. Each waiter is resolved at
// most once.
func (e *Endpoint) resolve(id int32, res commandResult) bool {
	e.waitMu.Lock()
	ch, ok := e.waiters[id]
	delete(e.waiters, id)
	e.waitMu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

// clientPacket routes a packet on a client endpoint. Only the server may
// talk to a client.
func (e *Endpoint) clientPacket(pkt *protocol.Packet, now time.Time) verdict {
	if pkt.Peer != e.server {
		util.LogDebug("drop %s from stranger %s", pkt, pkt.Peer)
		return rejected
	}

	switch pkt.Type {
	case protocol.TypeExchange:
		return e.onPublicKey(pkt, now)

	case protocol.TypeConnect:
		subject := string(pkt.Payload)
		if err := e.hs.OnConnect(subject); err != nil {
			util.LogDebug("drop %s: %v", pkt, err)
			return rejected
		}
		e.keys.Admit(e.server)
		e.stats.OpenSession()
		util.LogSuccess("connected to %s as %s", e.server, subject)
		e.bus.Publish(dispatch.Event{Kind: dispatch.PeerConnected, Peer: e.server, Subject: subject})
		e.finishConnect(nil)
		return accepted

	case protocol.TypeFailure:
		reason := e.hs.OnFailure(string(pkt.Payload))
		if errors.Is(reason, handshake.ErrOutOfSequence) {
			util.LogDebug("drop %s: %v", pkt, reason)
			return rejected
		}
		err := &auth.AuthenticationError{Peer: e.server, Err: reason}
		e.forgetPeer(e.server)
		e.stats.AddAuthFailure()
		util.LogError("%v", err)
		e.bus.Publish(dispatch.Event{Kind: dispatch.AuthenticationFailed, Peer: e.server, Err: err})
		e.finishConnect(err)
		return accepted

	case protocol.TypeData:
		if e.hs.State() != handshake.Connected {
			return rejected
		}
		app, resp, err := protocol.DecodeData(pkt.Payload)
		if err != nil {
			util.LogDebug("drop %s: %v", pkt, err)
			return rejected
		}
		if resp != nil {
			if !e.resolve(resp.RequestID, commandResult{resp: *resp}) {
				util.LogDebug("response to unknown command #%08x", uint32(resp.RequestID))
			}
			return accepted
		}
		e.bus.Publish(dispatch.Event{Kind: dispatch.DataReceived, Peer: e.server, Subject: e.hs.Subject(), Data: app})
		return accepted

	case protocol.TypeDisconnect:
		if e.hs.State() == handshake.Connected {
			e.loseConnection(errors.New("server closed the session"))
		}
		return handled

	default:
		util.LogDebug("drop unexpected %s", pkt)
		return rejected
	}
}

// onPublicKey answers the server key with a freshly drawn session key
// sealed to it, and installs that key locally.
func (e *Endpoint) onPublicKey(pkt *protocol.Packet, now time.Time) verdict {
	exchange, sk, err := e.hs.OnPublicKey(pkt.Payload)
	if err != nil {
		if errors.Is(err, secure.ErrSecurity) {
			util.LogWarning("reject server key from %s: %v", pkt.Peer, err)
		} else {
			util.LogDebug("drop %s: %v", pkt, err)
		}
		return rejected
	}
	if _, err := e.keys.Install(e.server, sk, now); err != nil {
		util.LogWarning("install session key: %v", err)
		return rejected
	}
	if err := e.transmit(exchange); err != nil {
		util.LogDebug("send key exchange: %v", err)
	}
	return handled
}

// loseConnection tears down an established client session.
func (e *Endpoint) loseConnection(cause error) {
	subject := e.hs.Subject()
	e.hs.Reset()
	e.forgetPeer(e.server)
	e.stats.CloseSession()

	err := fmt.Errorf("connection lost: %w", cause)
	util.LogError("%v", err)
	e.bus.Publish(dispatch.Event{Kind: dispatch.ConnectionLost, Peer: e.server, Subject: subject, Err: err})

	e.waitMu.Lock()
	ids := make([]int32, 0, len(e.waiters))
	for id := range e.waiters {
		ids = append(ids, id)
	}
	e.waitMu.Unlock()
	for _, id := range ids {
		e.resolve(id, commandResult{err: err})
	}
}

// failHandshake abandons an unfinished handshake.
func (e *Endpoint) failHandshake(err error) {
	e.forgetPeer(e.server)
	util.LogError("%v", err)
	e.bus.Publish(dispatch.Event{Kind: dispatch.ConnectionFailed, Peer: e.server, Err: err})
	e.finishConnect(err)
}
