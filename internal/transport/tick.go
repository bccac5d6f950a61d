package transport

import (
	"context"
	"time"

	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/handshake"
	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/reliable"
	"github.com/1ureka/voxlink/internal/util"
)

// tickLoop runs the periodic scans until ctx is done.
func (e *Endpoint) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			e.tick(now)
		case <-ctx.Done():
			return nil
		}
	}
}

// tick retransmits overdue reliable packets, reports exhausted ones, NACKs
// stale reassemblies and expires stalled handshakes.
func (e *Endpoint) tick(now time.Time) {
	resend, failed := e.tracker.Scan(now)
	var sent int
	for _, f := range resend {
		if err := e.writeFrame(f); err == nil {
			sent++
		}
	}
	e.stats.AddRetransmit(sent)

	for _, f := range failed {
		e.onDeliveryFailure(f)
	}

	for _, n := range e.reasm.Scan(now, e.opts.AbandonWindow) {
		e.sendNack(n)
	}

	switch e.role {
	case RoleServer:
		for _, peer := range e.keys.Expire(now, e.opts.HandshakeTimeout) {
			util.LogDebug("handshake with %s expired", peer)
			e.tracker.DropPeer(peer)
			e.reasm.DropPeer(peer)
			e.dedup.forget(peer)
		}
	case RoleClient:
		state := e.hs.State()
		if e.hs.Expired(now, e.opts.HandshakeTimeout) {
			e.failHandshake(&HandshakeTimeoutError{Server: e.server, State: state, Timeout: e.opts.HandshakeTimeout})
		}
	}
}

// onDeliveryFailure reports a reliable packet that was never acknowledged.
// The peer is presumed gone: a server drops its session, a client loses its
// connection or abandons the handshake.
func (e *Endpoint) onDeliveryFailure(f *reliable.DeliveryFailure) {
	e.stats.AddDeliveryFailure()
	util.LogWarning("%v", f)
	e.bus.Publish(dispatch.Event{Kind: dispatch.DeliveryFailed, Peer: f.Peer, Err: f})

	e.resolve(f.ID, commandResult{err: f})

	if e.role == RoleServer {
		if e.sessions.Authenticated(f.Peer) {
			e.dropPeer(f.Peer, "unreachable")
		}
		return
	}

	switch e.hs.State() {
	case handshake.Connected:
		e.loseConnection(f)
	case handshake.Disconnected:
	default:
		if f.Type == protocol.TypeUnencrypted || f.Type == protocol.TypeExchange || f.Type == protocol.TypeAuth {
			e.hs.Reset()
			e.failHandshake(f)
		}
	}
}
