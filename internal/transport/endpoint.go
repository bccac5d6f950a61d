// Package transport runs the voxlink datagram protocol over a Socket: it
// seals, fragments and retransmits outgoing packets, and opens, reassembles,
// deduplicates and routes incoming ones.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/voxlink/internal/auth"
	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/fragment"
	"github.com/1ureka/voxlink/internal/handshake"
	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/reliable"
	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/session"
	"github.com/1ureka/voxlink/internal/util"
	"golang.org/x/sync/errgroup"
)

// Role selects which side of the handshake an endpoint plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Endpoint is one side of a voxlink connection. A server endpoint serves
// many peers; a client endpoint talks to exactly one server.
//
// Run drives the endpoint: one goroutine reads the socket and a second one
// ticks retransmissions, NACKs and handshake expiry. The send methods may be
// called from any goroutine.
type Endpoint struct {
	role Role
	sock Socket
	opts Options

	ids      *protocol.IDGen
	keys     *secure.Store
	tracker  *reliable.Tracker
	reasm    *fragment.Reassembler
	dedup    *dedupWindow
	sessions *session.Registry
	bus      *dispatch.Bus
	stats    *util.Stats

	// server
	priv     secure.PrivateKey
	pub      secure.PublicKey
	gate     *auth.Gate
	handlers *dispatch.Registry
	limiter  *handshakeLimiter

	// client
	server netip.AddrPort
	hs     *handshake.Initiator

	connMu   sync.Mutex
	connWait chan error

	waitMu  sync.Mutex
	waiters map[int32]chan commandResult

	ctx       context.Context
	cancel    context.CancelFunc
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	running   atomic.Bool
}

type commandResult struct {
	resp protocol.Response
	err  error
}

// ServerConfig assembles a server endpoint.
type ServerConfig struct {
	Key      secure.PrivateKey
	Verifier auth.Verifier
	Handlers *dispatch.Registry // nil means no commands
	Options  Options
}

// ClientConfig assembles a client endpoint.
type ClientConfig struct {
	Server    netip.AddrPort
	Token     []byte
	ServerKey *secure.PublicKey // pinned server key, nil accepts any
	Options   Options
}

func newEndpoint(role Role, sock Socket, opts Options) (*Endpoint, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		role:     role,
		sock:     sock,
		opts:     opts,
		ids:      protocol.NewIDGen(),
		keys:     secure.NewStore(),
		tracker:  reliable.NewTracker(opts.MaxAttempts, opts.RetryInterval),
		reasm:    fragment.NewReassembler(opts.reassemblyLimits()),
		dedup:    newDedupWindow(opts.ReplayWindow),
		sessions: session.NewRegistry(),
		bus:      dispatch.NewBus(),
		stats:    util.NewStats(),
		waiters:  make(map[int32]chan commandResult),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// NewServer creates a server endpoint on sock.
func NewServer(sock Socket, cfg ServerConfig) (*Endpoint, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("server needs a token verifier")
	}
	e, err := newEndpoint(RoleServer, sock, cfg.Options)
	if err != nil {
		return nil, err
	}
	e.priv = cfg.Key
	e.pub = cfg.Key.Public()
	e.gate = auth.NewGate(cfg.Verifier, e.sessions, e.opts.AuthTimeout)
	e.handlers = cfg.Handlers
	if e.handlers == nil {
		e.handlers = dispatch.NewRegistry()
	}
	e.limiter, err = newHandshakeLimiter(e.opts)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NewClient creates a client endpoint on sock that connects to cfg.Server.
func NewClient(sock Socket, cfg ClientConfig) (*Endpoint, error) {
	if !cfg.Server.IsValid() {
		return nil, fmt.Errorf("invalid server address %q", cfg.Server)
	}
	e, err := newEndpoint(RoleClient, sock, cfg.Options)
	if err != nil {
		return nil, err
	}
	e.server = cfg.Server
	e.hs = handshake.NewInitiator(cfg.Server, cfg.Token, cfg.ServerKey, e.ids.Next)
	return e, nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (e *Endpoint) Role() Role                   { return e.role }
func (e *Endpoint) LocalAddr() netip.AddrPort    { return e.sock.LocalAddr() }
func (e *Endpoint) Stats() *util.Stats           { return e.stats }
func (e *Endpoint) Events() *dispatch.Bus        { return e.bus }
func (e *Endpoint) Sessions() *session.Registry  { return e.sessions }
func (e *Endpoint) Handlers() *dispatch.Registry { return e.handlers }

// PublicKey returns the server's long-term public key.
func (e *Endpoint) PublicKey() secure.PublicKey { return e.pub }

// Server returns the address a client endpoint talks to.
func (e *Endpoint) Server() netip.AddrPort { return e.server }

// State returns the client handshake state.
func (e *Endpoint) State() handshake.State {
	if e.hs == nil {
		return handshake.Disconnected
	}
	return e.hs.State()
}

// Done is closed once Run has returned.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Run drives the endpoint until ctx is cancelled, Shutdown is called or the
// socket fails. A socket failure is returned as a *TransportError.
func (e *Endpoint) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("endpoint already running")
	}
	defer close(e.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(e.receiveLoop)
	g.Go(func() error { return e.tickLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		e.closeSocket()
		return nil
	})

	err := g.Wait()
	e.abandon()
	return err
}

// Shutdown stops the endpoint. Pending reliable sends and partial
// reassemblies are discarded, not flushed.
func (e *Endpoint) Shutdown() {
	e.cancel()
	e.closeSocket()
}

func (e *Endpoint) closeSocket() {
	e.closeOnce.Do(func() {
		e.closing.Store(true)
		if err := e.sock.Close(); err != nil {
			util.LogDebug("close socket: %v", err)
		}
	})
}

// abandon wakes everyone still waiting on the endpoint.
func (e *Endpoint) abandon() {
	e.finishConnect(ErrClosed)

	e.waitMu.Lock()
	for id, ch := range e.waiters {
		ch <- commandResult{err: ErrClosed}
		delete(e.waiters, id)
	}
	e.waitMu.Unlock()
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send transmits payload to peer as application DATA and returns the packet
// id. Only handshake packets travel in plaintext, so encrypted must be true;
// the parameter exists so the choice is explicit at every call site.
func (e *Endpoint) Send(peer netip.AddrPort, payload []byte, reliable, encrypted bool) (int32, error) {
	if !encrypted {
		return 0, errPlaintext
	}
	if e.role == RoleServer && !e.sessions.Authenticated(peer) {
		return 0, fmt.Errorf("send to %s: %w", peer, ErrNotConnected)
	}
	if e.role == RoleClient && (peer != e.server || e.hs.State() != handshake.Connected) {
		return 0, fmt.Errorf("send to %s: %w", peer, ErrNotConnected)
	}

	pkt := &protocol.Packet{
		ID:        e.ids.Next(),
		Type:      protocol.TypeData,
		Payload:   protocol.EncodeAppData(payload),
		Peer:      peer,
		Reliable:  reliable,
		Encrypted: true,
	}
	return pkt.ID, e.transmit(pkt)
}

// Broadcast sends payload to every authenticated peer of a server.
func (e *Endpoint) Broadcast(payload []byte, reliable bool) error {
	if e.role != RoleServer {
		return ErrWrongRole
	}
	var errs []error
	for _, s := range e.sessions.List() {
		if _, err := e.Send(s.Addr, payload, reliable, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect ends the session with peer: a DISCONNECT is sent and every
// per-peer record is dropped.
func (e *Endpoint) Disconnect(peer netip.AddrPort) error {
	var err error
	if e.keys.Cipher(peer) != nil {
		err = e.transmit(&protocol.Packet{
			ID:        e.ids.Next(),
			Type:      protocol.TypeDisconnect,
			Peer:      peer,
			Encrypted: true,
		})
	}
	if e.role == RoleClient {
		if e.hs.State() == handshake.Connected {
			e.stats.CloseSession()
		}
		e.hs.Reset()
		e.forgetPeer(peer)
		e.finishConnect(ErrNotConnected)
		return err
	}
	e.dropPeer(peer, "disconnected by server")
	return err
}

// transmit splits pkt, registers it for retransmission when reliable and
// writes every frame.
func (e *Endpoint) transmit(pkt *protocol.Packet) error {
	if e.closing.Load() {
		return ErrClosed
	}
	if len(pkt.Payload) > e.opts.MaxMessageSize {
		return &protocol.ProtocolError{Reason: fmt.Sprintf("%s payload of %d bytes exceeds %d", pkt.Type, len(pkt.Payload), e.opts.MaxMessageSize)}
	}
	frames, err := fragment.Split(pkt, e.opts.FragmentThreshold)
	if err != nil {
		return err
	}
	if pkt.Reliable {
		e.tracker.Track(pkt, frames, time.Now())
	}

	var errs []error
	for _, f := range frames {
		if err := e.writeFrame(f); err != nil {
			errs = append(errs, err)
		}
	}
	// A reliable packet is retransmitted by the tick loop; a lost write is
	// just early loss.
	if pkt.Reliable {
		return nil
	}
	return errors.Join(errs...)
}

// datagram encodes one frame and seals it when required.
func (e *Endpoint) datagram(f *protocol.Packet) ([]byte, error) {
	body := protocol.Encode(f)
	if !f.Encrypted {
		return append(protocol.Envelope(protocol.FramePlain), body...), nil
	}

	c := e.keys.Cipher(f.Peer)
	if c == nil {
		return nil, fmt.Errorf("%w: no session key for %s", secure.ErrSecurity, f.Peer)
	}
	env := protocol.Envelope(protocol.FrameSealed)
	buf := make([]byte, 0, len(env)+secure.Overhead+len(body))
	return c.Seal(append(buf, env...), body, env)
}

// writeFrame writes one frame to its peer.
func (e *Endpoint) writeFrame(f *protocol.Packet) error {
	datagram, err := e.datagram(f)
	if err != nil {
		return err
	}

	if err := e.sock.WriteTo(datagram, f.Peer); err != nil {
		if !e.closing.Load() {
			util.LogDebug("write %s to %s: %v", f, f.Peer, err)
		}
		return &TransportError{Op: "write", Err: err}
	}
	e.stats.AddSent(len(datagram))
	return nil
}

func (e *Endpoint) sendAck(peer netip.AddrPort, id int32) {
	err := e.transmit(&protocol.Packet{
		ID:        id,
		Type:      protocol.TypeAck,
		Peer:      peer,
		Encrypted: true,
	})
	if err != nil {
		util.LogDebug("ack #%08x to %s: %v", uint32(id), peer, err)
	}
}

func (e *Endpoint) sendNack(n fragment.Nack) {
	err := e.transmit(&protocol.Packet{
		ID:        n.ID,
		Type:      protocol.TypeNack,
		Payload:   protocol.EncodeNack(n.Missing),
		Peer:      n.Peer,
		Encrypted: true,
	})
	if err != nil {
		util.LogDebug("nack #%08x to %s: %v", uint32(n.ID), n.Peer, err)
		return
	}
	e.stats.AddNack()
}

// ---------------------------------------------------------------------------
// Peer teardown
// ---------------------------------------------------------------------------

// forgetPeer drops every per-peer record except the session.
func (e *Endpoint) forgetPeer(peer netip.AddrPort) {
	e.keys.Remove(peer)
	e.tracker.DropPeer(peer)
	e.reasm.DropPeer(peer)
	e.dedup.forget(peer)
}

// dropPeer ends a server-side session and announces it.
func (e *Endpoint) dropPeer(peer netip.AddrPort, reason string) {
	e.forgetPeer(peer)
	s, ok := e.sessions.Remove(peer)
	if !ok {
		return
	}
	e.stats.CloseSession()
	util.LogInfo("%s (%s) left: %s", s.Subject, peer, reason)
	e.bus.Publish(dispatch.Event{Kind: dispatch.PeerDisconnected, Peer: peer, Subject: s.Subject})
}
