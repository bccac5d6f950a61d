package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/1ureka/voxlink/internal/auth"
	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/handshake"
	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/reliable"
	"github.com/1ureka/voxlink/internal/secure"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	srvAddr = netip.MustParseAddrPort("10.0.0.1:9000")
	cliAddr = netip.MustParseAddrPort("10.0.0.2:5000")
)

func testOptions() Options {
	return Options{
		TickInterval:     5 * time.Millisecond,
		RetryInterval:    20 * time.Millisecond,
		AbandonWindow:    100 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		AuthTimeout:      time.Second,
	}
}

type harness struct {
	net       *memNet
	srv, cli  *Endpoint
	srvEvents chan dispatch.Event
	cliEvents chan dispatch.Event
	commands  atomic.Int32
}

// newHarness starts a server and a client on an in-memory network. mutate
// may adjust either config before the endpoints are built.
func newHarness(t *testing.T, mutate func(*ServerConfig, *ClientConfig)) *harness {
	t.Helper()

	priv, _, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	h := &harness{net: newMemNet()}

	handlers := dispatch.NewRegistry()
	handlers.HandleFunc("echo", func(_ context.Context, req *dispatch.Request) ([]byte, error) {
		if req.Binary {
			return req.Raw, nil
		}
		return []byte(req.Args), nil
	})
	handlers.HandleFunc("count", func(context.Context, *dispatch.Request) ([]byte, error) {
		return []byte{byte(h.commands.Add(1))}, nil
	})
	handlers.HandleFunc("crash", func(context.Context, *dispatch.Request) ([]byte, error) {
		panic("handler bug")
	})

	scfg := ServerConfig{
		Key:      priv,
		Verifier: auth.StaticVerifier{"good-token": "player-1"},
		Handlers: handlers,
		Options:  testOptions(),
	}
	ccfg := ClientConfig{
		Server:  srvAddr,
		Token:   []byte("good-token"),
		Options: testOptions(),
	}
	if mutate != nil {
		mutate(&scfg, &ccfg)
	}

	h.srv, err = NewServer(h.net.listen(srvAddr.String()), scfg)
	require.NoError(t, err)
	h.cli, err = NewClient(h.net.listen(cliAddr.String()), ccfg)
	require.NoError(t, err)

	h.srvEvents = collect(h.srv)
	h.cliEvents = collect(h.cli)
	start(t, h.srv)
	start(t, h.cli)
	return h
}

func collect(e *Endpoint) chan dispatch.Event {
	ch := make(chan dispatch.Event, 256)
	e.Events().SubscribeAll(func(ev dispatch.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func start(t *testing.T, e *Endpoint) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()
	t.Cleanup(func() {
		e.Shutdown()
		<-e.Done()
		require.NoError(t, <-errc)
	})
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.cli.Connect(ctx))

	// Settle the handshake so no CONNECT retransmission is in flight.
	require.Eventually(t, func() bool {
		return h.srv.tracker.Len() == 0 && h.cli.tracker.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func waitEvent(t *testing.T, ch <-chan dispatch.Event, kind dispatch.Kind) dispatch.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestConnectAndEcho(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	require.Equal(t, handshake.Connected, h.cli.State())
	require.Equal(t, "player-1", h.cli.Subject())

	ev := waitEvent(t, h.srvEvents, dispatch.PeerConnected)
	require.Equal(t, cliAddr, ev.Peer)
	require.Equal(t, "player-1", ev.Subject)
	waitEvent(t, h.cliEvents, dispatch.PeerConnected)

	s, ok := h.srv.Sessions().Lookup(cliAddr)
	require.True(t, ok)
	require.True(t, s.Authenticated)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body, err := h.cli.Command(ctx, "echo hi")
	require.NoError(t, err)
	require.Equal(t, "hi", string(body))

	ev = waitEvent(t, h.srvEvents, dispatch.CommandReceived)
	require.Equal(t, "echo", ev.Command)

	raw := []byte{0, 1, 2, 0xff}
	body, err = h.cli.CommandBytes(ctx, "echo", raw)
	require.NoError(t, err)
	require.Equal(t, raw, body)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := h.cli.Command(ctx, "teleport 1 2 3")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, "teleport", cmdErr.Command)
}

func TestPanickingCommandAnswersError(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := h.cli.Command(ctx, "crash")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, "crash", cmdErr.Command)

	// The receive loop survived and keeps serving.
	body, err := h.cli.Command(ctx, "echo still here")
	require.NoError(t, err)
	require.Equal(t, "still here", string(body))
}

func TestCommandBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.cli.Command(context.Background(), "echo hi")
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = h.srv.Send(cliAddr, []byte("x"), true, true)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestAuthenticationRejected(t *testing.T) {
	h := newHarness(t, func(_ *ServerConfig, c *ClientConfig) {
		c.Token = []byte("forged")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.cli.Connect(ctx)
	var authErr *auth.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, handshake.Disconnected, h.cli.State())

	ev := waitEvent(t, h.srvEvents, dispatch.AuthenticationFailed)
	require.Equal(t, cliAddr, ev.Peer)
	waitEvent(t, h.cliEvents, dispatch.AuthenticationFailed)

	require.Zero(t, h.srv.Sessions().Len())
	require.EqualValues(t, 1, h.srv.Stats().AuthFailures.Load())
}

func TestReconnectAfterRejection(t *testing.T) {
	verifier := auth.StaticVerifier{"good-token": "player-1"}
	var token atomic.Value
	token.Store("forged")

	h := newHarness(t, func(s *ServerConfig, _ *ClientConfig) {
		s.Verifier = auth.VerifierFunc(func(ctx context.Context, _ []byte) (string, error) {
			return verifier.Verify(ctx, []byte(token.Load().(string)))
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Error(t, h.cli.Connect(ctx))

	token.Store("good-token")
	require.NoError(t, h.cli.Connect(ctx))
	require.Equal(t, handshake.Connected, h.cli.State())
	require.Equal(t, 1, h.srv.Sessions().Len())
}

func TestFragmentedDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	payload := randomBytes(t, 10000)
	_, err := h.srv.Send(cliAddr, payload, true, true)
	require.NoError(t, err)

	ev := waitEvent(t, h.cliEvents, dispatch.DataReceived)
	require.True(t, bytes.Equal(payload, ev.Data))

	// The client sends its bulk upload the same way.
	_, err = h.cli.Send(srvAddr, payload, true, true)
	require.NoError(t, err)
	ev = waitEvent(t, h.srvEvents, dispatch.DataReceived)
	require.Equal(t, "player-1", ev.Subject)
	require.True(t, bytes.Equal(payload, ev.Data))
}

func TestLostFragmentsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	var n atomic.Int32
	h.net.setDrop(func(from, _ netip.AddrPort) bool {
		if from != srvAddr {
			return false
		}
		c := n.Add(1)
		return c == 3 || c == 6
	})

	payload := randomBytes(t, 10000)
	_, err := h.srv.Send(cliAddr, payload, true, true)
	require.NoError(t, err)

	ev := waitEvent(t, h.cliEvents, dispatch.DataReceived)
	require.True(t, bytes.Equal(payload, ev.Data))
	require.Positive(t, h.srv.Stats().Retransmissions.Load())

	require.Eventually(t, func() bool { return h.srv.tracker.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestNackRecoversFragments(t *testing.T) {
	// A retry interval far beyond the abandon window leaves recovery to the
	// receiver's NACK.
	h := newHarness(t, func(s *ServerConfig, _ *ClientConfig) {
		s.Options.RetryInterval = 10 * time.Second
	})
	h.connect(t)

	var n atomic.Int32
	h.net.setDrop(func(from, _ netip.AddrPort) bool {
		return from == srvAddr && n.Add(1) == 4
	})

	payload := randomBytes(t, 5000)
	_, err := h.srv.Send(cliAddr, payload, true, true)
	require.NoError(t, err)

	ev := waitEvent(t, h.cliEvents, dispatch.DataReceived)
	require.True(t, bytes.Equal(payload, ev.Data))
	require.EqualValues(t, 1, h.cli.Stats().NacksSent.Load())
	require.EqualValues(t, 1, h.srv.Stats().Retransmissions.Load())
}

func TestDuplicateCommandRunsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	// Drop the server's second datagram: the ACK that follows the response.
	var n atomic.Int32
	h.net.setDrop(func(from, _ netip.AddrPort) bool {
		return from == srvAddr && n.Add(1) == 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body, err := h.cli.Command(ctx, "count")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, body)

	// The client retransmits until the re-sent ACK arrives.
	require.Eventually(t, func() bool { return h.cli.tracker.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Positive(t, h.cli.Stats().Retransmissions.Load())
	require.EqualValues(t, 1, h.commands.Load())
}

func TestDeliveryFailureDropsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.net.setDrop(func(from, _ netip.AddrPort) bool { return from == srvAddr })

	_, err := h.srv.Send(cliAddr, []byte("lost"), true, true)
	require.NoError(t, err)

	ev := waitEvent(t, h.srvEvents, dispatch.DeliveryFailed)
	var failure *reliable.DeliveryFailure
	require.ErrorAs(t, ev.Err, &failure)
	require.Equal(t, 5, failure.Attempts)
	require.ErrorIs(t, ev.Err, reliable.ErrDeliveryFailed)

	ev = waitEvent(t, h.srvEvents, dispatch.PeerDisconnected)
	require.Equal(t, cliAddr, ev.Peer)
	require.Zero(t, h.srv.Sessions().Len())
	require.EqualValues(t, 0, h.srv.Stats().ActiveSessions.Load())
}

func TestClientLosesConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.net.setDrop(func(from, _ netip.AddrPort) bool { return from == cliAddr })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := h.cli.Command(ctx, "echo void")
	require.ErrorIs(t, err, reliable.ErrDeliveryFailed)

	ev := waitEvent(t, h.cliEvents, dispatch.ConnectionLost)
	require.Equal(t, "player-1", ev.Subject)
	require.Equal(t, handshake.Disconnected, h.cli.State())
}

func TestHandshakeTimeout(t *testing.T) {
	n := newMemNet()
	opts := testOptions()
	opts.RetryInterval = 50 * time.Millisecond
	opts.MaxAttempts = 10
	opts.HandshakeTimeout = 80 * time.Millisecond

	cli, err := NewClient(n.listen(cliAddr.String()), ClientConfig{Server: srvAddr, Options: opts})
	require.NoError(t, err)
	events := collect(cli)
	start(t, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = cli.Connect(ctx)
	var timeout *HandshakeTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, handshake.AwaitingKey, timeout.State)
	require.Equal(t, handshake.Disconnected, cli.State())

	waitEvent(t, events, dispatch.ConnectionFailed)
}

func TestPinnedServerKey(t *testing.T) {
	t.Run("mismatch", func(t *testing.T) {
		_, other, err := secure.GenerateKeyPair()
		require.NoError(t, err)

		h := newHarness(t, func(_ *ServerConfig, c *ClientConfig) {
			c.ServerKey = &other
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		err = h.cli.Connect(ctx)
		require.ErrorIs(t, err, reliable.ErrDeliveryFailed)
		require.Equal(t, handshake.Disconnected, h.cli.State())
		require.Zero(t, h.srv.Sessions().Len())
	})

	t.Run("match", func(t *testing.T) {
		priv, pub, err := secure.GenerateKeyPair()
		require.NoError(t, err)

		h := newHarness(t, func(s *ServerConfig, c *ClientConfig) {
			s.Key = priv
			c.ServerKey = &pub
		})
		h.connect(t)
		require.Equal(t, pub, h.srv.PublicKey())
	})
}

func TestPlaintextRejected(t *testing.T) {
	h := newHarness(t, nil)
	intruder := h.net.listen("10.0.0.3:7000")
	defer intruder.Close()

	plain := func(pkt *protocol.Packet) []byte {
		return append(protocol.Envelope(protocol.FramePlain), protocol.Encode(pkt)...)
	}

	require.NoError(t, intruder.WriteTo(plain(&protocol.Packet{
		ID: 1, Type: protocol.TypeData, Payload: protocol.EncodeAppData([]byte("x")),
	}), srvAddr))
	require.NoError(t, intruder.WriteTo(plain(&protocol.Packet{
		ID: 2, Type: protocol.TypeCommand, Payload: []byte("echo x"), Reliable: true,
	}), srvAddr))
	require.NoError(t, intruder.WriteTo(plain(&protocol.Packet{
		ID: 3, Type: protocol.TypeAuth, Payload: []byte("good-token"), Reliable: true,
	}), srvAddr))

	// Sealed frame from a peer with no key.
	sealed := append(protocol.Envelope(protocol.FrameSealed), randomBytes(t, 64)...)
	require.NoError(t, intruder.WriteTo(sealed, srvAddr))

	// Garbage.
	require.NoError(t, intruder.WriteTo([]byte{1, 2, 3}, srvAddr))

	require.Eventually(t, func() bool { return h.srv.Stats().Dropped.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.srv.Sessions().Len())

	select {
	case ev := <-h.srvEvents:
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func plainDatagram(pkt *protocol.Packet) []byte {
	return append(protocol.Envelope(protocol.FramePlain), protocol.Encode(pkt)...)
}

// TestOversizedFragmentsNotBuffered floods the server with one-byte
// fragments that each claim 65535 siblings. None of them may open a
// reassembly record.
func TestOversizedFragmentsNotBuffered(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	intruder := h.net.listen("10.0.0.3:7000")
	defer intruder.Close()

	base := h.srv.Stats().Dropped.Load()
	for i := range 100 {
		typ := protocol.TypeUnencrypted
		if i%2 == 1 {
			typ = protocol.TypeExchange
		}
		require.NoError(t, intruder.WriteTo(plainDatagram(&protocol.Packet{
			ID: int32(i), Type: typ, Payload: []byte{0}, FragmentTotal: 0xffff,
		}), srvAddr))
	}

	// The authenticated client gets no further with a sealed one.
	sealed, err := h.cli.datagram(&protocol.Packet{
		ID: h.cli.ids.Next(), Type: protocol.TypeData, Payload: []byte{0},
		Peer: srvAddr, Encrypted: true, FragmentTotal: 0xffff,
	})
	require.NoError(t, err)
	require.NoError(t, h.cli.sock.WriteTo(sealed, srvAddr))

	require.Eventually(t, func() bool { return h.srv.Stats().Dropped.Load() == base+101 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.srv.reasm.Len())
}

// TestReplayedDataDeliveredOnce resends one captured unreliable DATA
// datagram. Only the first copy reaches the application.
func TestReplayedDataDeliveredOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	datagram, err := h.cli.datagram(&protocol.Packet{
		ID: h.cli.ids.Next(), Type: protocol.TypeData, Payload: protocol.EncodeAppData([]byte("move")),
		Peer: srvAddr, Encrypted: true,
	})
	require.NoError(t, err)

	base := h.srv.Stats().Dropped.Load()
	for range 3 {
		require.NoError(t, h.cli.sock.WriteTo(datagram, srvAddr))
	}

	ev := waitEvent(t, h.srvEvents, dispatch.DataReceived)
	require.Equal(t, "move", string(ev.Data))
	require.Eventually(t, func() bool { return h.srv.Stats().Dropped.Load() == base+2 }, 2*time.Second, 5*time.Millisecond)

	for len(h.srvEvents) > 0 {
		require.NotEqual(t, dispatch.DataReceived, (<-h.srvEvents).Kind)
	}
}

// TestHandshakeRateIsPerAddress lets one address spam key requests. It gets
// its own burst and no more, leaving the shared budget for everyone else.
func TestHandshakeRateIsPerAddress(t *testing.T) {
	h := newHarness(t, func(s *ServerConfig, _ *ClientConfig) {
		s.Options.HandshakeRate = 0.001
		s.Options.HandshakeBurst = 4
		s.Options.HandshakePeerRate = 0.001
		s.Options.HandshakePeerBurst = 2
	})
	intruder := h.net.listen("10.0.0.3:7000")
	defer intruder.Close()

	for i := range 20 {
		require.NoError(t, intruder.WriteTo(plainDatagram(&protocol.Packet{
			ID: int32(1000 + i), Type: protocol.TypeUnencrypted, Reliable: true,
		}), srvAddr))
	}
	require.Eventually(t, func() bool { return h.srv.Stats().Dropped.Load() == 18 }, 2*time.Second, 5*time.Millisecond)

	h.connect(t)
}

func TestDisconnect(t *testing.T) {
	t.Run("client", func(t *testing.T) {
		h := newHarness(t, nil)
		h.connect(t)

		require.NoError(t, h.cli.Disconnect(h.cli.Server()))
		require.Equal(t, handshake.Disconnected, h.cli.State())

		ev := waitEvent(t, h.srvEvents, dispatch.PeerDisconnected)
		require.Equal(t, cliAddr, ev.Peer)
		require.Zero(t, h.srv.Sessions().Len())
	})

	t.Run("server", func(t *testing.T) {
		h := newHarness(t, nil)
		h.connect(t)

		require.NoError(t, h.srv.Disconnect(cliAddr))
		require.Zero(t, h.srv.Sessions().Len())

		waitEvent(t, h.cliEvents, dispatch.ConnectionLost)
		require.Equal(t, handshake.Disconnected, h.cli.State())
	})
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	require.NoError(t, h.srv.Broadcast([]byte("tick"), false))
	ev := waitEvent(t, h.cliEvents, dispatch.DataReceived)
	require.Equal(t, "tick", string(ev.Data))

	require.ErrorIs(t, h.cli.Broadcast([]byte("x"), false), ErrWrongRole)
}

func TestPlaintextSendRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	_, err := h.srv.Send(cliAddr, []byte("x"), true, false)
	require.ErrorIs(t, err, errPlaintext)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.srv.Shutdown()
	<-h.srv.Done()

	_, err := h.srv.Send(cliAddr, []byte("x"), true, true)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestOptions(t *testing.T) {
	o := Options{}.WithDefaults()
	require.Equal(t, DefaultOptions(), o)
	require.NoError(t, o.Validate())

	o.FragmentThreshold = maxDatagram
	require.Error(t, o.Validate())

	o = DefaultOptions()
	o.RetryInterval = time.Millisecond
	require.Error(t, o.Validate())

	o = DefaultOptions()
	o.ReplayWindow = 1000
	require.Error(t, o.Validate())

	o = DefaultOptions()
	o.MaxMessageSize = o.FragmentThreshold - 1
	require.Error(t, o.Validate())

	o = DefaultOptions()
	o.MaxPendingTotal = o.MaxPendingPerPeer - 1
	require.Error(t, o.Validate())

	_, err := NewClient(newMemNet().listen(cliAddr.String()), ClientConfig{})
	require.Error(t, err)
}
