package transport

import (
	"net"
	"net/netip"
	"sync"
)

// memNet is an in-process datagram network. Every datagram is delivered
// immediately unless the drop filter claims it.
type memNet struct {
	mu    sync.Mutex
	socks map[netip.AddrPort]*memSocket
	drop  func(from, to netip.AddrPort) bool
}

func newMemNet() *memNet {
	return &memNet{socks: make(map[netip.AddrPort]*memSocket)}
}

// setDrop installs a loss filter; nil delivers everything.
func (n *memNet) setDrop(fn func(from, to netip.AddrPort) bool) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

func (n *memNet) listen(addr string) *memSocket {
	s := &memSocket{
		net:    n,
		addr:   netip.MustParseAddrPort(addr),
		inbox:  make(chan memDatagram, 4096),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.socks[s.addr] = s
	n.mu.Unlock()
	return s
}

type memDatagram struct {
	data []byte
	from netip.AddrPort
}

type memSocket struct {
	net    *memNet
	addr   netip.AddrPort
	inbox  chan memDatagram
	closed chan struct{}
	once   sync.Once
}

var _ Socket = (*memSocket)(nil)

func (s *memSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-s.inbox:
		return copy(buf, d.data), d.from, nil
	case <-s.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (s *memSocket) WriteTo(b []byte, addr netip.AddrPort) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}

	s.net.mu.Lock()
	drop := s.net.drop
	dst, ok := s.net.socks[addr]
	s.net.mu.Unlock()

	if !ok || (drop != nil && drop(s.addr, addr)) {
		return nil
	}
	select {
	case dst.inbox <- memDatagram{data: append([]byte(nil), b...), from: s.addr}:
	default:
	}
	return nil
}

func (s *memSocket) LocalAddr() netip.AddrPort { return s.addr }

func (s *memSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
