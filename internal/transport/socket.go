package transport

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Socket is an unreliable, unordered datagram channel addressed by peer.
type Socket interface {
	// ReadFrom blocks until a datagram arrives or the socket is closed.
	ReadFrom(buf []byte) (int, netip.AddrPort, error)

	// WriteTo sends one datagram. It never blocks indefinitely.
	WriteTo(b []byte, addr netip.AddrPort) error

	LocalAddr() netip.AddrPort
	Close() error
}

// UDPSocket is a Socket over a UDP port.
type UDPSocket struct {
	conn         *net.UDPConn
	writeTimeout time.Duration
}

var _ Socket = (*UDPSocket)(nil)

// ListenUDP opens a UDP socket on addr ("host:port", port 0 picks one).
func ListenUDP(addr string) (*UDPSocket, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &UDPSocket{conn: conn, writeTimeout: time.Second}, nil
}

func (s *UDPSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	// Normalise v4-in-v6 so the same peer always maps to the same key.
	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), err
}

func (s *UDPSocket) WriteTo(b []byte, addr netip.AddrPort) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	_, err := s.conn.WriteToUDPAddrPort(b, addr)
	return err
}

func (s *UDPSocket) LocalAddr() netip.AddrPort {
	if ua, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
