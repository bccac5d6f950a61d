package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/voxlink/internal/util"
)

const rtcInboxSize = 1024

type rtcDatagram struct {
	data []byte
	from netip.AddrPort
}

// RTCSocket is a Socket whose peers are WebRTC DataChannels. Each Link
// created by NewLink becomes one addressable peer once it opens; signaling
// is left to the caller.
type RTCSocket struct {
	cfg RTCConfig
	api *webrtc.API

	ctx    context.Context
	cancel context.CancelFunc

	inbox chan rtcDatagram

	mu    sync.RWMutex
	links map[netip.AddrPort]*Link
}

var _ Socket = (*RTCSocket)(nil)

// NewRTCSocket creates an empty socket. Zero fields of cfg take their
// defaults.
func NewRTCSocket(cfg RTCConfig) *RTCSocket {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RTCSocket{
		cfg:    cfg,
		api:    cfg.api(),
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan rtcDatagram, rtcInboxSize),
		links:  make(map[netip.AddrPort]*Link),
	}
}

// NewLink creates a Link whose traffic flows through this socket.
func (s *RTCSocket) NewLink() (*Link, error) {
	if s.ctx.Err() != nil {
		return nil, net.ErrClosed
	}
	return newLink(s.ctx, s.cfg, s.api, s.attach, s.deliver, s.detach)
}

func (s *RTCSocket) attach(l *Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.links[l.Addr()]; ok && prev != l {
		prev.Close()
	}
	s.links[l.Addr()] = l
	util.LogDebug("DataChannel to %s open", l.Addr())
}

func (s *RTCSocket) detach(l *Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[l.Addr()] == l {
		delete(s.links, l.Addr())
	}
}

func (s *RTCSocket) deliver(l *Link, data []byte) {
	select {
	case s.inbox <- rtcDatagram{data: data, from: l.Addr()}:
	case <-s.ctx.Done():
	default:
		util.LogDebug("RTC inbox full, dropping %d bytes from %s", len(data), l.Addr())
	}
}

func (s *RTCSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-s.inbox:
		return copy(buf, d.data), d.from, nil
	case <-s.ctx.Done():
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (s *RTCSocket) WriteTo(b []byte, addr netip.AddrPort) error {
	s.mu.RLock()
	l, ok := s.links[addr]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no DataChannel to %s", addr)
	}
	// The writer owns the slice until it is written.
	return l.writer.write(append([]byte(nil), b...))
}

// LocalAddr is unspecified: RTC peers are addressed by their links.
func (s *RTCSocket) LocalAddr() netip.AddrPort {
	return netip.AddrPort{}
}

// Close closes every link and unblocks ReadFrom.
func (s *RTCSocket) Close() error {
	s.cancel()

	s.mu.Lock()
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.links = make(map[netip.AddrPort]*Link)
	s.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	return nil
}
