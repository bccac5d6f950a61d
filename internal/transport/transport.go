package transport

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/1ureka/voxlink/internal/util"
	"github.com/pion/webrtc/v4"
)

// Link wraps a single PeerConnection + DataChannel pair that carries the
// datagrams of one peer for an RTCSocket. It exposes the signaling API
// (CreateOffer / CreateAnswer / …) and becomes addressable once the
// DataChannel opens.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time.
type Link struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	writer     *datagramWriter
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	addr atomic.Value // netip.AddrPort, set on open

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// newLink creates a Link backed by a new PeerConnection and a pre-negotiated
// DataChannel. onOpen runs once the channel opens, onMessage for every
// inbound message and onClose when the channel closes.
func newLink(ctx context.Context, cfg RTCConfig, api *webrtc.API, onOpen func(*Link), onMessage func(*Link, []byte), onClose func(*Link)) (*Link, error) {
	pc, err := cfg.newPeerConnection(api)
	if err != nil {
		return nil, err
	}

	dc, err := newDatagramChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	lCtx, lCancel := context.WithCancel(ctx)

	l := &Link{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        lCtx,
		cancel:     lCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate. The address is fixed before anyone can see the link.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() {
			l.addr.Store(l.remoteAddr())
			onOpen(l)
			close(l.openSignal)
		})
	})

	// DC close → cancel link context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel to %s closed", l.Addr())
		lCancel()
		onClose(l)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		onMessage(l, msg.Data)
	})

	// A failed ICE transport never recovers; closing the link detaches the
	// peer so the endpoint sees it as unreachable.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection to %s: %s", l.Addr(), state)
		l.mu.Lock()
		l.pcState = state
		l.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			go l.Close()
		}
	})

	l.writer = startWriter(lCtx, dc, l.openSignal)

	return l, nil
}

// remoteAddr returns the remote end of the selected ICE candidate pair, or a
// link-local placeholder when the candidate carries no literal address.
func (l *Link) remoteAddr() netip.AddrPort {
	if sctp := l.pc.SCTP(); sctp != nil {
		pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
		if err == nil && pair != nil && pair.Remote != nil {
			if ip, err := netip.ParseAddr(pair.Remote.Address); err == nil {
				return netip.AddrPortFrom(ip.Unmap(), pair.Remote.Port)
			}
		}
	}
	n := placeholderSeq.Add(1)
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{169, 254, byte(n >> 8), byte(n)}), uint16(n>>16)|1)
}

var placeholderSeq atomic.Uint32

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open and
// the Link is addressable.
func (l *Link) Ready() <-chan struct{} {
	return l.openSignal
}

// Done returns a channel that is closed when the Link is shut down
// (DataChannel closed or parent context cancelled).
func (l *Link) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Addr returns the peer address of the link. It is the zero value until
// Ready is closed.
func (l *Link) Addr() netip.AddrPort {
	a, _ := l.addr.Load().(netip.AddrPort)
	return a
}

// Dropped reports how many outgoing datagrams the link discarded.
func (l *Link) Dropped() int64 {
	return l.writer.dropped.Load()
}

// Close shuts down the DataChannel and PeerConnection.
func (l *Link) Close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (l *Link) ConnectionState() webrtc.PeerConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (l *Link) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (l *Link) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (l *Link) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (l *Link) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	l.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (l *Link) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}
