package transport

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// RTCConfig tunes the PeerConnections of an RTCSocket.
type RTCConfig struct {
	// ICEServers are STUN URLs used to gather candidates. There is no TURN:
	// peers that cannot reach each other directly use plain UDP instead.
	ICEServers []string `yaml:"ice_servers"`

	// A link that stops hearing ICE keepalives is reported disconnected after
	// DisconnectedTimeout and closed after FailedTimeout.
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration `yaml:"failed_timeout"`
	KeepAlive           time.Duration `yaml:"keepalive"`
}

// DefaultRTCConfig returns Google's public STUN servers and ICE timeouts
// short enough that a vanished player is noticed within seconds.
func DefaultRTCConfig() RTCConfig {
	return RTCConfig{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       10 * time.Second,
		KeepAlive:           2 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultRTCConfig. An explicitly empty
// ICEServers list is kept only when it is non-nil.
func (c RTCConfig) WithDefaults() RTCConfig {
	d := DefaultRTCConfig()
	if c.ICEServers == nil {
		c.ICEServers = d.ICEServers
	}
	if c.DisconnectedTimeout <= 0 {
		c.DisconnectedTimeout = d.DisconnectedTimeout
	}
	if c.FailedTimeout <= 0 {
		c.FailedTimeout = d.FailedTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	return c
}

// api builds the pion API every link of a socket is created from.
func (c RTCConfig) api() *webrtc.API {
	var se webrtc.SettingEngine
	se.SetICETimeouts(c.DisconnectedTimeout, c.FailedTimeout, c.KeepAlive)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func (c RTCConfig) newPeerConnection(api *webrtc.API) (*webrtc.PeerConnection, error) {
	var servers []webrtc.ICEServer
	if len(c.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// newDatagramChannel opens the link's only channel. It is unordered and
// never retransmitted by SCTP, so loss and reordering reach the endpoint's
// own reliability layer untouched. Both sides create it as negotiated
// channel 0 without an in-band announcement.
func newDatagramChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	var maxRetransmits, id uint16

	return pc.CreateDataChannel("voxlink", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		Negotiated:     &negotiated,
		MaxRetransmits: &maxRetransmits,
		ID:             &id,
	})
}
