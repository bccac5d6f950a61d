package transport

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/1ureka/voxlink/internal/fragment"
	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/secure"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// Options tunes an Endpoint. Zero fields take the defaults.
type Options struct {
	FragmentThreshold int           `yaml:"fragment_threshold"` // payload bytes per fragment
	TickInterval      time.Duration `yaml:"tick_interval"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	AbandonWindow     time.Duration `yaml:"abandon_window"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	AuthTimeout       time.Duration `yaml:"auth_timeout"`

	// ReplayWindow is how many packet ids behind the newest one are still
	// checked per peer. Older ids are refused outright. Power of two.
	ReplayWindow int `yaml:"replay_window"`

	MaxMessageSize    int `yaml:"max_message_size"`    // largest reassembled payload
	MaxPendingPerPeer int `yaml:"max_pending_per_peer"` // open reassemblies per peer
	MaxPendingTotal   int `yaml:"max_pending_total"`

	HandshakeRate      float64 `yaml:"handshake_rate"` // public-key replies per second, all peers
	HandshakeBurst     int     `yaml:"handshake_burst"`
	HandshakePeerRate  float64 `yaml:"handshake_peer_rate"` // public-key replies per second, one address
	HandshakePeerBurst int     `yaml:"handshake_peer_burst"`
	HandshakePeers     int     `yaml:"handshake_peers"` // addresses with a remembered rate
}

// DefaultOptions returns the default tuning.
func DefaultOptions() Options {
	return Options{
		FragmentThreshold:  1200,
		TickInterval:       50 * time.Millisecond,
		RetryInterval:      200 * time.Millisecond,
		MaxAttempts:        5,
		AbandonWindow:      2 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		AuthTimeout:        3 * time.Second,
		ReplayWindow:       1 << 16,
		MaxMessageSize:     4 << 20,
		MaxPendingPerPeer:  32,
		MaxPendingTotal:    4096,
		HandshakeRate:      50,
		HandshakeBurst:     100,
		HandshakePeerRate:  2,
		HandshakePeerBurst: 8,
		HandshakePeers:     4096,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.FragmentThreshold == 0 {
		o.FragmentThreshold = d.FragmentThreshold
	}
	if o.TickInterval == 0 {
		o.TickInterval = d.TickInterval
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = d.RetryInterval
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.AbandonWindow == 0 {
		o.AbandonWindow = d.AbandonWindow
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.AuthTimeout == 0 {
		o.AuthTimeout = d.AuthTimeout
	}
	if o.ReplayWindow == 0 {
		o.ReplayWindow = d.ReplayWindow
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.MaxPendingPerPeer == 0 {
		o.MaxPendingPerPeer = d.MaxPendingPerPeer
	}
	if o.MaxPendingTotal == 0 {
		o.MaxPendingTotal = d.MaxPendingTotal
	}
	if o.HandshakeRate == 0 {
		o.HandshakeRate = d.HandshakeRate
	}
	if o.HandshakeBurst == 0 {
		o.HandshakeBurst = d.HandshakeBurst
	}
	if o.HandshakePeerRate == 0 {
		o.HandshakePeerRate = d.HandshakePeerRate
	}
	if o.HandshakePeerBurst == 0 {
		o.HandshakePeerBurst = d.HandshakePeerBurst
	}
	if o.HandshakePeers == 0 {
		o.HandshakePeers = d.HandshakePeers
	}
	return o
}

// Validate reports options that cannot work.
func (o Options) Validate() error {
	limit := maxDatagram - protocol.EnvelopeSize - secure.Overhead - protocol.HeaderSize
	switch {
	case o.FragmentThreshold < 1 || o.FragmentThreshold > limit:
		return fmt.Errorf("fragment threshold %d out of range [1, %d]", o.FragmentThreshold, limit)
	case o.TickInterval <= 0:
		return fmt.Errorf("tick interval must be positive")
	case o.RetryInterval < o.TickInterval:
		return fmt.Errorf("retry interval %s shorter than tick interval %s", o.RetryInterval, o.TickInterval)
	case o.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1")
	case o.AbandonWindow <= 0 || o.HandshakeTimeout <= 0:
		return fmt.Errorf("abandon window and handshake timeout must be positive")
	case o.ReplayWindow < 64 || bits.OnesCount(uint(o.ReplayWindow)) != 1:
		return fmt.Errorf("replay window %d must be a power of two of at least 64", o.ReplayWindow)
	case o.MaxMessageSize < o.FragmentThreshold:
		return fmt.Errorf("max message size %d below fragment threshold %d", o.MaxMessageSize, o.FragmentThreshold)
	case o.MaxPendingPerPeer < 1 || o.MaxPendingTotal < o.MaxPendingPerPeer:
		return fmt.Errorf("pending reassemblies: per peer %d, total %d", o.MaxPendingPerPeer, o.MaxPendingTotal)
	case o.HandshakeRate < 0 || o.HandshakeBurst < 1:
		return fmt.Errorf("handshake rate must be non-negative with a burst of at least 1")
	case o.HandshakePeerRate < 0 || o.HandshakePeerBurst < 1 || o.HandshakePeers < 1:
		return fmt.Errorf("per-address handshake rate needs a burst and a table of at least 1")
	}
	return nil
}

// reassemblyLimits bounds what a peer can make the reassembler hold.
func (o Options) reassemblyLimits() fragment.Limits {
	return fragment.LimitsFor(o.MaxMessageSize, o.FragmentThreshold, o.MaxPendingPerPeer, o.MaxPendingTotal)
}
