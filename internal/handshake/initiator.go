// Package handshake drives the client side of connection setup, from first
// contact to an authenticated session. It performs no I/O: every transition
// returns the packet the caller must send next.
package handshake

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/secure"
)

// State is a step of the client handshake.
type State int

const (
	Disconnected State = iota
	HandshakeStart
	AwaitingKey
	KeyEstablished
	AwaitingAuthAck
	Connected
)

var stateNames = [...]string{
	Disconnected:    "DISCONNECTED",
	HandshakeStart:  "HANDSHAKE_START",
	AwaitingKey:     "AWAITING_KEY",
	KeyEstablished:  "KEY_ESTABLISHED",
	AwaitingAuthAck: "AWAITING_AUTH_ACK",
	Connected:       "CONNECTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ErrOutOfSequence is returned for a packet the current state does not
// expect. Such packets are dropped and not acknowledged.
var ErrOutOfSequence = errors.New("out of sequence")

// ErrKeyMismatch is returned when the server presents a public key other
// than the pinned one.
var ErrKeyMismatch = fmt.Errorf("%w: server public key does not match pinned key", secure.ErrSecurity)

// Initiator is the client handshake state machine. It is safe for concurrent
// use.
type Initiator struct {
	server netip.AddrPort
	token  []byte
	pinned *secure.PublicKey
	nextID func() int32

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	startID    int32
	exchangeID int32
	authID     int32
	subject    string
}

// NewInitiator creates a state machine for connecting to server with token.
// If pinned is non-nil the server must present exactly that key.
func NewInitiator(server netip.AddrPort, token []byte, pinned *secure.PublicKey, nextID func() int32) *Initiator {
	return &Initiator{
		server: server,
		token:  token,
		pinned: pinned,
		nextID: nextID,
	}
}

// State returns the current state.
func (i *Initiator) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Subject returns the subject id assigned by the server once Connected.
func (i *Initiator) Subject() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.subject
}

// Start begins a handshake from Disconnected and returns the reliable,
// plaintext public-key request.
func (i *Initiator) Start(now time.Time) (*protocol.Packet, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != Disconnected {
		return nil, fmt.Errorf("start handshake in %s: %w", i.state, ErrOutOfSequence)
	}
	i.state = HandshakeStart
	i.startedAt = now
	i.startID = i.nextID()

	return &protocol.Packet{
		ID:       i.startID,
		Type:     protocol.TypeUnencrypted,
		Peer:     i.server,
		Reliable: true,
	}, nil
}

// Sent records that the public-key request left the socket.
func (i *Initiator) Sent() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == HandshakeStart {
		i.state = AwaitingKey
	}
}

// OnPublicKey handles the server's EXCHANGE reply. It draws a fresh session
// key, seals it to the server key and returns the reliable EXCHANGE that
// carries it, along with the key to install locally.
func (i *Initiator) OnPublicKey(raw []byte) (*protocol.Packet, secure.SessionKey, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != HandshakeStart && i.state != AwaitingKey {
		return nil, secure.SessionKey{}, fmt.Errorf("public key in %s: %w", i.state, ErrOutOfSequence)
	}

	pub, err := secure.PublicKeyFromBytes(raw)
	if err != nil {
		return nil, secure.SessionKey{}, err
	}
	if i.pinned != nil && *i.pinned != pub {
		return nil, secure.SessionKey{}, ErrKeyMismatch
	}

	sk, err := secure.NewSessionKey()
	if err != nil {
		return nil, secure.SessionKey{}, err
	}
	sealed, err := secure.SealKey(sk, pub)
	if err != nil {
		return nil, secure.SessionKey{}, err
	}

	i.exchangeID = i.nextID()
	i.state = KeyEstablished

	return &protocol.Packet{
		ID:       i.exchangeID,
		Type:     protocol.TypeExchange,
		Payload:  sealed,
		Peer:     i.server,
		Reliable: true,
	}, sk, nil
}

// OnAck handles an ACK from the server. The ACK of the key exchange moves
// the handshake on and yields the encrypted, reliable AUTH packet; any other
// ACK yields nil.
func (i *Initiator) OnAck(id int32) *protocol.Packet {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != KeyEstablished || id != i.exchangeID {
		return nil
	}
	i.authID = i.nextID()
	i.state = AwaitingAuthAck

	return &protocol.Packet{
		ID:        i.authID,
		Type:      protocol.TypeAuth,
		Payload:   i.token,
		Peer:      i.server,
		Reliable:  true,
		Encrypted: true,
	}
}

// OnConnect handles the server's CONNECT and completes the handshake.
func (i *Initiator) OnConnect(subject string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != AwaitingAuthAck {
		return fmt.Errorf("connect in %s: %w", i.state, ErrOutOfSequence)
	}
	i.subject = subject
	i.state = Connected
	return nil
}

// OnFailure handles the server's FAILURE. The handshake is reset and the
// reason is returned as an error.
func (i *Initiator) OnFailure(reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != AwaitingAuthAck {
		return fmt.Errorf("failure in %s: %w", i.state, ErrOutOfSequence)
	}
	i.resetLocked()
	return errors.New(reason)
}

// Expired reports whether an unfinished handshake has run past timeout, and
// if so resets it to Disconnected.
func (i *Initiator) Expired(now time.Time, timeout time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == Disconnected || i.state == Connected {
		return false
	}
	if now.Sub(i.startedAt) <= timeout {
		return false
	}
	i.resetLocked()
	return true
}

// Reset returns the machine to Disconnected.
func (i *Initiator) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.resetLocked()
}

func (i *Initiator) resetLocked() {
	i.state = Disconnected
	i.subject = ""
	i.startID, i.exchangeID, i.authID = 0, 0, 0
}
