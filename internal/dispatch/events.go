package dispatch

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind int

const (
	PeerConnected Kind = iota
	PeerDisconnected
	CommandReceived
	DataReceived
	DeliveryFailed
	AuthenticationFailed
	ConnectionFailed
	ConnectionLost

	kindCount
)

var kindNames = [kindCount]string{
	PeerConnected:        "peer_connected",
	PeerDisconnected:     "peer_disconnected",
	CommandReceived:      "command_received",
	DataReceived:         "data_received",
	DeliveryFailed:       "delivery_failed",
	AuthenticationFailed: "authentication_failed",
	ConnectionFailed:     "connection_failed",
	ConnectionLost:       "connection_lost",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Event is a notification from an endpoint.
type Event struct {
	Kind    Kind
	At      time.Time
	Peer    netip.AddrPort
	Subject string
	Command string
	Data    []byte
	Err     error
}

// Bus delivers events to subscribers in the order they subscribed.
// Subscribers run on the publishing goroutine and must not block.
type Bus struct {
	mu   sync.RWMutex
	subs [kindCount][]func(Event)
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for events of kind k.
func (b *Bus) Subscribe(k Kind, fn func(Event)) {
	if k < 0 || k >= kindCount {
		panic(fmt.Sprintf("dispatch: subscribe to unknown %s", k))
	}
	b.mu.Lock()
	b.subs[k] = append(b.subs[k], fn)
	b.mu.Unlock()
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(fn func(Event)) {
	for k := Kind(0); k < kindCount; k++ {
		b.Subscribe(k, fn)
	}
}

// Publish delivers ev. A zero At is set to the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Kind < 0 || ev.Kind >= kindCount {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
