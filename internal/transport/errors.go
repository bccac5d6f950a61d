package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/voxlink/internal/handshake"
)

var (
	// ErrClosed is returned by operations on an endpoint that has shut down.
	ErrClosed = errors.New("endpoint closed")

	// ErrNotConnected is returned when a client operation needs an
	// established session.
	ErrNotConnected = errors.New("not connected")

	// ErrWrongRole is returned when a server-only or client-only operation
	// is called on the other kind of endpoint.
	ErrWrongRole = errors.New("operation not supported by this endpoint role")

	errPlaintext = errors.New("only handshake packets may travel in plaintext")
)

// TransportError reports a socket failure. It terminates the endpoint.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeTimeoutError reports a handshake that made no progress in time.
// The client must start a new one.
type HandshakeTimeoutError struct {
	Server  netip.AddrPort
	State   handshake.State
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("connection failed: handshake with %s stuck in %s for %s", e.Server, e.State, e.Timeout)
}

// CommandError is a command the server answered with an error status.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string { return e.Command + ": " + e.Message }
