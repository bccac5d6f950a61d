// Package dispatch routes authenticated commands to their handlers and fans
// transport events out to subscribers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/1ureka/voxlink/internal/protocol"
	"github.com/1ureka/voxlink/internal/session"
	"github.com/1ureka/voxlink/internal/util"
)

// ErrUnknownCommand is returned for a command name with no handler.
var ErrUnknownCommand = errors.New("unknown command")

// Request is one command from an authenticated peer.
type Request struct {
	ID      int32 // id of the packet that carried the command
	Peer    netip.AddrPort
	Session session.PeerSession

	Name   string
	Args   string // text arguments of a COMMAND
	Raw    []byte // raw arguments of a CMD_BYTE_DATA
	Binary bool
}

// NewRequest parses a COMMAND or CMD_BYTE_DATA packet.
func NewRequest(pkt *protocol.Packet, s session.PeerSession) (*Request, error) {
	req := &Request{ID: pkt.ID, Peer: pkt.Peer, Session: s}

	switch pkt.Type {
	case protocol.TypeCommand:
		name, args, err := protocol.ParseCommand(pkt.Payload)
		if err != nil {
			return nil, err
		}
		req.Name, req.Args = name, args
	case protocol.TypeCmdByteData:
		name, raw, err := protocol.DecodeByteCommand(pkt.Payload)
		if err != nil {
			return nil, err
		}
		req.Name, req.Raw, req.Binary = name, raw, true
	default:
		return nil, fmt.Errorf("%s is not a command packet", pkt.Type)
	}
	return req, nil
}

// Handler answers a command with response bytes.
type Handler interface {
	ServeCommand(ctx context.Context, req *Request) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f HandlerFunc) ServeCommand(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers h for name. It panics if name is empty or already taken.
func (r *Registry) Handle(name string, h Handler) {
	if name == "" || h == nil {
		panic("dispatch: invalid registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.handlers[name]; dup {
		panic("dispatch: multiple registrations for " + name)
	}
	r.handlers[name] = h
}

// HandleFunc registers fn for name.
func (r *Registry) HandleFunc(name string, fn func(ctx context.Context, req *Request) ([]byte, error)) {
	r.Handle(name, HandlerFunc(fn))
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Dispatch runs the handler for req and builds the response that goes back
// to the peer. Handler errors become an error status carrying the message.
func (r *Registry) Dispatch(ctx context.Context, req *Request) protocol.Response {
	r.mu.RLock()
	h, ok := r.handlers[req.Name]
	r.mu.RUnlock()

	if !ok {
		return protocol.Response{
			RequestID: req.ID,
			Status:    protocol.StatusError,
			Body:      []byte(fmt.Sprintf("%v: %s", ErrUnknownCommand, req.Name)),
		}
	}

	return serve(ctx, h, req)
}

// serve runs one handler. A panicking handler answers StatusError instead of
// taking the receive loop down with it.
func serve(ctx context.Context, h Handler, req *Request) (resp protocol.Response) {
	defer func() {
		if v := recover(); v != nil {
			util.LogError("command %q from %s panicked: %v", req.Name, req.Peer, v)
			resp = protocol.Response{
				RequestID: req.ID,
				Status:    protocol.StatusError,
				Body:      []byte(fmt.Sprintf("command %s failed: internal error", req.Name)),
			}
		}
	}()

	body, err := h.ServeCommand(ctx, req)
	if err != nil {
		return protocol.Response{RequestID: req.ID, Status: protocol.StatusError, Body: []byte(err.Error())}
	}
	return protocol.Response{RequestID: req.ID, Status: protocol.StatusOK, Body: body}
}
