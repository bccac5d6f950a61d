package signaling

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/gorilla/websocket"

	"github.com/1ureka/voxlink/internal/transport"
)

// Dial connects to a signaling server, e.g. ws://example.com:8080/ws, and
// answers its offer. It returns the address under which the server is
// reachable on sock.
func Dial(ctx context.Context, url string, sock *transport.RTCSocket) (netip.AddrPort, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("connect to signaling server: %w", err)
	}
	defer conn.Close()

	link, err := sock.NewLink()
	if err != nil {
		return netip.AddrPort{}, err
	}

	if err := negotiate(ctx, link, conn, false); err != nil {
		link.Close()
		return netip.AddrPort{}, err
	}
	return link.Addr(), nil
}
