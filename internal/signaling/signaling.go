package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/voxlink/internal/transport"
	"github.com/1ureka/voxlink/internal/util"
)

// negotiate performs the SDP/ICE exchange for link over conn and blocks
// until the DataChannel opens, signaling fails or ctx is done. The offerer
// (the server) sends the first message. On failure the remote side is told
// why.
//
// The caller closes conn afterwards, which also ends the read loop.
func negotiate(ctx context.Context, link *transport.Link, conn *websocket.Conn, offerer bool) error {
	p := newWSPeer(link, conn)

	link.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := p.trickle(c); err != nil {
			// The WebSocket is closed on purpose once the link is ready.
			select {
			case <-link.Ready():
			default:
				util.LogDebug("send ICE candidate: %v", err)
			}
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.readLoop()
	}()

	if offerer {
		if err := p.describe(msgTypeOffer); err != nil {
			return fmt.Errorf("send offer: %w", err)
		}
	}

	select {
	case <-link.Ready():
		util.LogDebug("DataChannel to %s established, closing signaling", link.Addr())
		return nil
	case err := <-errCh:
		p.fail(err)
		return fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		p.fail(ctx.Err())
		return ctx.Err()
	}
}
