package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/voxlink/internal/transport"
)

const (
	writeTimeout = 5 * time.Second
	maxMessage   = 64 * 1024 // an SDP with many candidates stays well below this
)

// wsPeer is one side of a signaling exchange: it applies the remote
// messages to link and writes the local ones to conn. Writes come from the
// negotiating goroutine and from pion's candidate callback, hence the lock.
type wsPeer struct {
	link *transport.Link
	conn *websocket.Conn

	mu sync.Mutex
}

func newWSPeer(link *transport.Link, conn *websocket.Conn) *wsPeer {
	conn.SetReadLimit(maxMessage)
	return &wsPeer{link: link, conn: conn}
}

func (p *wsPeer) write(msg message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteJSON(msg)
}

// describe creates the local offer or answer, applies it and sends it.
func (p *wsPeer) describe(t messageType) error {
	var (
		sdp webrtc.SessionDescription
		err error
	)
	if t == msgTypeOffer {
		sdp, err = p.link.CreateOffer()
	} else {
		sdp, err = p.link.CreateAnswer()
	}
	if err != nil {
		return err
	}
	if err := p.link.SetLocalDescription(sdp); err != nil {
		return err
	}
	return p.write(message{Type: t, SDP: sdp.SDP})
}

func (p *wsPeer) trickle(c *webrtc.ICECandidate) error {
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return err
	}
	return p.write(message{Type: msgTypeCandidate, Candidate: string(data)})
}

// fail tells the remote side why this side is giving up. Best effort.
func (p *wsPeer) fail(err error) {
	_ = p.write(message{Type: msgTypeError, Error: err.Error()})
}

// apply handles one remote message. An offer is answered on the spot.
func (p *wsPeer) apply(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if err := p.link.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
			return fmt.Errorf("apply offer: %w", err)
		}
		return p.describe(msgTypeAnswer)

	case msgTypeAnswer:
		if err := p.link.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
		return nil

	case msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("parse ICE candidate: %w", err)
		}
		return p.link.AddICECandidate(init)

	case msgTypeError:
		return fmt.Errorf("remote: %s", msg.Error)

	default:
		return fmt.Errorf("unknown signaling message %q", msg.Type)
	}
}

// readLoop applies remote messages until one fails or the WebSocket closes.
func (p *wsPeer) readLoop() error {
	for {
		var msg message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("signaling closed before the DataChannel opened")
			}
			return fmt.Errorf("read signaling message: %w", err)
		}
		if err := p.apply(msg); err != nil {
			return err
		}
	}
}
