// Package signaling exchanges SDP offers, answers and ICE candidates over a
// WebSocket so that an RTCSocket can open a DataChannel to each peer.
package signaling

type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
	msgTypeError     messageType = "error" // the sender gave up; Error says why
)

// message is one JSON frame on the signaling WebSocket.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Error     string      `json:"error,omitempty"`
}
