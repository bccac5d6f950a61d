package signaling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/voxlink/internal/transport"
	"github.com/1ureka/voxlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// negotiateTimeout bounds one peer's SDP/ICE exchange.
const negotiateTimeout = 30 * time.Second

// Server accepts any number of peers on /ws and opens a Link to each of
// them on its RTCSocket. Authentication happens later, in the voxlink
// handshake over the link itself.
type Server struct {
	sock *transport.RTCSocket
	http *http.Server
}

// NewServer creates a signaling server for sock.
func NewServer(sock *transport.RTCSocket) *Server {
	s := &Server{sock: sock}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	util.LogInfo("signaling on ws://%s/ws", listener.Addr())

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := s.http.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	link, err := s.sock.NewLink()
	if err != nil {
		util.LogWarning("create link for %s: %v", r.RemoteAddr, err)
		newWSPeer(nil, conn).fail(errors.New("server cannot open a DataChannel"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), negotiateTimeout)
	defer cancel()

	if err := negotiate(ctx, link, conn, true); err != nil {
		util.LogWarning("signaling with %s: %v", r.RemoteAddr, err)
		link.Close()
		return
	}
	util.LogInfo("peer %s reachable as %s", r.RemoteAddr, link.Addr())
}
