// Package monitor serves an endpoint's counters to Prometheus on /metrics
// and streams its events as JSON over a WebSocket on /events.
package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Monitor is the HTTP side of one endpoint.
type Monitor struct {
	registry *prometheus.Registry
	hub      *hub
	mux      *http.ServeMux
}

// New creates a monitor over stats that relays every event of bus.
func New(stats *util.Stats, bus *dispatch.Bus) (*Monitor, error) {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		hub:      newHub(),
		mux:      http.NewServeMux(),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newStatsCollector(stats),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	bus.SubscribeAll(m.hub.publish)

	m.mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.mux.HandleFunc("/events", m.handleEvents)
	return m, nil
}

// Handler returns the HTTP handler serving /metrics and /events.
func (m *Monitor) Handler() http.Handler {
	return m.mux
}

// Serve listens on addr until ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	util.LogInfo("monitor on http://%s (/metrics, /events)", listener.Addr())

	srv := &http.Server{Handler: m.mux, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.hub.closeAll()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.hub.serve(conn)
}
