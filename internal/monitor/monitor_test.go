package monitor

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/util"
)

func TestStatsCollector(t *testing.T) {
	stats := util.NewStats()
	stats.AddSent(1500)
	stats.AddDrop()
	stats.OpenSession()

	c := newStatsCollector(stats)
	require.Equal(t, 11, testutil.CollectAndCount(c))

	expected := `
# HELP voxlink_bytes_sent_total Bytes written to the socket.
# TYPE voxlink_bytes_sent_total counter
voxlink_bytes_sent_total 1500
# HELP voxlink_sessions_active Currently authenticated sessions.
# TYPE voxlink_sessions_active gauge
voxlink_sessions_active 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"voxlink_bytes_sent_total", "voxlink_sessions_active"))
}

func TestMetricsEndpoint(t *testing.T) {
	stats := util.NewStats()
	stats.AddRetransmit(3)

	m, err := New(stats, dispatch.NewBus())
	require.NoError(t, err)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "voxlink_retransmissions_total 3")
	require.Contains(t, string(body), "go_goroutines")
}

func TestEventStream(t *testing.T) {
	bus := dispatch.NewBus()
	m, err := New(util.NewStats(), bus)
	require.NoError(t, err)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return m.hub.len() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(dispatch.Event{
		Kind:    dispatch.DeliveryFailed,
		Peer:    netip.MustParseAddrPort("192.0.2.1:4000"),
		Subject: "alice",
		Data:    []byte("abc"),
		Err:     errors.New("gone"),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev eventJSON
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, "delivery_failed", ev.Kind)
	require.Equal(t, "192.0.2.1:4000", ev.Peer)
	require.Equal(t, "alice", ev.Subject)
	require.Equal(t, 3, ev.Bytes)
	require.Equal(t, "gone", ev.Error)
	require.False(t, ev.At.IsZero())

	conn.Close()
	require.Eventually(t, func() bool { return m.hub.len() == 0 }, time.Second, 5*time.Millisecond)
}
