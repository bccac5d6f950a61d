package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/voxlink/internal/util"
)

type statsMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(*util.Stats) int64
}

// statsCollector exposes util.Stats as Prometheus metrics. Values are read
// at scrape time, so the endpoint never touches Prometheus on its hot path.
type statsCollector struct {
	stats   *util.Stats
	metrics []statsMetric
}

func newStatsCollector(stats *util.Stats) *statsCollector {
	counter := func(name, help string, value func(*util.Stats) int64) statsMetric {
		return statsMetric{
			desc:      prometheus.NewDesc("voxlink_"+name, help, nil, nil),
			valueType: prometheus.CounterValue,
			value:     value,
		}
	}

	return &statsCollector{
		stats: stats,
		metrics: []statsMetric{
			counter("bytes_sent_total", "Bytes written to the socket.",
				func(s *util.Stats) int64 { return s.BytesSent.Load() }),
			counter("bytes_received_total", "Bytes read from the socket.",
				func(s *util.Stats) int64 { return s.BytesRecv.Load() }),
			counter("datagrams_sent_total", "Datagrams written to the socket.",
				func(s *util.Stats) int64 { return s.DatagramsSent.Load() }),
			counter("datagrams_received_total", "Datagrams read from the socket.",
				func(s *util.Stats) int64 { return s.DatagramsRecv.Load() }),
			counter("datagrams_dropped_total", "Malformed, undecryptable or out-of-sequence datagrams.",
				func(s *util.Stats) int64 { return s.Dropped.Load() }),
			counter("retransmissions_total", "Frames sent again by the retry scan or a NACK.",
				func(s *util.Stats) int64 { return s.Retransmissions.Load() }),
			counter("nacks_sent_total", "NACKs sent for incomplete reassemblies.",
				func(s *util.Stats) int64 { return s.NacksSent.Load() }),
			counter("delivery_failures_total", "Reliable packets that exhausted their attempts.",
				func(s *util.Stats) int64 { return s.DeliveryFailures.Load() }),
			counter("auth_failures_total", "Rejected authentication attempts.",
				func(s *util.Stats) int64 { return s.AuthFailures.Load() }),
			counter("sessions_total", "Sessions admitted since start.",
				func(s *util.Stats) int64 { return s.TotalSessions.Load() }),
			{
				desc:      prometheus.NewDesc("voxlink_sessions_active", "Currently authenticated sessions.", nil, nil),
				valueType: prometheus.GaugeValue,
				value:     func(s *util.Stats) int64 { return s.ActiveSessions.Load() },
			},
		},
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, float64(m.value(c.stats)))
	}
}
