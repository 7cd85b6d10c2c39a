// Package metrics exposes NetShare node metrics as Prometheus collectors:
// counters and gauges fed directly by the components that observe the
// underlying events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every metric the core publishes. Construct one per
// process and register it with a prometheus.Registerer (or
// prometheus.DefaultRegisterer) at startup.
type Collector struct {
	PeersOnline      prometheus.Gauge
	SharesRegistered prometheus.Gauge
	TransfersActive  prometheus.Gauge

	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	HandshakesOK   prometheus.Counter
	HandshakesFail prometheus.Counter
	AuthFailures   prometheus.Counter
	PathRejections prometheus.Counter
	IntegrityFails prometheus.Counter
}

// NewCollector builds a Collector with the "netshare" metric namespace.
func NewCollector() *Collector {
	return &Collector{
		PeersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netshare", Subsystem: "peers", Name: "online",
			Help: "Number of peers currently considered online.",
		}),
		SharesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netshare", Subsystem: "shares", Name: "registered",
			Help: "Number of shares currently registered.",
		}),
		TransfersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netshare", Subsystem: "transfer", Name: "active",
			Help: "Number of transfers currently in progress.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netshare", Subsystem: "transfer", Name: "bytes_sent_total",
			Help: "Total bytes sent across all downloads served.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netshare", Subsystem: "transfer", Name: "bytes_received_total",
			Help: "Total bytes received across all uploads served.",
		}),
		HandshakesOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netshare", Subsystem: "session", Name: "handshakes_ok_total",
			Help: "Total successful HELLO/AUTH handshakes.",
		}),
		HandshakesFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netshare", Subsystem: "session", Name: "handshakes_failed_total",
			Help: "Total rejected HELLO handshakes (bad version or bad request).",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netshare", Subsystem: "session", Name: "auth_failures_total",
			Help: "Total AUTH attempts that failed MAC verification.",
		}),
		PathRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netshare", Subsystem: "session", Name: "path_traversal_rejections_total",
			Help: "Total requests rejected with PATH_TRAVERSAL.",
		}),
		IntegrityFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netshare", Subsystem: "transfer", Name: "integrity_failures_total",
			Help: "Total transfers that failed final SHA-256 verification.",
		}),
	}
}

// Register registers every collector with reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.PeersOnline, c.SharesRegistered, c.TransfersActive,
		c.BytesSent, c.BytesReceived, c.HandshakesOK, c.HandshakesFail,
		c.AuthFailures, c.PathRejections, c.IntegrityFails,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
