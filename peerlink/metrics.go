package peerlink

import (
	"github.com/prometheus/client_golang/prometheus"

	m "github.com/user/blemesh/metrics"
)

// Metrics are shared by every link of a node.
type Metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Collectors()
	// using reflection
	FramesSent    prometheus.Counter
	FramesFailed  prometheus.Counter
	NotReady      prometheus.Counter
	FramesDropped prometheus.Counter
	Degraded      prometheus.Counter
}

// NewMetrics returns unregistered counters.
func NewMetrics() *Metrics {
	subsystem := "peerlink"
	return &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_count",
			Help:      "Number of frames accepted by the transport.",
		}),
		FramesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "frames_failed_count",
			Help:      "Number of transmissions that failed and were retried.",
		}),
		NotReady: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "not_ready_count",
			Help:      "Number of times the transport asked the link to wait for readiness.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_count",
			Help:      "Number of queued frames discarded when a link closed.",
		}),
		Degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "degraded_count",
			Help:      "Number of links abandoned after exhausting retries.",
		}),
	}
}

// Collectors returns every counter for registration.
func (mt *Metrics) Collectors() []prometheus.Collector {
	return m.CollectorsFromFields(mt)
}
