package mesh

import (
	"github.com/prometheus/client_golang/prometheus"

	pkgmetrics "github.com/user/blemesh/metrics"
)

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection
	Connections     prometheus.Counter
	ItemsReceived   prometheus.Counter
	ItemsPublished  prometheus.Counter
	MetadataSent    prometheus.Counter
	SlicesRequested prometheus.Counter
	SlicesServed    prometheus.Counter
	LookupFailures  prometheus.Counter
	MessagesDropped prometheus.Counter
	DuplicateSlices prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "mesh"
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: pkgmetrics.Namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	return metrics{
		Connections:     counter("connections_count", "Number of links opened."),
		ItemsReceived:   counter("items_received_count", "Number of items fully received."),
		ItemsPublished:  counter("items_published_count", "Number of items published locally."),
		MetadataSent:    counter("metadata_sent_count", "Number of metadata messages queued."),
		SlicesRequested: counter("slices_requested_count", "Number of slice requests queued."),
		SlicesServed:    counter("slices_served_count", "Number of slices queued for peers."),
		LookupFailures:  counter("lookup_failures_count", "Number of requests for items or content this node could not serve."),
		MessagesDropped: counter("messages_dropped_count", "Number of inbound messages dropped as malformed or unrequested."),
		DuplicateSlices: counter("duplicate_slices_count", "Number of slices received twice."),
	}
}

// Metrics returns the manager's and its links' collectors.
func (m *Manager) Metrics() []prometheus.Collector {
	return append(pkgmetrics.CollectorsFromFields(m.metrics), m.linkMetrics.Collectors()...)
}
