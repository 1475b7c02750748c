package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type sample struct {
	Sent    prometheus.Counter
	Dropped prometheus.Counter
	label   string
}

func TestCollectorsFromFields(t *testing.T) {
	s := sample{
		Sent:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "sent"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "dropped"}),
		label:   "ignored",
	}
	if got := len(CollectorsFromFields(s)); got != 2 {
		t.Errorf("Expected 2 collectors, got %d", got)
	}
	if got := len(CollectorsFromFields(&s)); got != 2 {
		t.Errorf("Expected 2 collectors from pointer, got %d", got)
	}
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "twice"})
	if err := Register(reg, c); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	if err := Register(reg, c); err != nil {
		t.Errorf("Expected second registration to be skipped, got %v", err)
	}
}
