package backend

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusLatencyObservesByOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	observer := NewPrometheusLatency(registry)
	observer.ObserveLatency("success", 20*time.Millisecond)
	observer.ObserveLatency("success", 40*time.Millisecond)
	observer.ObserveLatency("timeout", 8*time.Second)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	counts := make(map[string]uint64)
	for _, family := range families {
		if family.GetName() != "meetgate_backend_request_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					counts[label.GetValue()] = metric.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	if counts["success"] != 2 || counts["timeout"] != 1 {
		t.Fatalf("unexpected sample counts %v", counts)
	}
}
