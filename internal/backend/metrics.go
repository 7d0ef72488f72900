package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyObserver records backend call latency by outcome.
type LatencyObserver interface {
	ObserveLatency(outcome string, elapsed time.Duration)
}

type noopLatencyObserver struct{}

func (noopLatencyObserver) ObserveLatency(string, time.Duration) {}

// PrometheusLatency is a LatencyObserver backed by a histogram vec.
type PrometheusLatency struct {
	histogram *prometheus.HistogramVec
}

// NewPrometheusLatency registers the backend latency histogram on registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewPrometheusLatency(registerer prometheus.Registerer) *PrometheusLatency {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &PrometheusLatency{
		histogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meetgate",
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Latency of backend calls made by the gateway",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
	}
}

// ObserveLatency records elapsed under outcome.
func (observer *PrometheusLatency) ObserveLatency(outcome string, elapsed time.Duration) {
	observer.histogram.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
