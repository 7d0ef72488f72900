package authkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics implements MetricsRecorder with a labelled counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers meetgate_auth_events_total on registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(registerer)
	return &PrometheusMetrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetgate_auth_events_total",
			Help: "Authentication and guard events by type.",
		}, []string{"event"}),
	}
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// Metric event names.
const (
	metricGuardPass             = "guard.pass"
	metricGuardRedirectLogin    = "guard.redirect_login"
	metricGuardRedirectLanding  = "guard.redirect_landing"
	metricGuardBackendFallback  = "guard.backend_fallback"
	metricCodeExchangeSuccess   = "code_exchange.success"
	metricCodeExchangeFailure   = "code_exchange.failure"
	metricSignOut               = "signout"
	metricMagicLinkSent         = "magic_link.sent"
	metricMagicLinkFailure      = "magic_link.failure"
	metricMagicLinkRateLimited  = "magic_link.rate_limited"
	metricIdentityLookupFailure = "me.failure"
)
