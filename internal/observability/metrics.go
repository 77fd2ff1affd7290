package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	CallOutcomes      *prometheus.CounterVec
	EscalationCauses  *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	ProviderAttempts  *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	KBCacheEvents     *prometheus.CounterVec
	TicketSubmissions *prometheus.CounterVec
	TurnLatency       prometheus.Histogram
	DegradedTurns     prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live call sessions.",
		}),
		CallOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Terminated calls by resolution.",
		}, []string{"resolution"}),
		EscalationCauses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_causes_total",
			Help:      "Escalations by cause, distinguishing unknown-answer from backend-down.",
		}, []string{"cause"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and error kind.",
		}, []string{"provider", "kind"}),
		ProviderAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Outbound provider call attempts by provider and result.",
		}, []string{"provider", "result"}),
		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
		KBCacheEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kb_cache_events_total",
			Help:      "Knowledge base response cache hits, misses and evictions.",
		}, []string{"event"}),
		TicketSubmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_submissions_total",
			Help:      "Ticket submission attempts by result.",
		}, []string{"result"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Latency from turn boundary to response text in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2000, 3000, 5000},
		}),
		DegradedTurns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_turns_total",
			Help:      "Turns answered with a holding phrase after the per-turn budget elapsed.",
		}),
	}
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
