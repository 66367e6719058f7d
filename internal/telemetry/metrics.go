package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	ProviderLatencyMs *prometheus.HistogramVec
	TokensTotal       *prometheus.CounterVec
	RetryTotal        *prometheus.CounterVec
	PolicyDeniedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of completed relay executions.",
		}, []string{"mode", "upstream", "downstream", "sent"}),

		ProviderLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_provider_latency_ms",
			Help:    "Latency of the successful attempt of a provider call in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"phase", "provider"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Total tokens reported by providers.",
		}, []string{"phase", "provider", "direction"}),

		RetryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_retry_attempts_total",
			Help: "Total number of retried provider attempts.",
		}, []string{"provider"}),

		PolicyDeniedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_policy_denied_total",
			Help: "Total relay requests denied by the admission policy.",
		}),
	}
}

// RecordRelay records a completed relay execution.
func (m *Metrics) RecordRelay(labels RelayLabels) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(
		labels.Mode, labels.Upstream, labels.Downstream, strconv.FormatBool(labels.Sent),
	).Inc()
}

// RecordCall records one provider call that completed.
func (m *Metrics) RecordCall(labels CallLabels) {
	if m == nil {
		return
	}
	m.ProviderLatencyMs.WithLabelValues(labels.Phase, labels.Provider).Observe(float64(labels.LatencyMs))

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Phase, labels.Provider, "prompt").Add(float64(labels.PromptTokens))
	}
	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Phase, labels.Provider, "completion").Add(float64(labels.CompletionTokens))
	}
}

// RecordRetry counts one retried attempt against provider.
func (m *Metrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.RetryTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordPolicyDenied() {
	if m == nil {
		return
	}
	m.PolicyDeniedTotal.Inc()
}

// RelayLabels holds the label values for recording a relay.
type RelayLabels struct {
	Mode       string
	Upstream   string
	Downstream string
	Sent       bool
}

// CallLabels holds the values for recording a provider call.
type CallLabels struct {
	Phase            string
	Provider         string
	LatencyMs        int64
	PromptTokens     int
	CompletionTokens int
}
