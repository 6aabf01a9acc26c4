package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "free_llm_dispatch_requests_total",
			Help: "Total number of dispatched requests by final outcome",
		},
		[]string{"outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "free_llm_dispatch_request_duration_seconds",
			Help:    "End to end dispatch duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 240},
		},
		[]string{"outcome"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "free_llm_dispatch_attempts_total",
			Help: "Total number of provider attempts by result class",
		},
		[]string{"provider", "tier", "class"},
	)

	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "free_llm_dispatch_attempt_duration_seconds",
			Help:    "Single provider attempt duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"provider", "tier"},
	)

	CredentialsAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "free_llm_dispatch_credentials_available",
			Help: "Number of credentials currently eligible for selection",
		},
		[]string{"provider"},
	)

	CredentialRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "free_llm_dispatch_credential_rate_limited_total",
			Help: "Total number of credential rate limit bans",
		},
		[]string{"provider"},
	)

	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "free_llm_dispatch_pool_exhausted_total",
			Help: "Total number of times credential acquisition gave up after waiting",
		},
		[]string{"provider"},
	)

	TierSwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "free_llm_dispatch_tier_switches_total",
			Help: "Total number of model tier switches",
		},
		[]string{"provider", "tier"},
	)

	TierRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "free_llm_dispatch_tier_rotations_total",
			Help: "Total number of full rotations through all tiers of a provider",
		},
		[]string{"provider"},
	)

	FallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "free_llm_dispatch_fallbacks_total",
			Help: "Total number of times the secondary provider was engaged",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	RequestsTotal.WithLabelValues(outcome).Inc()
	RequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordAttempt(provider, tier, class string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	AttemptsTotal.WithLabelValues(provider, tier, class).Inc()
	AttemptDuration.WithLabelValues(provider, tier).Observe(duration.Seconds())
}

func (m *Metrics) UpdateCredentialsAvailable(provider string, n int) {
	if !m.isEnabled() {
		return
	}
	CredentialsAvailable.WithLabelValues(provider).Set(float64(n))
}

func (m *Metrics) RecordCredentialRateLimited(provider string) {
	if !m.isEnabled() {
		return
	}
	CredentialRateLimitedTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordPoolExhausted(provider string) {
	if !m.isEnabled() {
		return
	}
	PoolExhaustedTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordTierSwitch(provider, tier string) {
	if !m.isEnabled() {
		return
	}
	TierSwitchesTotal.WithLabelValues(provider, tier).Inc()
}

func (m *Metrics) RecordTierRotation(provider string) {
	if !m.isEnabled() {
		return
	}
	TierRotationsTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordFallback() {
	if !m.isEnabled() {
		return
	}
	FallbacksTotal.Inc()
}
