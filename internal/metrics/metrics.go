package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality: channel_code only, never SN or code.

var (
	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_activations_total",
			Help: "Activation attempts by channel and outcome",
		},
		[]string{"channel", "result"},
	)

	ActivationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "license_activation_latency_ms",
			Help:    "End-to-end activation latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"channel"},
	)

	ChallengesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_challenges_issued_total",
			Help: "Device challenges issued",
		},
	)

	QuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_quota_rejections_total",
			Help: "Requests rejected on quota by channel and scope",
		},
		[]string{"channel", "scope"},
	)

	RevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_revocations_total",
			Help: "Devices revoked",
		},
	)

	MfaFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_mfa_failures_total",
			Help: "Failed MFA verifications",
		},
	)

	SignerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "license_signer_up",
			Help: "Signing keyset availability (1=usable, 0=degraded)",
		},
	)
)

func RecordActivation(channel, result string) {
	ActivationsTotal.WithLabelValues(channel, result).Inc()
}

func RecordActivationLatency(channel string, latencyMs float64) {
	ActivationLatency.WithLabelValues(channel).Observe(latencyMs)
}

func RecordQuotaRejection(channel, scope string) {
	QuotaRejectionsTotal.WithLabelValues(channel, scope).Inc()
}

func SetSignerUp(up bool) {
	if up {
		SignerUp.Set(1)
	} else {
		SignerUp.Set(0)
	}
}
