package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storied_auth"

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
	ExchangeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "exchange_outcomes_total", Help: "Authorization-code exchanges by terminal phase and failure kind."},
		[]string{"provider", "phase", "reason"},
	)
	TokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "token_verifications_total", Help: "Provider token verifications by result."},
		[]string{"provider", "result"},
	)
	JWKSFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "jwks_fetches_total", Help: "JWKS fetch attempts by result (ok, error, stale)."},
		[]string{"provider", "result"},
	)
	SessionValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "session_validations_total", Help: "Credential validations by auth method and result."},
		[]string{"method", "result"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(ExchangeOutcomes)
	reg.MustRegister(TokenVerifications)
	reg.MustRegister(JWKSFetches)
	reg.MustRegister(SessionValidations)
}
