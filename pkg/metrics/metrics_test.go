package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterCollectors(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NotPanics(t, func() { RegisterCollectors(reg) })

	JWKSFetches.WithLabelValues("authentik", "ok").Inc()
	require.Equal(t, 1, testutil.CollectAndCount(JWKSFetches, "storied_auth_jwks_fetches_total"))

	// a second registration of the same collectors must fail loudly
	require.Panics(t, func() { RegisterCollectors(reg) })
}
