package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/metrics"
)

func TestMetrics(t *testing.T) {
	t.Run("should count calls by state and kind", func(t *testing.T) {
		m := metrics.New()

		m.CallResolved(domain.StateSettled, "", 10*time.Millisecond)
		m.CallResolved(domain.StateRejected, domain.KindInsufficientFunds, time.Millisecond)
		m.CallResolved(domain.StateRejected, domain.KindInsufficientFunds, time.Millisecond)

		require.InDelta(t, 1, testutil.ToFloat64(m.CallsTotal.WithLabelValues("settled", "none")), 0)
		require.InDelta(t, 2, testutil.ToFloat64(m.CallsTotal.WithLabelValues("rejected", "InsufficientFunds")), 0)
	})

	t.Run("should track held amounts across the hold lifecycle", func(t *testing.T) {
		m := metrics.New()

		m.ReservationOpened(domain.MustParseMicros("0.0223"))
		m.ReservationOpened(domain.MustParseMicros("0.5"))
		require.InDelta(t, 0.5223, testutil.ToFloat64(m.HeldAmount), 1e-9)

		m.ReservationResolved(domain.ReservationCaptured, domain.MustParseMicros("0.0223"), false)
		m.ReservationResolved(domain.ReservationReleased, domain.MustParseMicros("0.5"), true)

		require.InDelta(t, 0, testutil.ToFloat64(m.HeldAmount), 1e-9)
		require.InDelta(t, 1, testutil.ToFloat64(m.ReservationsResolved.WithLabelValues("released", "true")), 0)
	})

	t.Run("should classify upstream outcomes", func(t *testing.T) {
		m := metrics.New()

		m.Dispatched("echo", time.Millisecond, nil)
		m.Dispatched("echo", time.Millisecond, &domain.UpstreamError{Provider: "echo", Timeout: true, Err: errors.New("slow")})
		m.Dispatched("echo", time.Millisecond, &domain.UpstreamError{Provider: "echo", StatusCode: 500, Err: errors.New("boom")})

		require.InDelta(t, 1, testutil.ToFloat64(m.UpstreamTotal.WithLabelValues("echo", "success")), 0)
		require.InDelta(t, 1, testutil.ToFloat64(m.UpstreamTotal.WithLabelValues("echo", "timeout")), 0)
		require.InDelta(t, 1, testutil.ToFloat64(m.UpstreamTotal.WithLabelValues("echo", "error")), 0)
	})

	t.Run("should serve the registry", func(t *testing.T) {
		m := metrics.New()
		m.Settled(domain.MustParseMicros("0.0223"), domain.MustParseMicros("0.009"))
		m.RegisterDBPoolCollector(func() (int32, int32, int32) { return 4, 3, 1 })

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		require.Contains(t, body, "tollgate_charged_units_total 0.0223")
		require.Contains(t, body, "tollgate_db_pool_acquired_conns 1")
	})
}
