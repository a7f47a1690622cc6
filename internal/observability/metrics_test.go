package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	errs "mira/internal/errors"
	"mira/internal/session"
)

func TestObserveStatsUpdatesGauges(t *testing.T) {
	t.Parallel()

	metrics := MustNewMetrics(prometheus.NewRegistry())
	metrics.ObserveStats(session.StoreStats{GlobalBytes: 2048, ActiveSessions: 3})

	require.Equal(t, 2048.0, testutil.ToFloat64(metrics.GlobalBytes))
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.ActiveSessions))
}

func TestObserveBreakerStateValues(t *testing.T) {
	t.Parallel()

	metrics := MustNewMetrics(prometheus.NewRegistry())

	metrics.ObserveBreaker(errs.StateClosed)
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.BreakerState))
	metrics.ObserveBreaker(errs.StateOpen)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.BreakerState))
	metrics.ObserveBreaker(errs.StateHalfOpen)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.BreakerState))
}

func TestAlertObserverCountsByLevel(t *testing.T) {
	t.Parallel()

	metrics := MustNewMetrics(prometheus.NewRegistry())
	monitor := session.NewMonitor(session.MonitorConfig{SessionLimitBytes: 100, WarnFraction: 0.8, CritFraction: 0.95})
	monitor.Subscribe(metrics.AlertObserver())

	monitor.Observe("s", 85, 85, 1)
	monitor.Observe("s", 96, 96, 1)
	monitor.Observe("s", 97, 97, 1) // sustained critical, no new alert

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.MemoryAlerts.WithLabelValues("warning")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.MemoryAlerts.WithLabelValues("critical")))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	MustNewMetrics(registry)
	require.Panics(t, func() { MustNewMetrics(registry) })
}
