package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theY4Kman/psu-progs/internal/charging"
)

func TestObserveTickAndFailure(t *testing.T) {
	m := NewMetrics()

	m.ObserveFailure(1)
	m.ObserveFailure(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failedTicks))

	m.ObserveTick(charging.TickReport{MeanCurrent: 0.8, MeanVoltage: 4.1, ChargeLevel: 0.6})
	assert.Equal(t, 0.8, testutil.ToFloat64(m.current))
	assert.Equal(t, 4.1, testutil.ToFloat64(m.voltage))
	assert.Equal(t, 0.6, testutil.ToFloat64(m.chargeLevel))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.failures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks))
}

func TestObserveResult(t *testing.T) {
	m := NewMetrics()

	m.ObserveResult(charging.Result{Outcome: charging.Completed, ChargeLevel: 1})
	m.ObserveResult(charging.Result{Outcome: charging.Aborted})
	m.ObserveResult(charging.Result{Outcome: charging.Completed, ChargeLevel: 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("aborted")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick(charging.TickReport{})
		m.ObserveFailure(1)
		m.ObserveResult(charging.Result{})
	})
}

func TestHandlerAndWrap(t *testing.T) {
	m := NewMetrics()
	m.ObserveTick(charging.TickReport{MeanCurrent: 0.5})

	teapot := m.WrapHandler("/tea", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	teapot.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tea", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpTotal.WithLabelValues("/tea", "418")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "psu_charger_current_amps 0.5")
	assert.Contains(t, rec.Body.String(), "psu_charger_ticks_total 1")
}
