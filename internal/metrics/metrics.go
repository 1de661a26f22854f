package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theY4Kman/psu-progs/internal/charging"
)

const namespace = "psu_charger"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	current     prometheus.Gauge
	voltage     prometheus.Gauge
	chargeLevel prometheus.Gauge
	failures    prometheus.Gauge
	ticks       prometheus.Counter
	failedTicks prometheus.Counter
	outcomes    *prometheus.CounterVec
	httpTotal   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_amps",
			Help:      "Smoothed output current.",
		}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voltage_volts",
			Help:      "Smoothed output voltage.",
		}),
		chargeLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "charge_level_ratio",
			Help:      "Estimated charge level between 0 and 1.",
		}),
		failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "successive_failures",
			Help:      "Current run of consecutive failed ticks.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Ticks on which the smoothed readings were evaluated.",
		}),
		failedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_ticks_total",
			Help:      "Ticks lost to missing or unreadable telemetry.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished charge sessions by outcome.",
		}, []string{"outcome"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status server requests by route and status.",
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		m.current,
		m.voltage,
		m.chargeLevel,
		m.failures,
		m.ticks,
		m.failedTicks,
		m.outcomes,
		m.httpTotal,
	)

	return m
}

func (m *Metrics) ObserveTick(r charging.TickReport) {
	if m == nil {
		return
	}
	m.current.Set(r.MeanCurrent)
	m.voltage.Set(r.MeanVoltage)
	m.chargeLevel.Set(r.ChargeLevel)
	m.failures.Set(0)
	m.ticks.Inc()
}

func (m *Metrics) ObserveFailure(failures int) {
	if m == nil {
		return
	}
	m.failures.Set(float64(failures))
	m.failedTicks.Inc()
}

func (m *Metrics) ObserveResult(r charging.Result) {
	if m == nil {
		return
	}
	m.chargeLevel.Set(r.ChargeLevel)
	m.outcomes.WithLabelValues(r.Outcome.String()).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		m.httpTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
