package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the control loop. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	stepsTotal     *prometheus.CounterVec
	backendRetries *prometheus.CounterVec
	solveDuration  prometheus.Histogram
	iterations     prometheus.Histogram
	objective      prometheus.Gauge
	energyCost     prometheus.Gauge
	hvacAction     *prometheus.GaugeVec
	zoneTemp       *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a dedicated registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hvac_mpc_steps_total",
			Help: "Control steps by outcome.",
		}, []string{"outcome"}),
		backendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hvac_mpc_backend_retries_total",
			Help: "Retried backend calls by operation.",
		}, []string{"operation"}),
		solveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hvac_mpc_solve_duration_seconds",
			Help:    "Wall time of one horizon solve.",
			Buckets: prometheus.DefBuckets,
		}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hvac_mpc_solver_iterations",
			Help:    "Adam iterations per solve.",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		objective: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hvac_mpc_objective",
			Help: "Objective value of the latest solve.",
		}),
		energyCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hvac_mpc_applied_energy_cost",
			Help: "Running energy cost of the applied actions (prices may be negative).",
		}),
		hvacAction: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hvac_mpc_action",
			Help: "Latest applied normalized HVAC action per zone.",
		}, []string{"zone"}),
		zoneTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hvac_mpc_planned_temperature_celsius",
			Help: "Planned zone temperature for the current step.",
		}, []string{"zone"}),
	}

	m.registry.MustRegister(
		m.stepsTotal,
		m.backendRetries,
		m.solveDuration,
		m.iterations,
		m.objective,
		m.energyCost,
		m.hvacAction,
		m.zoneTemp,
	)

	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeStep(rec *StepRecord) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues("ok").Inc()
	m.solveDuration.Observe(rec.SolveDuration.Seconds())
	m.iterations.Observe(float64(rec.Iterations))
	m.objective.Set(rec.Objective)
	cost, _ := rec.EnergyCost.Float64()
	m.energyCost.Add(cost)
	for zone, v := range rec.ZoneActions() {
		m.hvacAction.WithLabelValues(zone).Set(v)
	}
	for zone, v := range rec.PlannedTemperatures {
		m.zoneTemp.WithLabelValues(zone).Set(v)
	}
}

func (m *Metrics) observeFailure(kind FailureKind) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeRetry(operation string) {
	if m == nil {
		return
	}
	m.backendRetries.WithLabelValues(operation).Inc()
}
