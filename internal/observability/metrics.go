package observability

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the orchestrator's core counters.
type Metrics struct {
	jobs       *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	probes     *prometheus.CounterVec
	reclaimed  prometheus.Counter
}

// NewMetrics registers the counters with the given registerer. A nil
// registerer falls back to the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_total",
		Help: "Total pipeline jobs by stage and outcome.",
	}, []string{"stage", "outcome"})
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_dispatches_total",
		Help: "Total worker dispatches by service and outcome.",
	}, []string{"service", "outcome"})
	probes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_probes_total",
		Help: "Total endpoint health probes by result.",
	}, []string{"result"})
	reclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_reclaimed_tasks_total",
		Help: "Total stuck tasks reclaimed by the maintenance sweep.",
	})

	jobs = registerCounterVec(registerer, jobs)
	dispatches = registerCounterVec(registerer, dispatches)
	probes = registerCounterVec(registerer, probes)
	reclaimed = registerCounter(registerer, reclaimed)

	return &Metrics{
		jobs:       jobs,
		dispatches: dispatches,
		probes:     probes,
		reclaimed:  reclaimed,
	}
}

// MetricsHandler returns the HTTP handler serving the metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// IncJob records a pipeline job outcome for a stage.
func (m *Metrics) IncJob(stage, outcome string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(stage, outcome).Inc()
}

// IncDispatch records a worker dispatch outcome.
func (m *Metrics) IncDispatch(service, outcome string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(service, outcome).Inc()
}

// IncProbe records a health probe result ("success" or "failure").
func (m *Metrics) IncProbe(result string) {
	if m == nil || m.probes == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// IncReclaimed records tasks reclaimed by the maintenance sweep.
func (m *Metrics) IncReclaimed(n int) {
	if m == nil || m.reclaimed == nil {
		return
	}
	m.reclaimed.Add(float64(n))
}

func registerCounterVec(registerer prometheus.Registerer, vec *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}

func registerCounter(registerer prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return c
}
