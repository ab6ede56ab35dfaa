package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters for the remediation control loop.
type Metrics struct {
	decisions *prometheus.CounterVec
	reruns    *prometheus.CounterVec
	merges    *prometheus.CounterVec
	polls     *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pullmend_stop_decisions_total",
		Help: "Total stop decisions by verdict.",
	}, []string{"decision"})
	reruns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pullmend_job_reruns_total",
		Help: "Total per-job rerun outcomes.",
	}, []string{"outcome"})
	merges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pullmend_merges_total",
		Help: "Total merge gate decisions.",
	}, []string{"decision"})
	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pullmend_wait_polls_total",
		Help: "Total review-and-wait polls by result.",
	}, []string{"result"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pullmend_triaged_failures_total",
		Help: "Total triaged failures by class.",
	}, []string{"class"})

	decisions = registerCounterVec(registerer, decisions)
	reruns = registerCounterVec(registerer, reruns)
	merges = registerCounterVec(registerer, merges)
	polls = registerCounterVec(registerer, polls)
	failures = registerCounterVec(registerer, failures)

	return &Metrics{
		decisions: decisions,
		reruns:    reruns,
		merges:    merges,
		polls:     polls,
		failures:  failures,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncDecision(decision string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncRerun(outcome string) {
	if m == nil || m.reruns == nil {
		return
	}
	m.reruns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncMerge(decision string) {
	if m == nil || m.merges == nil {
		return
	}
	m.merges.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncPoll(result string) {
	if m == nil || m.polls == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTriagedFailure(class string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(class).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
