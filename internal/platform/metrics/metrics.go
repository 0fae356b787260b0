package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keyauth"

// Metrics groups the service collectors. A nil *Metrics is valid and records
// nothing, so packages can take one without caring whether metrics are on.
type Metrics struct {
	actions           *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	redemptions       *prometheus.CounterVec
	casConflicts      prometheus.Counter
	bootstrapAttempts *prometheus.CounterVec
	keyStates         *prometheus.GaugeVec
	applications      prometheus.Gauge
	jobDuration       *prometheus.HistogramVec
	jobFailures       *prometheus.CounterVec
}

// New registers the service collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Dispatched actions by action name and result code.",
		}, []string{"action", "code"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Key redemption outcomes.",
		}, []string{"outcome"}),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_conflicts_total",
			Help:      "Device binding writes that lost a compare-and-set race.",
		}),
		bootstrapAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_bootstrap_attempts_total",
			Help:      "Store bootstrap attempts by result.",
		}, []string{"result"}),
		keyStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "License keys by lifecycle state.",
		}, []string{"state"}),
		applications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "applications",
			Help:      "Registered applications.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Background job duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Failed background job runs.",
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.actions,
		m.actionDuration,
		m.redemptions,
		m.casConflicts,
		m.bootstrapAttempts,
		m.keyStates,
		m.applications,
		m.jobDuration,
		m.jobFailures,
	)
	return m
}

func (m *Metrics) ObserveAction(action, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	action = normalizeLabel(action)
	m.actions.WithLabelValues(action, normalizeLabel(code)).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) IncRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) IncBootstrap(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.bootstrapAttempts.WithLabelValues(result).Inc()
}

// SetKeyStates replaces the per-state key gauges.
func (m *Metrics) SetKeyStates(states map[string]int64, applications int64) {
	if m == nil {
		return
	}
	for state, count := range states {
		m.keyStates.WithLabelValues(state).Set(float64(count))
	}
	m.applications.Set(float64(applications))
}

func (m *Metrics) ObserveJob(job string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	job = normalizeLabel(job)
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	if err != nil {
		m.jobFailures.WithLabelValues(job).Inc()
	}
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
