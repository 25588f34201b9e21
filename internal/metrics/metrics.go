package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the capacity governor
type Metrics struct {
	// Admission
	AdmissionsTotal       *prometheus.CounterVec
	AdmissionsDeniedTotal *prometheus.CounterVec
	CapacityReleasedTotal prometheus.Counter

	// Dispatch
	IntentsEmittedTotal   *prometheus.CounterVec
	ContactsDeferredTotal *prometheus.CounterVec
	OutcomesTotal         *prometheus.CounterVec
	TickDurationSeconds   prometheus.Histogram
	ActiveCampaigns       prometheus.Gauge

	// Lifecycle
	TransitionsTotal     *prometheus.CounterVec
	HardFailuresTotal    *prometheus.CounterVec
	WinnersSelectedTotal prometheus.Counter

	// Warmup
	WarmupRate          *prometheus.GaugeVec
	GraduationsTotal    prometheus.Counter
	WarmupAdvancesTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_admissions_total",
				Help: "Total number of successful capacity admissions",
			},
			[]string{"identity"},
		),
		AdmissionsDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_admissions_denied_total",
				Help: "Total number of denied capacity admissions",
			},
			[]string{"identity", "window"},
		),
		CapacityReleasedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendgate_capacity_released_total",
				Help: "Total number of reserved capacity units handed back",
			},
		),
		IntentsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_send_intents_total",
				Help: "Total number of send intents emitted",
			},
			[]string{"campaign"},
		),
		ContactsDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_contacts_deferred_total",
				Help: "Total number of contacts deferred for a later tick",
			},
			[]string{"campaign", "reason"},
		),
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_outcomes_total",
				Help: "Total number of transport outcomes ingested",
			},
			[]string{"campaign", "outcome"},
		),
		TickDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sendgate_tick_duration_seconds",
				Help:    "Duration of one campaign dispatch tick",
				Buckets: prometheus.DefBuckets,
			},
		),
		ActiveCampaigns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendgate_active_campaigns",
				Help: "Number of campaigns currently in active status",
			},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_campaign_transitions_total",
				Help: "Total number of campaign lifecycle transitions",
			},
			[]string{"event"},
		),
		HardFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_campaign_hard_failures_total",
				Help: "Total number of campaigns forced to failed by threshold breach",
			},
			[]string{"reason"},
		),
		WinnersSelectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendgate_experiment_winners_total",
				Help: "Total number of experiment winners selected",
			},
		),
		WarmupRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sendgate_warmup_rate",
				Help: "Current warmup daily rate per identity",
			},
			[]string{"identity"},
		),
		GraduationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendgate_warmup_graduations_total",
				Help: "Total number of identities graduated from warmup",
			},
		),
		WarmupAdvancesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendgate_warmup_advances_total",
				Help: "Total number of warmup advancements applied",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.AdmissionsTotal,
		m.AdmissionsDeniedTotal,
		m.CapacityReleasedTotal,
		m.IntentsEmittedTotal,
		m.ContactsDeferredTotal,
		m.OutcomesTotal,
		m.TickDurationSeconds,
		m.ActiveCampaigns,
		m.TransitionsTotal,
		m.HardFailuresTotal,
		m.WinnersSelectedTotal,
		m.WarmupRate,
		m.GraduationsTotal,
		m.WarmupAdvancesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
