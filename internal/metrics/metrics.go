// Package metrics provides Prometheus metrics for the vigil host.
//
// All methods are safe on a nil *Metrics, which records nothing. Components
// take an optional *Metrics so tests can leave it out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/vigil/internal/ir"
)

const namespace = "vigil"

// Metrics holds all Prometheus metrics for the host.
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	HostCalls    *prometheus.CounterVec
	RowsReturned prometheus.Counter

	// Scheduler metrics
	InstancesByState *prometheus.GaugeVec
	CursorBlock      *prometheus.GaugeVec
	ChainHead        prometheus.Gauge
	TicksTotal       prometheus.Counter

	// Incident metrics
	IncidentsTotal *prometheus.CounterVec

	// Outbox metrics
	OutboxDelivered *prometheus.CounterVec
	OutboxFailures  *prometheus.CounterVec
	OutboxPending   prometheus.Gauge
}

// New registers the host metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Sandbox runs by outcome status",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a sandbox run",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"status"},
		),
		HostCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_calls_total",
				Help:      "Guest host calls by function",
			},
			[]string{"function"},
		),
		RowsReturned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_rows_returned_total",
				Help:      "Rows returned to guests by query",
			},
		),
		InstancesByState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances",
				Help:      "Daemon instances by scheduler state",
			},
			[]string{"state"},
		),
		CursorBlock: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cursor_last_processed_block",
				Help:      "Last processed block per instance",
			},
			[]string{"instance_id"},
		),
		ChainHead: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chain_latest_block",
				Help:      "Latest block reported by the chain data source",
			},
		),
		TicksTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_ticks_total",
				Help:      "Scheduler ticks",
			},
		),
		IncidentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_total",
				Help:      "Incident reports by outcome",
			},
			[]string{"outcome"},
		),
		OutboxDelivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_delivered_total",
				Help:      "Outbox entries delivered to the ledger",
			},
			[]string{"kind"},
		),
		OutboxFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_failures_total",
				Help:      "Failed ledger delivery attempts",
			},
			[]string{"kind"},
		),
		OutboxPending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_pending",
				Help:      "Outbox entries not yet delivered",
			},
		),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records a finished sandbox run.
func (m *Metrics) ObserveRun(rec ir.ExecutionRecord) {
	if m == nil {
		return
	}
	status := string(rec.Status)
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(rec.Duration.Seconds())
	m.HostCalls.WithLabelValues("query").Add(float64(rec.Usage.Queries))
	m.HostCalls.WithLabelValues("report").Add(float64(rec.Usage.Reports))
	m.RowsReturned.Add(float64(rec.Usage.RowsReturned))
}

// ObserveIncident counts a report outcome ("accepted", "deduplicated",
// "invalid").
func (m *Metrics) ObserveIncident(outcome string) {
	if m == nil {
		return
	}
	m.IncidentsTotal.WithLabelValues(outcome).Inc()
}

// SetCursor records an instance's last processed block.
func (m *Metrics) SetCursor(instanceID string, block uint64) {
	if m == nil {
		return
	}
	m.CursorBlock.WithLabelValues(instanceID).Set(float64(block))
}

// SetChainHead records the latest block seen by the scheduler.
func (m *Metrics) SetChainHead(block uint64) {
	if m == nil {
		return
	}
	m.ChainHead.Set(float64(block))
}

// Tick counts a scheduler tick.
func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
}

// SetInstanceStates replaces the per-state instance gauges.
func (m *Metrics) SetInstanceStates(counts map[ir.InstanceState]int) {
	if m == nil {
		return
	}
	for _, state := range []ir.InstanceState{ir.StateIdle, ir.StateRunning, ir.StateBackoff, ir.StateDegraded} {
		m.InstancesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// ObserveDelivery counts a ledger delivery attempt for an outbox kind.
func (m *Metrics) ObserveDelivery(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.OutboxFailures.WithLabelValues(kind).Inc()
		return
	}
	m.OutboxDelivered.WithLabelValues(kind).Inc()
}

// SetOutboxPending records the undelivered outbox size.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}
