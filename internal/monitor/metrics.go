// Package monitor exposes operational visibility: Prometheus metrics and an
// HTTP health endpoint aggregating per-component checks.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide instrument set. Components receive it at
// wiring time and record through the typed helpers.
type Metrics struct {
	registry *prometheus.Registry

	ticksPublished  *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	opportunities   prometheus.Counter
	executions      *prometheus.CounterVec
	ordersPlaced    *prometheus.CounterVec
	venueErrors     *prometheus.CounterVec
	openPositions   prometheus.Gauge
	dailyPnL        prometheus.Gauge
	connectorsUp    prometheus.Gauge
	aggConfidence   *prometheus.GaugeVec
}

// NewMetrics builds and registers the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xarb",
			Name:      "ticks_published_total",
			Help:      "Aggregated quotes published to the tick stream.",
		}, []string{"symbol"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "xarb",
			Name:      "scan_duration_seconds",
			Help:      "Duration of one arbitrage detection cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		opportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xarb",
			Name:      "opportunities_total",
			Help:      "Risk-approved opportunities handed to the executor.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xarb",
			Name:      "executions_total",
			Help:      "Finished executions by terminal status.",
		}, []string{"status"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xarb",
			Name:      "orders_placed_total",
			Help:      "Orders submitted to venues by venue and outcome.",
		}, []string{"venue", "status"}),
		venueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xarb",
			Name:      "venue_errors_total",
			Help:      "Venue call failures by venue and error code.",
		}, []string{"venue", "code"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xarb",
			Name:      "open_positions",
			Help:      "Currently open directional positions.",
		}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xarb",
			Name:      "daily_pnl",
			Help:      "Realized profit and loss for the current UTC day.",
		}),
		connectorsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xarb",
			Name:      "connectors_up",
			Help:      "Connected and healthy venue connectors.",
		}),
		aggConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "xarb",
			Name:      "aggregation_confidence",
			Help:      "Confidence of the latest reconciled quote per symbol.",
		}, []string{"symbol"}),
	}

	m.registry.MustRegister(
		m.ticksPublished, m.scanDuration, m.opportunities, m.executions,
		m.ordersPlaced, m.venueErrors, m.openPositions, m.dailyPnL,
		m.connectorsUp, m.aggConfidence,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// The recording helpers tolerate a nil receiver so components wired without
// monitoring (tests, tools) can record unconditionally.

func (m *Metrics) TickPublished(symbol string) {
	if m == nil {
		return
	}
	m.ticksPublished.WithLabelValues(symbol).Inc()
}

func (m *Metrics) ScanDone(seconds float64) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(seconds)
}

func (m *Metrics) OpportunityApproved() {
	if m == nil {
		return
	}
	m.opportunities.Inc()
}

func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

func (m *Metrics) OrderPlaced(venue, status string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(venue, status).Inc()
}

func (m *Metrics) VenueError(venue, code string) {
	if m == nil {
		return
	}
	m.venueErrors.WithLabelValues(venue, code).Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

func (m *Metrics) SetDailyPnL(v float64) {
	if m == nil {
		return
	}
	m.dailyPnL.Set(v)
}

func (m *Metrics) SetConnectorsUp(n int) {
	if m == nil {
		return
	}
	m.connectorsUp.Set(float64(n))
}

func (m *Metrics) SetConfidence(symbol string, c float64) {
	if m == nil {
		return
	}
	m.aggConfidence.WithLabelValues(symbol).Set(c)
}
