package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"officemate/backend/internal/eventbus"
)

// Drop reasons for the records_dropped_total counter.
const (
	dropReasonEmergency = "emergency"
	dropReasonThrottled = "throttled"
	dropReasonDuplicate = "duplicate"
	dropReasonFiltered  = "filtered"
)

// Metrics holds the pipeline's Prometheus instruments. Constructed against
// an injected registerer so each test pipeline gets a fresh registry.
type Metrics struct {
	recordsAccepted *prometheus.CounterVec
	recordsDropped  *prometheus.CounterVec
	metricsAccepted prometheus.Counter
	persistFailures prometheus.Counter
	handlerFailures prometheus.Counter
}

// NewMetrics registers the pipeline counters on reg. reg may be nil, in
// which case the default registerer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		recordsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "officemate",
				Subsystem: "telemetry",
				Name:      "records_accepted_total",
				Help:      "Log records that passed the gating chain",
			},
			[]string{"level"},
		),
		recordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "officemate",
				Subsystem: "telemetry",
				Name:      "records_dropped_total",
				Help:      "Log records dropped by a gate, by reason",
			},
			[]string{"reason"},
		),
		metricsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "officemate",
				Subsystem: "telemetry",
				Name:      "metrics_accepted_total",
				Help:      "Metric records that passed the gating chain",
			},
		),
		persistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "officemate",
				Subsystem: "telemetry",
				Name:      "persist_failures_total",
				Help:      "Best-effort persistence or transport failures",
			},
		),
		handlerFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "officemate",
				Subsystem: "telemetry",
				Name:      "bus_handler_failures_total",
				Help:      "Event bus handler failures converted to records",
			},
		),
	}
	reg.MustRegister(
		m.recordsAccepted,
		m.recordsDropped,
		m.metricsAccepted,
		m.persistFailures,
		m.handlerFailures,
	)
	return m
}

func (m *Metrics) accepted(level string) {
	if m != nil {
		m.recordsAccepted.WithLabelValues(level).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.recordsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) metricAccepted() {
	if m != nil {
		m.metricsAccepted.Inc()
	}
}

func (m *Metrics) persistFailed() {
	if m != nil {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) handlerFailed() {
	if m != nil {
		m.handlerFailures.Inc()
	}
}

// BusCollector exposes the event bus dispatch counters for scraping without
// putting Prometheus inside the bus itself.
type BusCollector struct {
	bus       *eventbus.Bus
	emitted   *prometheus.Desc
	delivered *prometheus.Desc
	skipped   *prometheus.Desc
	failures  *prometheus.Desc
}

// NewBusCollector builds a collector over the bus's dispatch counters.
// Register it on the same registry as the pipeline metrics.
func NewBusCollector(bus *eventbus.Bus) *BusCollector {
	return &BusCollector{
		bus:       bus,
		emitted:   prometheus.NewDesc("officemate_eventbus_emitted_total", "Events emitted on the bus", nil, nil),
		delivered: prometheus.NewDesc("officemate_eventbus_delivered_total", "Handler invocations delivered", nil, nil),
		skipped:   prometheus.NewDesc("officemate_eventbus_skipped_total", "Deliveries skipped by scope or filter", nil, nil),
		failures:  prometheus.NewDesc("officemate_eventbus_handler_failures_total", "Handler errors and recovered panics", nil, nil),
	}
}

func (c *BusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.emitted
	ch <- c.delivered
	ch <- c.skipped
	ch <- c.failures
}

func (c *BusCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.bus.Stats()
	ch <- prometheus.MustNewConstMetric(c.emitted, prometheus.CounterValue, float64(stats.Emitted))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(stats.Delivered))
	ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(stats.Skipped))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.HandlerFailures))
}
