// Package metrics exposes Prometheus counters for the scheduler, runner and watchdog.
//
// Every Record/Set method is safe on a nil *Collector so components can run
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sleepless"

// Collector holds the daemon's metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	ticks         prometheus.Counter
	ticksSkipped  prometheus.Counter
	tickDuration  prometheus.Histogram
	admitted      prometheus.Counter
	resumed       prometheus.Counter
	paused        *prometheus.CounterVec
	finished      *prometheus.CounterVec
	inFlight      prometheus.Gauge
	usagePct      prometheus.Gauge
	thresholdPct  prometheus.Gauge
	capacityEdges *prometheus.CounterVec
	healthChecks  *prometheus.CounterVec
	restarts      *prometheus.CounterVec
}

// NewCollector creates a collector registered on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Total number of scheduler ticks executed",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_admitted_total",
			Help:      "Queued tasks admitted to running",
		}),
		resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_resumed_total",
			Help:      "Paused tasks resumed to running",
		}),
		paused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_paused_total",
			Help:      "Tasks paused, by reason",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal state, by status",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently dispatched to the executor",
		}),
		usagePct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_percent",
			Help:      "Uncapped usage as a percentage of budget",
		}),
		thresholdPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_threshold_percent",
			Help:      "Admission threshold in effect",
		}),
		capacityEdges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_edges_total",
			Help:      "Capacity threshold crossings, by direction",
		}, []string{"direction"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_health_checks_total",
			Help:      "Watchdog health checks, by result",
		}, []string{"result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_restarts_total",
			Help:      "Daemon restarts, by trigger",
		}, []string{"trigger"}),
	}

	c.registry.MustRegister(
		c.ticks, c.ticksSkipped, c.tickDuration,
		c.admitted, c.resumed, c.paused, c.finished, c.inFlight,
		c.usagePct, c.thresholdPct, c.capacityEdges,
		c.healthChecks, c.restarts,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTick records one completed scheduler tick.
func (c *Collector) RecordTick(seconds float64) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickDuration.Observe(seconds)
}

func (c *Collector) RecordTickSkipped() {
	if c == nil {
		return
	}
	c.ticksSkipped.Inc()
}

func (c *Collector) RecordAdmitted() {
	if c == nil {
		return
	}
	c.admitted.Inc()
}

func (c *Collector) RecordResumed() {
	if c == nil {
		return
	}
	c.resumed.Inc()
}

// RecordPaused counts a pause with the given reason.
func (c *Collector) RecordPaused(reason string) {
	if c == nil {
		return
	}
	c.paused.WithLabelValues(reason).Inc()
}

// RecordFinished counts a task reaching a terminal status.
func (c *Collector) RecordFinished(status string) {
	if c == nil {
		return
	}
	c.finished.WithLabelValues(status).Inc()
}

func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// SetCapacity publishes the latest usage and threshold percentages.
func (c *Collector) SetCapacity(usagePct, thresholdPct float64) {
	if c == nil {
		return
	}
	c.usagePct.Set(usagePct)
	c.thresholdPct.Set(thresholdPct)
}

// RecordCapacityEdge counts a rising or falling threshold crossing.
func (c *Collector) RecordCapacityEdge(direction string) {
	if c == nil {
		return
	}
	c.capacityEdges.WithLabelValues(direction).Inc()
}

// RecordHealthCheck counts a watchdog probe.
func (c *Collector) RecordHealthCheck(passed bool) {
	if c == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	c.healthChecks.WithLabelValues(result).Inc()
}

// RecordRestart counts a daemon restart.
func (c *Collector) RecordRestart(byWatchdog bool) {
	if c == nil {
		return
	}
	trigger := "exit"
	if byWatchdog {
		trigger = "watchdog"
	}
	c.restarts.WithLabelValues(trigger).Inc()
}
