// Package metrics exposes LatZero's Prometheus surface: in-flight trigger
// gauges, dispatch latency histograms, per-error-code counters, connection
// gauges, and memory-GC counters, behind an isolated
// prometheus/client_golang registry with the standard Go/process
// collectors attached.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultLatencyBuckets covers sub-millisecond dispatch through multi-second
// stragglers, in milliseconds.
var defaultLatencyBuckets = []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Metrics wraps every Prometheus collector LatZero registers.
type Metrics struct {
	registry *prometheus.Registry

	triggersTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	blocksGCTotal     prometheus.Counter
	memoryWritesTotal *prometheus.CounterVec
	rateLimitedTotal  prometheus.Counter

	inFlightTriggers  prometheus.Gauge
	activeConnections prometheus.Gauge
	liveApps          prometheus.Gauge
	uptime            prometheus.GaugeFunc
}

var global *Metrics

// InitPrometheus builds and registers the collector set under namespace.
// Gauges reporting live component state (in-flight triggers, connections,
// app count) start at 0 until the orchestrator polls and calls PollGauges.
func InitPrometheus(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	startedAt := time.Now()

	m := &Metrics{
		registry: registry,

		triggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Total number of trigger messages routed, by trigger name and outcome.",
		}, []string{"trigger", "outcome"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of protocol errors returned, by error code.",
		}, []string{"code"}),

		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_ms",
			Help:      "Time spent routing a trigger and handing it to the destination connection, in milliseconds.",
			Buckets:   defaultLatencyBuckets,
		}),

		blocksGCTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_blocks_gc_total",
			Help:      "Total number of idle memory blocks reclaimed by the GC sweep.",
		}),

		memoryWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Total number of memory block writes, by block type.",
		}, []string{"block_type"}),

		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of connection messages rejected by the rate limiter.",
		}),

		inFlightTriggers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_triggers",
			Help:      "Current number of in-flight trigger records awaiting response.",
		}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of open Transport connections.",
		}),

		liveApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_apps",
			Help:      "Current number of bound (live) app registrations.",
		}),
	}

	m.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the daemon started.",
	}, func() float64 { return time.Since(startedAt).Seconds() })

	registry.MustRegister(
		m.triggersTotal, m.errorsTotal, m.dispatchDuration,
		m.blocksGCTotal, m.memoryWritesTotal, m.rateLimitedTotal,
		m.inFlightTriggers, m.activeConnections, m.liveApps, m.uptime,
	)

	global = m
	return m
}

// GaugeReaders are the live component accessors the orchestrator polls to
// keep the state gauges current.
type GaugeReaders struct {
	InFlightTriggers  func() int
	ActiveConnections func() int
	LiveApps          func() int
}

// PollGauges reads src once and updates the state gauges. The orchestrator
// calls this on a short ticker from its gauge-polling loop.
func PollGauges(src GaugeReaders) {
	if global == nil {
		return
	}
	if src.InFlightTriggers != nil {
		global.inFlightTriggers.Set(float64(src.InFlightTriggers()))
	}
	if src.ActiveConnections != nil {
		global.activeConnections.Set(float64(src.ActiveConnections()))
	}
	if src.LiveApps != nil {
		global.liveApps.Set(float64(src.LiveApps()))
	}
}

// Global returns the process-wide Metrics instance, or nil if
// InitPrometheus was never called.
func Global() *Metrics { return global }

// RecordTrigger records a routed trigger's terminal outcome
// ("dispatched", "timeout", "routing_error", "short_circuit").
func RecordTrigger(trigger, outcome string) {
	if global == nil {
		return
	}
	global.triggersTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordError increments the counter for a wire error code.
func RecordError(code string) {
	if global == nil {
		return
	}
	global.errorsTotal.WithLabelValues(code).Inc()
}

// RecordDispatchDuration observes how long routing and handing off one
// trigger took, in milliseconds; the wait for the response is not included.
func RecordDispatchDuration(ms float64) {
	if global == nil {
		return
	}
	global.dispatchDuration.Observe(ms)
}

// RecordBlockGC increments the reclaimed-idle-block counter by n.
func RecordBlockGC(n int) {
	if global == nil || n <= 0 {
		return
	}
	global.blocksGCTotal.Add(float64(n))
}

// RecordMemoryWrite increments the per-block-type write counter.
func RecordMemoryWrite(blockType string) {
	if global == nil {
		return
	}
	global.memoryWritesTotal.WithLabelValues(blockType).Inc()
}

// RecordRateLimited increments the rejected-by-rate-limiter counter.
func RecordRateLimited() {
	if global == nil {
		return
	}
	global.rateLimitedTotal.Inc()
}

// Handler returns the HTTP handler serving this registry in the Prometheus
// text exposition format.
func Handler() http.Handler {
	if global == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(global.registry, promhttp.HandlerOpts{Registry: global.registry})
}

// Registry returns the underlying Prometheus registry, for tests that want
// to assert on registered collectors.
func Registry() *prometheus.Registry {
	if global == nil {
		return nil
	}
	return global.registry
}
