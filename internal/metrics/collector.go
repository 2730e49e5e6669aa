// Package metrics exposes pool and timeout state to Prometheus. Values are
// read from the monitor and governor at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/timeout"
)

const namespace = "dbguard"

// PoolSource is the pool state read on each scrape.
type PoolSource interface {
	CurrentHealth() poolmon.HealthStatus
	PeakUtilization() float64
}

// TimeoutSource is the timeout state read on each scrape.
type TimeoutSource interface {
	Stats() []timeout.Stat
}

var (
	activeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "active_operations"),
		"Operations currently in flight.", nil, nil)
	idleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "idle_capacity"),
		"Configured connections not used by in-flight operations.", nil, nil)
	maxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "max_connections"),
		"Configured connection ceiling.", nil, nil)
	utilizationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "utilization_percent"),
		"In-flight operations as a percentage of the ceiling.", nil, nil)
	peakDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "peak_utilization_percent"),
		"Highest utilization in the recorded history.", nil, nil)
	leaksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "leak_candidates"),
		"Operations running longer than the leak threshold.", nil, nil)
	statusDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "status"),
		"1 for the current pool health status, 0 otherwise.", []string{"status"}, nil)

	timeoutsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "timeouts", "total"),
		"Deadlines fired, by operation kind.", []string{"kind"}, nil)
	timeoutAvgDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "timeouts", "avg_elapsed_seconds"),
		"Average elapsed time at the moment of timeout.", []string{"kind"}, nil)
	timeoutMaxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "timeouts", "max_elapsed_seconds"),
		"Longest elapsed time at the moment of timeout.", []string{"kind"}, nil)
)

var statuses = []poolmon.Status{poolmon.StatusHealthy, poolmon.StatusWarning, poolmon.StatusCritical}

// Collector implements prometheus.Collector over a monitor and governor.
// It also owns the probe latency histogram fed by the daemon.
type Collector struct {
	pool     PoolSource
	timeouts TimeoutSource
	probes   *prometheus.HistogramVec
}

// NewCollector creates a Collector. Either source may be nil.
func NewCollector(pool PoolSource, timeouts TimeoutSource) *Collector {
	return &Collector{
		pool:     pool,
		timeouts: timeouts,
		probes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Probe query latency by probe and outcome.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"probe", "outcome"}),
	}
}

// ObserveProbe records one probe run. outcome is "ok", "timeout", or
// "error".
func (c *Collector) ObserveProbe(name, outcome string, d time.Duration) {
	c.probes.WithLabelValues(name, outcome).Observe(d.Seconds())
}

// Describe sends the descriptors of every metric the collector emits.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- activeDesc
	ch <- idleDesc
	ch <- maxDesc
	ch <- utilizationDesc
	ch <- peakDesc
	ch <- leaksDesc
	ch <- statusDesc
	ch <- timeoutsDesc
	ch <- timeoutAvgDesc
	ch <- timeoutMaxDesc
	c.probes.Describe(ch)
}

// Collect reads current state and sends it as metrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		h := c.pool.CurrentHealth()
		pm := h.Metrics

		ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, float64(pm.Active))
		ch <- prometheus.MustNewConstMetric(idleDesc, prometheus.GaugeValue, float64(pm.Idle))
		ch <- prometheus.MustNewConstMetric(maxDesc, prometheus.GaugeValue, float64(pm.Max))
		ch <- prometheus.MustNewConstMetric(utilizationDesc, prometheus.GaugeValue, pm.UtilizationPercent)
		ch <- prometheus.MustNewConstMetric(peakDesc, prometheus.GaugeValue, c.pool.PeakUtilization())
		ch <- prometheus.MustNewConstMetric(leaksDesc, prometheus.GaugeValue, float64(h.LeakCount))

		for _, s := range statuses {
			v := 0.0
			if h.Status == s {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(statusDesc, prometheus.GaugeValue, v, string(s))
		}
	}

	if c.timeouts != nil {
		for _, s := range c.timeouts.Stats() {
			ch <- prometheus.MustNewConstMetric(timeoutsDesc, prometheus.CounterValue, float64(s.Count), s.Kind)
			ch <- prometheus.MustNewConstMetric(timeoutAvgDesc, prometheus.GaugeValue, s.AvgDuration.Seconds(), s.Kind)
			ch <- prometheus.MustNewConstMetric(timeoutMaxDesc, prometheus.GaugeValue, s.MaxDuration.Seconds(), s.Kind)
		}
	}

	c.probes.Collect(ch)
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
