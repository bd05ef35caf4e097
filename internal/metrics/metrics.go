// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the gatekeeper's connection counters, rule
// evaluation latency, and worker-pool occupancy as Prometheus
// collectors, for the optional /metrics HTTP surface.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the process-wide Prometheus collectors the
// dispatcher updates as it runs. It satisfies dispatch.Metrics.
type Collector struct {
	connects   prometheus.Counter
	rejected   *prometheus.CounterVec
	ruleEval   prometheus.Histogram
	threads    prometheus.Gauge
	threadHigh prometheus.Gauge

	highWater int64
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeepd",
			Name:      "connections_total",
			Help:      "Total TCP connections accepted.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeepd",
			Name:      "rejected_total",
			Help:      "Connections rejected, by class.",
		}, []string{"class"}),
		ruleEval: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatekeepd",
			Name:      "rule_eval_seconds",
			Help:      "Time spent evaluating the rule set for one connection.",
			Buckets:   prometheus.DefBuckets,
		}),
		threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeepd",
			Name:      "worker_threads",
			Help:      "Rule-evaluation worker goroutines currently in flight.",
		}),
		threadHigh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeepd",
			Name:      "worker_threads_highwater",
			Help:      "Highest number of rule-evaluation worker goroutines seen at once.",
		}),
	}
	reg.MustRegister(c.connects, c.rejected, c.ruleEval, c.threads, c.threadHigh)
	return c
}

// ObserveRuleEval records how long one rule-set evaluation took.
func (c *Collector) ObserveRuleEval(d time.Duration) {
	c.ruleEval.Observe(d.Seconds())
}

// SetThreadCount records the current worker-pool occupancy, and tracks
// the running high-water mark alongside it.
func (c *Collector) SetThreadCount(n int) {
	c.threads.Set(float64(n))
	for {
		cur := atomic.LoadInt64(&c.highWater)
		if int64(n) <= cur {
			break
		}
		if atomic.CompareAndSwapInt64(&c.highWater, cur, int64(n)) {
			break
		}
	}
	c.threadHigh.Set(float64(atomic.LoadInt64(&c.highWater)))
}

// IncConnects counts one more accepted connection.
func (c *Collector) IncConnects() {
	c.connects.Inc()
}

// IncRejected counts one more connection rejected by class.
func (c *Collector) IncRejected(class string) {
	c.rejected.WithLabelValues(class).Inc()
}
