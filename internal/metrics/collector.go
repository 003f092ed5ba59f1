// Package metrics is a small Prometheus-text collector for the bridge's
// counters, gauges and latency histograms.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates metrics and renders them in exposition format.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

type meta struct {
	name   string
	help   string
	labels string // rendered label set, e.g. `outcome="done"`
}

func (m meta) series(suffix string) string {
	if m.labels == "" {
		return m.name + suffix
	}
	return m.name + suffix + "{" + m.labels + "}"
}

// Counter only goes up.
type Counter struct {
	meta
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	meta
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks a distribution over fixed buckets.
type Histogram struct {
	meta
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Counter returns the counter for name and labels, creating it on first use.
func (c *Collector) Counter(name, help, labels string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := name + "{" + labels + "}"
	if ctr, ok := c.counters[key]; ok {
		return ctr
	}
	ctr := &Counter{meta: meta{name, help, labels}}
	c.counters[key] = ctr
	return ctr
}

func (c *Collector) Gauge(name, help, labels string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := name + "{" + labels + "}"
	if g, ok := c.gauges[key]; ok {
		return g
	}
	g := &Gauge{meta: meta{name, help, labels}}
	c.gauges[key] = g
	return g
}

func (c *Collector) Histogram(name, help string, bounds []float64) *Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[name]; ok {
		return h
	}
	bounds = append([]float64(nil), bounds...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	h := &Histogram{meta: meta{name: name, help: help}, bounds: bounds, buckets: make([]int64, len(bounds))}
	c.histograms[name] = h
	return h
}

// Handler renders every metric in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// Render returns the exposition text, series sorted by name and labels.
func (c *Collector) Render() string {
	c.mu.Lock()
	counters := sortedValues(c.counters)
	gauges := sortedValues(c.gauges)
	histograms := sortedValues(c.histograms)
	c.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP wabridge_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE wabridge_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "wabridge_uptime_seconds %d\n", int64(time.Since(c.startTime).Seconds()))

	seen := make(map[string]bool)
	header := func(m meta, kind string) {
		if seen[m.name] {
			return
		}
		seen[m.name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", m.name, m.help, m.name, kind)
	}

	for _, ctr := range counters {
		header(ctr.meta, "counter")
		fmt.Fprintf(&sb, "%s %d\n", ctr.series(""), ctr.Value())
	}
	for _, g := range gauges {
		header(g.meta, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", g.series(""), g.Value())
	}
	for _, h := range histograms {
		header(h.meta, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{le=\"%s\"} %d\n", h.name, bound, h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s_count %d\n", h.name, h.count)
		fmt.Fprintf(&sb, "%s_sum %f\n", h.name, h.sum)
		h.mu.Unlock()
	}
	return sb.String()
}

func sortedValues[T any](m map[string]*T) []*T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*T, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
