// Prometheus text-format metrics
//
// Counter, Gauge and Histogram families keyed by label set, plus a Registry
// that renders them in registration order. Series within a family are
// written sorted by label key so scrapes are stable.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

// Key returns a canonical key for the label set.
func (l Labels) Key() string {
	return l.render(false)
}

// String returns labels in Prometheus exposition format.
func (l Labels) String() string {
	return l.render(true)
}

// With returns a copy of l with key set to value.
func (l Labels) With(key, value string) Labels {
	out := l.clone()
	out[key] = value
	return out
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) render(quoted bool) string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	if quoted {
		sb.WriteByte('{')
	}
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		if quoted {
			sb.WriteString(strconv.Quote(l[k]))
		} else {
			sb.WriteString(l[k])
		}
	}
	if quoted {
		sb.WriteByte('}')
	}
	return sb.String()
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// family holds one value per label set.
type family[V any] struct {
	name   string
	help   string
	kind   MetricType
	mu     sync.RWMutex
	series map[string]*V
	labels map[string]Labels
	init   func() *V
}

func newFamily[V any](name, help string, kind MetricType, init func() *V) family[V] {
	return family[V]{
		name:   name,
		help:   help,
		kind:   kind,
		series: make(map[string]*V),
		labels: make(map[string]Labels),
		init:   init,
	}
}

func (f *family[V]) Name() string     { return f.name }
func (f *family[V]) Help() string     { return f.help }
func (f *family[V]) Type() MetricType { return f.kind }

func (f *family[V]) get(labels Labels) *V {
	key := labels.Key()
	f.mu.RLock()
	v, ok := f.series[key]
	f.mu.RUnlock()
	if ok {
		return v
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.series[key]; ok {
		return v
	}
	v = f.init()
	f.series[key] = v
	f.labels[key] = labels.clone()
	return v
}

func (f *family[V]) lookup(labels Labels) (*V, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.series[labels.Key()]
	return v, ok
}

// each visits every series sorted by label key.
func (f *family[V]) each(fn func(labels Labels, v *V)) {
	f.mu.RLock()
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	f.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		f.mu.RLock()
		v, labels := f.series[k], f.labels[k]
		f.mu.RUnlock()
		fn(labels, v)
	}
}

func (f *family[V]) writeHeader(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
}

// Counter is a monotonically increasing metric
type Counter struct {
	family[atomic.Uint64]
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	return &Counter{newFamily(name, help, TypeCounter, func() *atomic.Uint64 { return new(atomic.Uint64) })}
}

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add increments the counter by delta.
func (c *Counter) Add(labels Labels, delta uint64) {
	c.get(labels).Add(delta)
}

// Sync raises the counter to total. Used to mirror an external monotonic
// count; a lower total is ignored.
func (c *Counter) Sync(labels Labels, total uint64) {
	v := c.get(labels)
	for {
		cur := v.Load()
		if total <= cur || v.CompareAndSwap(cur, total) {
			return
		}
	}
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	if v, ok := c.lookup(labels); ok {
		return v.Load()
	}
	return 0
}

func (c *Counter) Write(sb *strings.Builder) {
	c.writeHeader(sb)
	c.each(func(labels Labels, v *atomic.Uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, labels, v.Load())
	})
}

type gaugeValue struct {
	mu    sync.Mutex
	value float64
}

// Gauge is a metric that can go up and down
type Gauge struct {
	family[gaugeValue]
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	return &Gauge{newFamily(name, help, TypeGauge, func() *gaugeValue { return new(gaugeValue) })}
}

// Set sets the gauge to the given value
func (g *Gauge) Set(labels Labels, value float64) {
	gv := g.get(labels)
	gv.mu.Lock()
	gv.value = value
	gv.mu.Unlock()
}

// SetBool sets the gauge to 1 or 0.
func (g *Gauge) SetBool(labels Labels, b bool) {
	if b {
		g.Set(labels, 1)
	} else {
		g.Set(labels, 0)
	}
}

// Add adds delta to the gauge.
func (g *Gauge) Add(labels Labels, delta float64) {
	gv := g.get(labels)
	gv.mu.Lock()
	gv.value += delta
	gv.mu.Unlock()
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	gv, ok := g.lookup(labels)
	if !ok {
		return 0
	}
	gv.mu.Lock()
	defer gv.mu.Unlock()
	return gv.value
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.writeHeader(sb)
	g.each(func(labels Labels, gv *gaugeValue) {
		gv.mu.Lock()
		v := gv.value
		gv.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, labels, formatFloat(v))
	})
}

type histogramValue struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	buckets []uint64
}

// Histogram tracks the distribution of observations
type Histogram struct {
	family[histogramValue]
	bounds []float64
}

// NewHistogram creates a histogram with the given upper bounds.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	h := &Histogram{bounds: bounds}
	h.family = newFamily(name, help, TypeHistogram, func() *histogramValue {
		return &histogramValue{buckets: make([]uint64, len(bounds))}
	})
	return h
}

// DefaultBuckets returns default histogram buckets for latency metrics
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// LinearBuckets creates count buckets starting at start with width intervals
func LinearBuckets(start, width float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start + float64(i)*width
	}
	return buckets
}

// ExponentialBuckets creates count buckets starting at start with factor multiplier
func ExponentialBuckets(start, factor float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

// Observe records a value in the histogram. Bucket counts are stored
// per-bucket and accumulated on output.
func (h *Histogram) Observe(labels Labels, value float64) {
	hv := h.get(labels)
	hv.mu.Lock()
	hv.count++
	hv.sum += value
	if i := sort.SearchFloat64s(h.bounds, value); i < len(h.bounds) {
		hv.buckets[i]++
	}
	hv.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(labels Labels, d time.Duration) {
	h.Observe(labels, d.Seconds())
}

// Timer returns a function that records the elapsed time when called
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() {
		h.ObserveDuration(labels, time.Since(start))
	}
}

// HistogramSnapshot is a point-in-time copy of one series. Buckets hold
// cumulative counts keyed by upper bound.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

func (h *Histogram) snapshot(hv *histogramValue) HistogramSnapshot {
	hv.mu.Lock()
	defer hv.mu.Unlock()
	snap := HistogramSnapshot{Count: hv.count, Sum: hv.sum, Buckets: make(map[float64]uint64, len(h.bounds))}
	var cumulative uint64
	for i, bound := range h.bounds {
		cumulative += hv.buckets[i]
		snap.Buckets[bound] = cumulative
	}
	return snap
}

// GetSnapshot returns a snapshot of histogram values for the given labels
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	hv, ok := h.lookup(labels)
	if !ok {
		return HistogramSnapshot{Buckets: make(map[float64]uint64)}
	}
	return h.snapshot(hv)
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.writeHeader(sb)
	h.each(func(labels Labels, hv *histogramValue) {
		snap := h.snapshot(hv)
		for _, bound := range h.bounds {
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, labels.With("le", formatFloat(bound)), snap.Buckets[bound])
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, labels.With("le", "+Inf"), snap.Count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, labels, formatFloat(snap.Sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, labels, snap.Count)
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Registry holds all registered metrics
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds metrics and panics on error
func (r *Registry) MustRegister(metrics ...Metric) {
	for _, m := range metrics {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather collects all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
