// Package metrics exposes the bridge's counters, gauges and histograms in
// the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the registry served by the metrics endpoint.
var Default = NewRegistry()

type kind string

const (
	counterKind   kind = "counter"
	gaugeKind     kind = "gauge"
	histogramKind kind = "histogram"
)

// series is one labelled time series of a family.
type series interface {
	write(w io.Writer, name, labels string)
}

type family struct {
	name   string
	help   string
	kind   kind
	series map[string]series // by label set
}

// Registry holds metric families by name.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	start    time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), start: time.Now()}
}

// lookup returns the series of name with the given labels, creating it
// with mk on first use. One name cannot hold two kinds of metric.
func (r *Registry) lookup(name, help string, k kind, labels string, mk func() series) series {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]series)}
		r.families[name] = f
	} else if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s and %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter returns the counter name{labels}, creating it if needed.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.lookup(name, help, counterKind, labels, func() series { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge name{labels}, creating it if needed.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.lookup(name, help, gaugeKind, labels, func() series { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram name{labels}, creating it with the
// given upper bounds if needed. A +Inf bucket is always implied.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return r.lookup(name, help, histogramKind, labels, func() series {
		b := slices.Clone(bounds)
		sort.Float64s(b)
		return &Histogram{bounds: b, counts: make([]int64, len(b))}
	}).(*Histogram)
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc() { c.v.Add(1) }
func (c *Counter) Value() int64 { return c.v.Load() }

func (c *Counter) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels), c.Value())
}

// Gauge is a value that goes up and down.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(v int64) { g.v.Store(v) }
func (g *Gauge) Inc() { g.v.Add(1) }
func (g *Gauge) Dec() { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels), g.Value())
}

// Histogram counts observations into buckets by upper bound.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64 // per bucket, not cumulative
	count  int64
	sum    float64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
	h.count++
	h.sum += v
}

func (h *Histogram) write(w io.Writer, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	var cum int64
	for i, b := range h.bounds {
		cum += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", name, prefix, formatFloat(b), cum)
	}
	fmt.Fprintf(w, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.count)
	fmt.Fprintf(w, "%s %d\n", seriesName(name+"_count", labels), h.count)
	fmt.Fprintf(w, "%s %s\n", seriesName(name+"_sum", labels), formatFloat(h.sum))
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Expose writes the uptime and every family, both sorted by name and
// label set so scrapes are stable.
func (r *Registry) Expose(w io.Writer) {
	fmt.Fprintf(w, "# HELP wxbridge_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE wxbridge_uptime_seconds gauge\n")
	fmt.Fprintf(w, "wxbridge_uptime_seconds %d\n", int64(time.Since(r.start).Seconds()))

	type entry struct {
		labels string
		s      series
	}
	type snapshot struct {
		f       *family
		entries []entry
	}
	r.mu.Lock()
	snaps := make([]snapshot, 0, len(r.families))
	for _, f := range r.families {
		sn := snapshot{f: f}
		for l, s := range f.series {
			sn.entries = append(sn.entries, entry{l, s})
		}
		snaps = append(snaps, sn)
	}
	r.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].f.name < snaps[j].f.name })
	for _, sn := range snaps {
		sort.Slice(sn.entries, func(i, j int) bool { return sn.entries[i].labels < sn.entries[j].labels })
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", sn.f.name, sn.f.help, sn.f.name, sn.f.kind)
		for _, e := range sn.entries {
			e.s.write(w, sn.f.name, e.labels)
		}
	}
}

// Render returns the exposition text.
func (r *Registry) Render() string {
	var sb strings.Builder
	r.Expose(&sb)
	return sb.String()
}

// Handler serves the exposition text.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.Expose(w)
	}
}
