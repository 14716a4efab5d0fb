// Package metrics provides Prometheus-format metrics for the discovery engine
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics holds all application metrics
type Metrics struct {
	// Counters, labelled by outcome (ok, error, timeout).
	Puts       *CounterVec
	Gets       *CounterVec
	Removes    *CounterVec
	Scrapes    *CounterVec
	LookupRPCs *CounterVec

	// Operations deferred to a later tick because a concurrency cap was hit.
	Deferred *CounterVec // labels: put, get, remove, scrape

	// Results pushed to downloads.
	AnnounceResults *Counter
	ScrapeResults   *Counter
	PeersFound      *Counter

	// Registration decisions, labelled by kind.
	Decisions *CounterVec

	// Gauges
	RegisteredFull    *Gauge
	RegisteredDerived *Gauge
	ActiveGets        *Gauge
	ActivePuts        *Gauge
	ActiveLookups     *Gauge
	RoutingTableSize  *Gauge
	DHTSleeping       *Gauge

	// Histograms
	AnnounceDuration *HistogramVec // labels: full, derived
	LookupDuration   *Histogram
}

// Counter is a simple counter metric
type Counter struct {
	value int64
	mu    sync.Mutex
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
}

// Add adds the given value to the counter.
func (c *Counter) Add(v int64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// CounterVec is a counter with labels for multi-dimensional metrics.
type CounterVec struct {
	counters map[string]*Counter
	mu       sync.RWMutex
}

// NewCounterVec creates a new labeled counter vector.
func NewCounterVec() *CounterVec {
	return &CounterVec{
		counters: make(map[string]*Counter),
	}
}

// WithLabel returns the counter for the given label, creating it if needed.
func (cv *CounterVec) WithLabel(label string) *Counter {
	cv.mu.RLock()
	c, ok := cv.counters[label]
	cv.mu.RUnlock()
	if ok {
		return c
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()
	if c, ok := cv.counters[label]; ok {
		return c
	}
	c = &Counter{}
	cv.counters[label] = c
	return c
}

// Values returns all label-value pairs in the counter vector.
func (cv *CounterVec) Values() map[string]int64 {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	result := make(map[string]int64, len(cv.counters))
	for k, v := range cv.counters {
		result[k] = v.Value()
	}
	return result
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	value float64
	mu    sync.Mutex
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// SetBool sets the gauge to 1 or 0.
func (g *Gauge) SetBool(b bool) {
	if b {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.Add(-1)
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Histogram tracks distribution of values across buckets.
type Histogram struct {
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
	mu      sync.Mutex
}

// NewHistogram creates a new histogram with the given bucket boundaries.
func NewHistogram(buckets []float64) *Histogram {
	return &Histogram{
		buckets: buckets,
		counts:  make([]int64, len(buckets)+1),
	}
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

// Stats returns the current histogram statistics.
func (h *Histogram) Stats() (count int64, sum float64, buckets []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucketsCopy := make([]int64, len(h.counts))
	copy(bucketsCopy, h.counts)
	return h.count, h.sum, bucketsCopy
}

// HistogramVec is a histogram with labels for multi-dimensional metrics.
type HistogramVec struct {
	histograms map[string]*Histogram
	buckets    []float64
	mu         sync.RWMutex
}

// NewHistogramVec creates a new labeled histogram vector.
func NewHistogramVec(buckets []float64) *HistogramVec {
	return &HistogramVec{
		histograms: make(map[string]*Histogram),
		buckets:    buckets,
	}
}

// WithLabel returns the histogram for the given label, creating it if needed.
func (hv *HistogramVec) WithLabel(label string) *Histogram {
	hv.mu.Lock()
	defer hv.mu.Unlock()
	if h, ok := hv.histograms[label]; ok {
		return h
	}
	h := NewHistogram(hv.buckets)
	hv.histograms[label] = h
	return h
}

func (hv *HistogramVec) snapshot() map[string]*Histogram {
	hv.mu.RLock()
	defer hv.mu.RUnlock()
	out := make(map[string]*Histogram, len(hv.histograms))
	for k, v := range hv.histograms {
		out[k] = v
	}
	return out
}

// DHTDurationBuckets cover single RPCs up to full announce timeouts.
var DHTDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		Puts:       NewCounterVec(),
		Gets:       NewCounterVec(),
		Removes:    NewCounterVec(),
		Scrapes:    NewCounterVec(),
		LookupRPCs: NewCounterVec(),
		Deferred:   NewCounterVec(),

		AnnounceResults: &Counter{},
		ScrapeResults:   &Counter{},
		PeersFound:      &Counter{},
		Decisions:       NewCounterVec(),

		RegisteredFull:    &Gauge{},
		RegisteredDerived: &Gauge{},
		ActiveGets:        &Gauge{},
		ActivePuts:        &Gauge{},
		ActiveLookups:     &Gauge{},
		RoutingTableSize:  &Gauge{},
		DHTSleeping:       &Gauge{},

		AnnounceDuration: NewHistogramVec(DHTDurationBuckets),
		LookupDuration:   NewHistogram(DHTDurationBuckets),
	}
}

// Handler returns an HTTP handler for Prometheus metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		writeCounterVec(w, "trackerless_dht_puts_total", "result", m.Puts)
		writeCounterVec(w, "trackerless_dht_gets_total", "result", m.Gets)
		writeCounterVec(w, "trackerless_dht_removes_total", "result", m.Removes)
		writeCounterVec(w, "trackerless_scrapes_total", "result", m.Scrapes)
		writeCounterVec(w, "trackerless_lookup_rpcs_total", "result", m.LookupRPCs)
		writeCounterVec(w, "trackerless_deferred_total", "op", m.Deferred)
		writeCounterVec(w, "trackerless_decisions_total", "kind", m.Decisions)

		writeCounter(w, "trackerless_announce_results_total", m.AnnounceResults.Value())
		writeCounter(w, "trackerless_scrape_results_total", m.ScrapeResults.Value())
		writeCounter(w, "trackerless_peers_found_total", m.PeersFound.Value())

		writeGauge(w, "trackerless_registered_full", m.RegisteredFull.Value())
		writeGauge(w, "trackerless_registered_derived", m.RegisteredDerived.Value())
		writeGauge(w, "trackerless_active_gets", m.ActiveGets.Value())
		writeGauge(w, "trackerless_active_puts", m.ActivePuts.Value())
		writeGauge(w, "trackerless_active_lookups", m.ActiveLookups.Value())
		writeGauge(w, "trackerless_routing_table_size", m.RoutingTableSize.Value())
		writeGauge(w, "trackerless_dht_sleeping", m.DHTSleeping.Value())

		hists := m.AnnounceDuration.snapshot()
		for _, label := range sortedKeys(hists) {
			writeHistogram(w, "trackerless_announce_seconds", "kind", label, hists[label])
		}
		writeHistogram(w, "trackerless_lookup_seconds", "", "", m.LookupDuration)
	})
}

func writeCounter(w http.ResponseWriter, name string, value int64) {
	_, _ = w.Write([]byte("# TYPE " + name + " counter\n"))
	_, _ = w.Write([]byte(name + " " + strconv.FormatInt(value, 10) + "\n"))
}

func writeCounterVec(w http.ResponseWriter, name, labelName string, cv *CounterVec) {
	values := cv.Values()
	if len(values) == 0 {
		return
	}
	_, _ = w.Write([]byte("# TYPE " + name + " counter\n"))
	for _, label := range sortedKeys(values) {
		_, _ = w.Write([]byte(name + "{" + labelName + "=\"" + label + "\"} " + strconv.FormatInt(values[label], 10) + "\n"))
	}
}

func writeGauge(w http.ResponseWriter, name string, value float64) {
	_, _ = w.Write([]byte("# TYPE " + name + " gauge\n"))
	_, _ = w.Write([]byte(name + " " + ftoa(value) + "\n"))
}

func writeHistogram(w http.ResponseWriter, name, labelName, labelValue string, h *Histogram) {
	count, sum, buckets := h.Stats()
	_, _ = w.Write([]byte("# TYPE " + name + " histogram\n"))

	label := ""
	if labelName != "" {
		label = labelName + "=\"" + labelValue + "\","
	}
	cumulative := int64(0)
	for i, b := range h.buckets {
		cumulative += buckets[i]
		_, _ = w.Write([]byte(name + "_bucket{" + label + "le=\"" + ftoa(b) + "\"} " + strconv.FormatInt(cumulative, 10) + "\n"))
	}
	cumulative += buckets[len(buckets)-1]
	_, _ = w.Write([]byte(name + "_bucket{" + label + "le=\"+Inf\"} " + strconv.FormatInt(cumulative, 10) + "\n"))

	suffix := ""
	if labelName != "" {
		suffix = "{" + labelName + "=\"" + labelValue + "\"}"
	}
	_, _ = w.Write([]byte(name + "_sum" + suffix + " " + ftoa(sum) + "\n"))
	_, _ = w.Write([]byte(name + "_count" + suffix + " " + strconv.FormatInt(count, 10) + "\n"))
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
	h     *Histogram
}

// NewTimer creates a new timer that will observe to the given histogram
func NewTimer(h *Histogram) *Timer {
	return &Timer{
		start: time.Now(),
		h:     h,
	}
}

// ObserveDuration records the elapsed time
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	if t.h != nil {
		t.h.Observe(d.Seconds())
	}
	return d
}
