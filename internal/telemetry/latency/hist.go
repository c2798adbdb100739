// Package latency tracks per-stage processing latency with rolling-window
// percentile histograms.
package latency

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage identifies a pipeline stage for latency tracking.
type Stage string

const (
	StageProcess   Stage = "process"   // analytics worker per-tick time
	StagePrimary   Stage = "primary"   // primary engine round trip
	StageBroadcast Stage = "broadcast" // outbound queue to client send
)

// Histogram is a thread-safe rolling window of latency samples with
// percentile readout.
type Histogram struct {
	mu      sync.RWMutex
	samples []float64 // milliseconds
	next    int
	full    bool
	stage   Stage
}

// NewHistogram creates a histogram with the given rolling-window size.
func NewHistogram(stage Stage, size int) *Histogram {
	if size <= 0 {
		size = 1000
	}
	return &Histogram{samples: make([]float64, size), stage: stage}
}

// Record adds one latency measurement.
func (h *Histogram) Record(d time.Duration) {
	ms := float64(d.Nanoseconds()) / 1e6
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.next] = ms
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
}

// Percentile returns the p-th percentile (0..1) with linear interpolation.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.size()
	if n == 0 {
		return 0
	}
	values := make([]float64, n)
	copy(values, h.samples[:n])
	sort.Float64s(values)

	idx := p * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return values[lo]
	}
	w := idx - float64(lo)
	return values[lo]*(1-w) + values[hi]*w
}

// Count returns how many samples the window currently holds.
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size()
}

func (h *Histogram) size() int {
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// Metrics is the percentile summary for one stage.
type Metrics struct {
	Stage Stage   `json:"stage"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

// Metrics returns the current summary.
func (h *Histogram) Metrics() Metrics {
	return Metrics{
		Stage: h.stage,
		P50:   h.Percentile(0.50),
		P95:   h.Percentile(0.95),
		P99:   h.Percentile(0.99),
		Count: h.Count(),
	}
}

// Tracker manages one histogram per pipeline stage.
type Tracker struct {
	mu         sync.RWMutex
	histograms map[Stage]*Histogram
}

// NewTracker creates a tracker with histograms for the known stages.
func NewTracker() *Tracker {
	t := &Tracker{histograms: make(map[Stage]*Histogram)}
	for _, stage := range []Stage{StageProcess, StagePrimary, StageBroadcast} {
		t.histograms[stage] = NewHistogram(stage, 1000)
	}
	return t
}

// Record adds a measurement for the given stage, creating the histogram on
// first use of an unknown stage.
func (t *Tracker) Record(stage Stage, d time.Duration) {
	t.mu.RLock()
	h, ok := t.histograms[stage]
	t.mu.RUnlock()
	if !ok {
		t.mu.Lock()
		if h, ok = t.histograms[stage]; !ok {
			h = NewHistogram(stage, 1000)
			t.histograms[stage] = h
		}
		t.mu.Unlock()
	}
	h.Record(d)
}

// All returns summaries for every tracked stage.
func (t *Tracker) All() map[Stage]Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Stage]Metrics, len(t.histograms))
	for stage, h := range t.histograms {
		out[stage] = h.Metrics()
	}
	return out
}
