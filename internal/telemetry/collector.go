// Package telemetry is the process-wide observability hub: a bounded feed
// of recent enriched snapshots, aggregate alert and trade statistics,
// named counters, per-stage latency percentiles, and the Prometheus
// registry. Sessions write into it; the aggregate HTTP read surface and
// /metrics read out of it.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/ring"
	"github.com/lobscope/lobscope/internal/telemetry/latency"
)

// Counter names used across the runtime.
const (
	CounterSnapshots      = "snapshots_processed"
	CounterSkipped        = "snapshots_skipped"
	CounterQueueFull      = "queue_full"
	CounterBackpressure   = "queue_backpressure"
	CounterSendFailures   = "broadcast_send_failures"
	CounterValidationFail = "validation_failures"
	CounterPrimaryCalls   = "primary_engine_calls"
	CounterPrimaryErrors  = "primary_engine_errors"
)

// Drop reasons label the queue_drops Prometheus series.
const (
	DropIngestFull   = "ingest_full"
	DropOutboundFull = "outbound_full"
	DropClientFull   = "client_full"
)

const (
	snapshotFeed = 100
	alertFeed    = 1000
	perTypeFeed  = 100
	tradeFeed    = 500
)

// TimedAlert is an alert as seen process-wide, stamped with its session.
type TimedAlert struct {
	Timestamp time.Time  `json:"timestamp"`
	SessionID string     `json:"session_id"`
	Alert     book.Alert `json:"alert"`
}

// Collector aggregates across sessions. All methods are safe for
// concurrent use.
type Collector struct {
	started time.Time
	reg     *Registry
	Latency *latency.Tracker

	mu        sync.RWMutex
	latest    *book.EnrichedSnapshot
	snapshots *ring.Ring[*book.EnrichedSnapshot]
	alerts    *ring.Ring[TimedAlert]
	byType    map[string]*ring.Ring[TimedAlert]
	trades    *ring.Ring[book.Trade]

	alertCounts map[string]uint64
	sideCounts  map[string]uint64

	counters sync.Map // name -> *atomic.Uint64
}

// NewCollector returns an empty collector wired to the given Prometheus
// registry (nil disables exposition, used in tests).
func NewCollector(reg *Registry) *Collector {
	return &Collector{
		started:     time.Now(),
		reg:         reg,
		Latency:     latency.NewTracker(),
		snapshots:   ring.New[*book.EnrichedSnapshot](snapshotFeed),
		alerts:      ring.New[TimedAlert](alertFeed),
		byType:      make(map[string]*ring.Ring[TimedAlert]),
		trades:      ring.New[book.Trade](tradeFeed),
		alertCounts: make(map[string]uint64),
		sideCounts:  make(map[string]uint64),
	}
}

// RecordEnriched ingests one processed snapshot with its alerts and trade
// classification.
func (c *Collector) RecordEnriched(sessionID string, e *book.EnrichedSnapshot) {
	c.Add(CounterSnapshots, 1)
	if c.reg != nil {
		c.reg.SnapshotsProcessed.WithLabelValues(e.Engine).Inc()
		c.reg.ProcessingTime.Observe(e.ProcessingMs / 1000)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest = e
	c.snapshots.Push(e)

	for _, a := range e.Anomalies {
		ta := TimedAlert{Timestamp: e.Timestamp, SessionID: sessionID, Alert: a}
		c.alerts.Push(ta)
		c.alertCounts[a.Type]++
		r := c.byType[a.Type]
		if r == nil {
			r = ring.New[TimedAlert](perTypeFeed)
			c.byType[a.Type] = r
		}
		r.Push(ta)
		if c.reg != nil {
			c.reg.AlertsTotal.WithLabelValues(a.Type, string(a.Severity)).Inc()
		}
	}

	if e.TradeClassified {
		c.sideCounts[e.TradeSide]++
		c.trades.Push(book.Trade{
			Timestamp:       e.Timestamp,
			Price:           e.LastTradePrice,
			Volume:          e.TradeVolume,
			Side:            e.TradeSide,
			EffectiveSpread: e.EffectiveSpread,
			RealizedSpread:  e.RealizedSpread,
			MidPrice:        e.MidPrice,
		})
	}
}

// Drop counts a snapshot lost at a bounded queue under both the named
// counter and the per-reason Prometheus series.
func (c *Collector) Drop(reason, counter string) {
	c.Add(counter, 1)
	if c.reg != nil {
		c.reg.QueueDrops.WithLabelValues(reason).Inc()
	}
}

// SetQueueDepth publishes a session's current ingest queue depth.
func (c *Collector) SetQueueDepth(sessionID string, depth int) {
	if c.reg != nil {
		c.reg.IngestQueueDepth.WithLabelValues(sessionID).Set(float64(depth))
	}
}

// ForgetSession removes the per-session gauge series after teardown.
func (c *Collector) ForgetSession(sessionID string) {
	if c.reg != nil {
		c.reg.IngestQueueDepth.DeleteLabelValues(sessionID)
	}
}

// SetActiveSessions publishes the live session count.
func (c *Collector) SetActiveSessions(n int) {
	if c.reg != nil {
		c.reg.ActiveSessions.Set(float64(n))
	}
}

// Add increments a named counter.
func (c *Collector) Add(name string, delta uint64) {
	v, _ := c.counters.LoadOrStore(name, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(delta)
}

// Counter reads one named counter.
func (c *Collector) Counter(name string) uint64 {
	if v, ok := c.counters.Load(name); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// Counters snapshots every named counter.
func (c *Collector) Counters() map[string]uint64 {
	out := make(map[string]uint64)
	c.counters.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// Latest returns the most recent enriched snapshot, nil before the first.
func (c *Collector) Latest() *book.EnrichedSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Recent returns up to limit recent enriched snapshots, oldest first.
func (c *Collector) Recent(limit int) []*book.EnrichedSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vals := c.snapshots.Values()
	if limit > 0 && len(vals) > limit {
		vals = vals[len(vals)-limit:]
	}
	return vals
}

// AlertHistory returns up to limit recent alerts across all sessions.
func (c *Collector) AlertHistory(limit int) []TimedAlert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vals := c.alerts.Values()
	if limit > 0 && len(vals) > limit {
		vals = vals[len(vals)-limit:]
	}
	return vals
}

// AlertsByType returns the recent feed for one alert type.
func (c *Collector) AlertsByType(alertType string) []TimedAlert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.byType[alertType]; ok {
		return r.Values()
	}
	return nil
}

// AlertStats returns cumulative per-type counts.
func (c *Collector) AlertStats() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.alertCounts))
	for k, v := range c.alertCounts {
		out[k] = v
	}
	return out
}

// TradeStats summarizes the classified-trade feed.
type TradeStats struct {
	Total        uint64            `json:"total"`
	BySide       map[string]uint64 `json:"by_side"`
	BuyRatio     float64           `json:"buy_ratio"`
	LatestVPIN   float64           `json:"latest_vpin"`
	AvgEffective float64           `json:"avg_effective_spread"`
	AvgRealized  float64           `json:"avg_realized_spread"`
}

// Trades returns up to limit recent classified trades, oldest first.
func (c *Collector) Trades(limit int) []book.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vals := c.trades.Values()
	if limit > 0 && len(vals) > limit {
		vals = vals[len(vals)-limit:]
	}
	return vals
}

// TradeStats computes aggregate trade classification statistics.
func (c *Collector) TradeStats() TradeStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := TradeStats{BySide: make(map[string]uint64, len(c.sideCounts))}
	for side, n := range c.sideCounts {
		stats.BySide[side] = n
		stats.Total += n
	}
	if classified := stats.BySide["buy"] + stats.BySide["sell"]; classified > 0 {
		stats.BuyRatio = float64(stats.BySide["buy"]) / float64(classified)
	}
	if c.latest != nil {
		stats.LatestVPIN = c.latest.VPIN
	}

	trades := c.trades.Values()
	if len(trades) > 0 {
		var eff, real float64
		for _, t := range trades {
			eff += t.EffectiveSpread
			real += t.RealizedSpread
		}
		stats.AvgEffective = eff / float64(len(trades))
		stats.AvgRealized = real / float64(len(trades))
	}
	return stats
}

// Uptime reports how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.started)
}
