package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobscope/lobscope/internal/book"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.Gauge.GetValue()
}

func enrichedAt(ts time.Time) *book.EnrichedSnapshot {
	return &book.EnrichedSnapshot{
		Snapshot: book.Snapshot{Timestamp: ts, MidPrice: 100},
		Spread:   0.1,
		VPIN:     0.12,
		Engine:   "secondary",
	}
}

func TestRecordEnrichedFeedsLatestAndRecent(t *testing.T) {
	c := NewCollector(nil)
	assert.Nil(t, c.Latest())

	ts := time.Date(2025, 12, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		c.RecordEnriched("s1", enrichedAt(ts.Add(time.Duration(i)*time.Second)))
	}

	latest := c.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, ts.Add(4*time.Second), latest.Timestamp)

	recent := c.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, ts.Add(2*time.Second), recent[0].Timestamp, "oldest first")
	assert.Equal(t, uint64(5), c.Counter(CounterSnapshots))
}

func TestRecordEnrichedCollectsAlerts(t *testing.T) {
	c := NewCollector(nil)
	ts := time.Date(2025, 12, 24, 12, 0, 0, 0, time.UTC)

	e := enrichedAt(ts)
	e.Anomalies = []book.Alert{
		{Type: book.AlertSpoofing, Severity: book.SeverityCritical, Message: "wall pulled"},
		{Type: book.AlertLiquidityGap, Severity: book.SeverityMedium, Message: "thin"},
	}
	c.RecordEnriched("s1", e)

	e2 := enrichedAt(ts.Add(time.Second))
	e2.Anomalies = []book.Alert{
		{Type: book.AlertSpoofing, Severity: book.SeverityCritical, Message: "again"},
	}
	c.RecordEnriched("s2", e2)

	stats := c.AlertStats()
	assert.Equal(t, uint64(2), stats[book.AlertSpoofing])
	assert.Equal(t, uint64(1), stats[book.AlertLiquidityGap])

	spoofs := c.AlertsByType(book.AlertSpoofing)
	require.Len(t, spoofs, 2)
	assert.Equal(t, "s1", spoofs[0].SessionID)
	assert.Equal(t, "s2", spoofs[1].SessionID)

	assert.Nil(t, c.AlertsByType(book.AlertWashTrading))
	assert.Len(t, c.AlertHistory(0), 3)
	assert.Len(t, c.AlertHistory(2), 2)
}

func TestRecordEnrichedCollectsTrades(t *testing.T) {
	c := NewCollector(nil)
	ts := time.Date(2025, 12, 24, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		e := enrichedAt(ts.Add(time.Duration(i) * time.Second))
		e.TradeClassified = true
		e.TradeSide = "buy"
		e.EffectiveSpread = 0.02
		e.RealizedSpread = 0.01
		c.RecordEnriched("s1", e)
	}
	e := enrichedAt(ts.Add(3 * time.Second))
	e.TradeClassified = true
	e.TradeSide = "sell"
	e.EffectiveSpread = 0.04
	c.RecordEnriched("s1", e)

	stats := c.TradeStats()
	assert.Equal(t, uint64(4), stats.Total)
	assert.Equal(t, uint64(3), stats.BySide["buy"])
	assert.InDelta(t, 0.75, stats.BuyRatio, 1e-9)
	assert.InDelta(t, 0.025, stats.AvgEffective, 1e-9)
	assert.Equal(t, 0.12, stats.LatestVPIN)

	assert.Len(t, c.Trades(0), 4)
	assert.Len(t, c.Trades(2), 2)
}

func TestCountersConcurrencySafe(t *testing.T) {
	c := NewCollector(nil)

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 1000; i++ {
				c.Add(CounterSkipped, 1)
			}
		}()
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	assert.Equal(t, uint64(4000), c.Counter(CounterSkipped))
	assert.Equal(t, uint64(0), c.Counter("never_touched"))
	assert.Contains(t, c.Counters(), CounterSkipped)
}

func TestDropFeedsPrometheus(t *testing.T) {
	reg := NewRegistry()
	c := NewCollector(reg)

	c.Drop(DropIngestFull, CounterQueueFull)
	c.Drop(DropIngestFull, CounterQueueFull)
	c.Drop(DropClientFull, CounterSendFailures)

	assert.Equal(t, 2.0, reg.CounterValue(reg.QueueDrops, DropIngestFull))
	assert.Equal(t, 1.0, reg.CounterValue(reg.QueueDrops, DropClientFull))
	assert.Equal(t, 0.0, reg.CounterValue(reg.QueueDrops, DropOutboundFull))
	assert.Equal(t, uint64(2), c.Counter(CounterQueueFull))
	assert.Equal(t, uint64(1), c.Counter(CounterSendFailures))
}

func TestSessionGaugesFeedPrometheus(t *testing.T) {
	reg := NewRegistry()
	c := NewCollector(reg)

	c.SetActiveSessions(3)
	assert.Equal(t, 3.0, gaugeValue(t, reg.ActiveSessions))
	c.SetActiveSessions(0)
	assert.Equal(t, 0.0, gaugeValue(t, reg.ActiveSessions))

	c.SetQueueDepth("s1", 42)
	g, err := reg.IngestQueueDepth.GetMetricWithLabelValues("s1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, gaugeValue(t, g))

	// Teardown drops the series; a fresh child starts at zero.
	c.ForgetSession("s1")
	g, err = reg.IngestQueueDepth.GetMetricWithLabelValues("s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, gaugeValue(t, g))
}

func TestCollectorNilRegistrySafe(t *testing.T) {
	c := NewCollector(nil)

	c.Drop(DropOutboundFull, CounterQueueFull)
	c.SetActiveSessions(1)
	c.SetQueueDepth("s", 7)
	c.ForgetSession("s")

	assert.Equal(t, uint64(1), c.Counter(CounterQueueFull))
}

func TestRingFeedsBounded(t *testing.T) {
	c := NewCollector(nil)
	ts := time.Date(2025, 12, 24, 12, 0, 0, 0, time.UTC)

	for i := 0; i < snapshotFeed+20; i++ {
		e := enrichedAt(ts.Add(time.Duration(i) * time.Millisecond))
		e.Anomalies = []book.Alert{{
			Type:    book.AlertLiquidityGap,
			Message: fmt.Sprintf("gap %d", i),
		}}
		c.RecordEnriched("s1", e)
	}

	assert.Len(t, c.Recent(0), snapshotFeed)
	assert.Len(t, c.AlertsByType(book.AlertLiquidityGap), perTypeFeed)
	assert.Equal(t, uint64(snapshotFeed+20), c.AlertStats()[book.AlertLiquidityGap])
}
