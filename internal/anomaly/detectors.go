package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/ring"
	"github.com/lobscope/lobscope/internal/stat"
)

const (
	volVolWindow = 20 // L1 volumes for volume-volatility
	stampWindow  = 100
	// rateWindow must exceed the stuffing rate floor, or the ring average
	// ramps up with the burst and the ratio test can never pass.
	rateWindow    = 100
	momentumRing  = 20
	washRing      = 50
	layeringRing  = 50
	layeringDepth = 5
	washDepth     = 3
)

// TickContext carries the per-tick inputs the detectors need beyond the raw
// snapshot. The caller computes these once (locally or via the primary
// engine) and the detectors stay engine-agnostic.
type TickContext struct {
	Snapshot   *book.Snapshot
	Timestamp  time.Time
	OBI        float64
	AvgL1Vol   float64
	L1Volume   float64 // (q_bid + q_ask) / 2
	Volatility float64
	Regime     int
	RegimeK    int
}

// Result is everything one detector pass produces: the alert list plus the
// scalar fields that ride on every enriched snapshot whether or not an
// alert fired.
type Result struct {
	Alerts []book.Alert

	Gaps             []book.LiquidityGap
	GapCount         int
	GapSeverityScore float64

	SpoofingRisk     float64
	VolumeVolatility float64
}

// icebergCandidate accumulates repeated fills at one (side, price) slot.
type icebergCandidate struct {
	fills     int
	volume    float64
	firstSeen time.Time
	lastSeen  time.Time
}

// DetectorSet is the per-session detector state. Single-goroutine use; the
// owning analytics worker is the only writer.
type DetectorSet struct {
	cfg Thresholds

	// Depth shock.
	prevBidDepth float64
	prevAskDepth float64
	hasPrevDepth bool

	// Spoofing.
	prevBidL1       book.Level
	prevAskL1       book.Level
	hasPrevL1       bool
	l1Volumes       *ring.Ring[float64]
	spoofEvents     int
	ticksSinceDecay int

	// Quote stuffing.
	stamps *ring.Ring[time.Time]
	rates  *ring.Ring[float64]

	// Momentum ignition.
	mids *ring.Ring[float64]

	// Wash trading.
	washVolumes *ring.Ring[float64]

	// Layering history, kept for the aggregate anomaly surface.
	layeringScores *ring.Ring[float64]

	// Iceberg candidates.
	icebergs map[icebergKey]*icebergCandidate
}

type icebergKey struct {
	side  string
	price float64 // rounded to 2 decimals
}

// NewDetectorSet returns a detector set with the given thresholds
// (normalized in place).
func NewDetectorSet(cfg Thresholds) *DetectorSet {
	cfg.Normalize()
	return &DetectorSet{
		cfg:            cfg,
		l1Volumes:      ring.New[float64](volVolWindow),
		stamps:         ring.New[time.Time](stampWindow),
		rates:          ring.New[float64](rateWindow),
		mids:           ring.New[float64](momentumRing),
		washVolumes:    ring.New[float64](washRing),
		layeringScores: ring.New[float64](layeringRing),
		icebergs:       make(map[icebergKey]*icebergCandidate),
	}
}

// Run executes every detector against one consumed tick. State advances
// exactly once per call.
func (d *DetectorSet) Run(tc TickContext) Result {
	res := d.RunCore(tc)
	adv := d.RunAdvanced(tc)
	res.Alerts = append(res.Alerts, adv...)
	return res
}

// RunCore executes the detectors whose outputs the primary engine also
// computes: liquidity gaps, depth shock, spoofing, heavy imbalance, regime.
func (d *DetectorSet) RunCore(tc TickContext) Result {
	var res Result

	d.detectLiquidityGaps(tc, &res)
	d.detectDepthShock(tc, &res)
	d.detectSpoofing(tc, &res)
	d.detectHeavyImbalance(tc, &res)
	d.detectRegimeAlerts(tc, &res)

	return res
}

// RunAdvanced executes the pattern detectors that only this engine
// implements: quote stuffing, layering, momentum ignition, wash trading,
// iceberg orders. Used standalone as the augmentation pass when the
// primary engine handled the core metrics.
func (d *DetectorSet) RunAdvanced(tc TickContext) []book.Alert {
	var alerts []book.Alert

	if a, ok := d.detectQuoteStuffing(tc); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.detectLayering(tc); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.detectMomentumIgnition(tc); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.detectWashTrading(tc); ok {
		alerts = append(alerts, a)
	}
	alerts = append(alerts, d.detectIcebergs(tc)...)

	return alerts
}

// detectLiquidityGaps flags thin levels in the first GapMaxLevels of each
// side. Gap risk rises toward the top of the book and with how far below
// the volume floor the level sits.
func (d *DetectorSet) detectLiquidityGaps(tc TickContext, res *Result) {
	s := tc.Snapshot
	var (
		gaps     []book.LiquidityGap
		levels   []int
		totalVol float64
		severity float64
	)

	scan := func(side string, book_ []book.Level) {
		for i, lvl := range book_ {
			if i >= d.cfg.GapMaxLevels {
				break
			}
			if lvl.Volume >= d.cfg.GapVolume {
				continue
			}
			weight := float64(d.cfg.GapMaxLevels - i)
			risk := stat.Clamp(weight*15+(d.cfg.GapVolume-lvl.Volume)*2, 0, 100)
			gaps = append(gaps, book.LiquidityGap{
				Price:     lvl.Price,
				Volume:    lvl.Volume,
				Side:      side,
				Level:     i + 1,
				RiskScore: risk,
			})
			levels = append(levels, i+1)
			totalVol += lvl.Volume
			severity += weight * 2
		}
	}
	scan("bid", s.Bids)
	scan("ask", s.Asks)

	res.Gaps = gaps
	res.GapCount = len(gaps)
	res.GapSeverityScore = severity
	if len(gaps) == 0 {
		return
	}

	sev := book.SeverityMedium
	topOfBook := false
	for _, l := range levels {
		if l <= 2 {
			topOfBook = true
			break
		}
	}
	switch {
	case len(gaps) > 6 || topOfBook:
		sev = book.SeverityCritical
	case len(gaps) > 3:
		sev = book.SeverityHigh
	}

	res.Alerts = append(res.Alerts, book.Alert{
		Type:             book.AlertLiquidityGap,
		Severity:         sev,
		Message:          fmt.Sprintf("%d thin levels in top %d", len(gaps), d.cfg.GapMaxLevels),
		GapCount:         len(gaps),
		AffectedLevels:   levels,
		TotalGapVolume:   totalVol,
		GapSeverityScore: severity,
	})
}

// detectDepthShock compares total visible depth per side against the
// previous tick and fires when either side lost more than the configured
// fraction.
func (d *DetectorSet) detectDepthShock(tc TickContext, res *Result) {
	var bidDepth, askDepth float64
	for _, l := range tc.Snapshot.Bids {
		bidDepth += l.Volume
	}
	for _, l := range tc.Snapshot.Asks {
		askDepth += l.Volume
	}

	defer func() {
		d.prevBidDepth, d.prevAskDepth = bidDepth, askDepth
		d.hasPrevDepth = true
	}()

	if !d.hasPrevDepth {
		return
	}
	var bidDrop, askDrop float64
	if d.prevBidDepth > 0 {
		bidDrop = (d.prevBidDepth - bidDepth) / d.prevBidDepth
	}
	if d.prevAskDepth > 0 {
		askDrop = (d.prevAskDepth - askDepth) / d.prevAskDepth
	}
	if bidDrop <= d.cfg.DepthDropFraction && askDrop <= d.cfg.DepthDropFraction {
		return
	}

	res.Alerts = append(res.Alerts, book.Alert{
		Type:     book.AlertDepthShock,
		Severity: book.SeverityHigh,
		Message: fmt.Sprintf("Book depth collapsed: bid -%.0f%%, ask -%.0f%%",
			math.Max(bidDrop, 0)*100, math.Max(askDrop, 0)*100),
		BidDrop: bidDrop,
		AskDrop: askDrop,
	})
}

// detectSpoofing looks for the classic L1 build-then-cancel without a price
// move, on both sides, and maintains the rolling spoofing-risk score that
// rides on every enriched snapshot.
func (d *DetectorSet) detectSpoofing(tc TickContext, res *Result) {
	s := tc.Snapshot
	bb, ba := s.Bids[0], s.Asks[0]
	avg := tc.AvgL1Vol

	d.l1Volumes.Push(tc.L1Volume)
	vols := d.l1Volumes.Values()
	if mean := stat.Mean(vols); mean > 0 {
		res.VolumeVolatility = stat.Std(vols) / mean
	}

	spoofed := false
	if d.hasPrevL1 && avg > 0 {
		check := func(side string, prev, curr book.Level) {
			if prev.Volume > d.cfg.SpoofBuildRatio*avg &&
				curr.Volume < d.cfg.SpoofCancelRatio*avg &&
				math.Abs(curr.Price-prev.Price) < d.cfg.SpoofPriceEps {
				spoofed = true
				d.spoofEvents++
				ratio := prev.Volume / math.Max(curr.Volume, 1)
				res.Alerts = append(res.Alerts, book.Alert{
					Type:     book.AlertSpoofing,
					Severity: book.SeverityCritical,
					Message: fmt.Sprintf("Large %s order cancelled without price move (%.0fx avg)",
						side, prev.Volume/avg),
					Side:        side,
					Price:       curr.Price,
					VolumeRatio: ratio,
				})
			}
		}
		check("BID", d.prevBidL1, bb)
		check("ASK", d.prevAskL1, ba)
	}
	d.prevBidL1, d.prevAskL1 = bb, ba
	d.hasPrevL1 = true

	// Event counter decays one unit per decay window, floored at zero.
	d.ticksSinceDecay++
	if d.ticksSinceDecay >= d.cfg.SpoofEventDecay {
		d.ticksSinceDecay = 0
		if d.spoofEvents > 0 {
			d.spoofEvents--
		}
	}

	var sizeBonus float64
	if avg > 0 {
		switch {
		case tc.L1Volume > 4*avg:
			sizeBonus = 30
		case tc.L1Volume > 2*avg:
			sizeBonus = 15
		}
	}
	res.SpoofingRisk = stat.Clamp(
		math.Min(res.VolumeVolatility*50, 30)+
			math.Min(float64(d.spoofEvents)*5, 40)+
			sizeBonus,
		0, 100)

	if spoofed {
		for i := range res.Alerts {
			if res.Alerts[i].Type == book.AlertSpoofing {
				res.Alerts[i].SpoofingRisk = res.SpoofingRisk
			}
		}
	}
}

// detectHeavyImbalance fires on a heavily one-sided weighted book.
func (d *DetectorSet) detectHeavyImbalance(tc TickContext, res *Result) {
	if math.Abs(tc.OBI) <= d.cfg.ImbalanceOBI {
		return
	}
	direction := "BUY"
	if tc.OBI < 0 {
		direction = "SELL"
	}
	res.Alerts = append(res.Alerts, book.Alert{
		Type:      book.AlertHeavyImbalance,
		Severity:  book.SeverityHigh,
		Message:   fmt.Sprintf("Heavy %s-side imbalance (OBI %.2f)", direction, tc.OBI),
		Direction: direction,
		OBI:       tc.OBI,
	})
}

// detectRegimeAlerts escalates the regime classification itself: rank 1 is
// a stress warning, the top rank a crisis.
func (d *DetectorSet) detectRegimeAlerts(tc TickContext, res *Result) {
	switch tc.Regime {
	case 1:
		res.Alerts = append(res.Alerts, book.Alert{
			Type:       book.AlertRegimeStress,
			Severity:   book.SeverityMedium,
			Message:    fmt.Sprintf("Market regime stressed (volatility %.2f)", tc.Volatility),
			Volatility: tc.Volatility,
		})
	case tc.RegimeK - 1:
		if tc.Regime > 1 {
			res.Alerts = append(res.Alerts, book.Alert{
				Type:       book.AlertRegimeCrisis,
				Severity:   book.SeverityCritical,
				Message:    "Market regime indicates possible manipulation",
				Volatility: tc.Volatility,
			})
		}
	}
}
