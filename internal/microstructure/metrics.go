// Package microstructure computes the per-tick order-book metrics: order
// flow imbalance, weighted book imbalance, microprice divergence, EWMA
// spread baselines, short-window volatility, and the trade-level measures
// (Lee-Ready classification, effective/realized spreads, V-PIN).
package microstructure

import (
	"math"

	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/ring"
	"github.com/lobscope/lobscope/internal/stat"
)

const (
	// DefaultTickSize is the price grid used for divergence scoring and
	// the Lee-Ready quote rule.
	DefaultTickSize = 0.01

	epsilon = 1e-9
	minStd  = 1e-6

	ewmaAlpha = 0.05
	ofiScale  = 500.0
	obiLevels = 5

	priceWindow   = 600
	volWindow     = 20
	featureWindow = 600

	// Cold-start seeds for the EWMA baselines.
	initAvgSpread   = 0.05
	initAvgSpreadSq = 0.0025
	initAvgL1Vol    = 10.0
)

// FeatureDim is the width of the regime feature vector:
// [spread_z, |obi|, volatility, |ofi_normalized|].
const FeatureDim = 4

// Tick bundles the metric outputs for one snapshot.
type Tick struct {
	Spread          float64
	OFI             float64
	OFINormalized   float64
	OBI             float64
	Microprice      float64
	Divergence      float64
	DirectionalProb float64 // 0..100
	SpreadZ         float64
	Volatility      float64
	AvgL1Vol        float64
	L1Volume        float64
	Features        [FeatureDim]float64
}

// Metrics carries the incremental state for one session's snapshot stream.
// Owned by the session's analytics worker; not safe for concurrent use.
type Metrics struct {
	tickSize float64
	alpha    float64

	hasPrev     bool
	prevBestBid float64
	prevBestAsk float64
	prevQBid    float64
	prevQAsk    float64

	avgSpread   float64
	avgSpreadSq float64
	avgL1Vol    float64

	prices   *ring.Ring[float64]
	features *ring.Ring[[FeatureDim]float64]
}

// NewMetrics returns a fresh metric state with cold-start baselines.
func NewMetrics() *Metrics {
	return &Metrics{
		tickSize:    DefaultTickSize,
		alpha:       ewmaAlpha,
		avgSpread:   initAvgSpread,
		avgSpreadSq: initAvgSpreadSq,
		avgL1Vol:    initAvgL1Vol,
		prices:      ring.New[float64](priceWindow),
		features:    ring.New[[FeatureDim]float64](featureWindow),
	}
}

// Update consumes one validated snapshot and returns its metrics. Every
// call advances the EWMA baselines and rolling windows exactly once, so
// skipped snapshots must not reach here.
func (m *Metrics) Update(s *book.Snapshot) Tick {
	bb := s.Bids[0]
	ba := s.Asks[0]

	// OFI against the previous top of book. A rising bid adds the new
	// queue, a falling bid removes the old one; asks mirror the logic on
	// the supply side.
	var ofi float64
	if m.hasPrev {
		switch {
		case bb.Price > m.prevBestBid:
			ofi += bb.Volume
		case bb.Price < m.prevBestBid:
			ofi -= m.prevQBid
		default:
			ofi += bb.Volume - m.prevQBid
		}
		switch {
		case ba.Price > m.prevBestAsk:
			ofi += m.prevQAsk
		case ba.Price < m.prevBestAsk:
			ofi -= ba.Volume
		default:
			ofi -= ba.Volume - m.prevQAsk
		}
	}
	m.hasPrev = true
	m.prevBestBid, m.prevBestAsk = bb.Price, ba.Price
	m.prevQBid, m.prevQAsk = bb.Volume, ba.Volume

	ofiNorm := stat.Clamp(ofi/ofiScale, -1, 1)
	spread := ba.Price - bb.Price

	m.prices.Push(s.MidPrice)
	var volatility float64
	if m.prices.Len() >= volWindow {
		volatility = stat.Std(stat.LogReturns(m.prices.Last(volWindow))) * 1000
	}

	// Weighted OBI over the top levels, weight decaying away from L1.
	var wBid, wAsk, wTotal float64
	for i := 0; i < obiLevels && i < len(s.Bids) && i < len(s.Asks); i++ {
		w := math.Exp(-0.5 * float64(i))
		wBid += s.Bids[i].Volume * w
		wAsk += s.Asks[i].Volume * w
		wTotal += (s.Bids[i].Volume + s.Asks[i].Volume) * w
	}
	var obi float64
	if wTotal > epsilon {
		obi = (wBid - wAsk) / wTotal
	}

	micro := (bb.Price + ba.Price) / 2
	if q := bb.Volume + ba.Volume; q > epsilon {
		micro = (bb.Volume*ba.Price + ba.Volume*bb.Price) / q
	}

	divergence := micro - s.MidPrice
	dirProb := 100 * stat.Sigmoid(2*divergence/m.tickSize)

	m.avgSpread = (1-m.alpha)*m.avgSpread + m.alpha*spread
	m.avgSpreadSq = (1-m.alpha)*m.avgSpreadSq + m.alpha*spread*spread
	stdSpread := math.Sqrt(math.Max(0, m.avgSpreadSq-m.avgSpread*m.avgSpread))
	spreadZ := (spread - m.avgSpread) / math.Max(stdSpread, minStd)

	l1 := (bb.Volume + ba.Volume) / 2
	m.avgL1Vol = (1-m.alpha)*m.avgL1Vol + m.alpha*l1

	features := [FeatureDim]float64{spreadZ, math.Abs(obi), volatility, math.Abs(ofiNorm)}
	m.features.Push(features)

	return Tick{
		Spread:          spread,
		OFI:             ofi,
		OFINormalized:   ofiNorm,
		OBI:             obi,
		Microprice:      micro,
		Divergence:      divergence,
		DirectionalProb: dirProb,
		SpreadZ:         spreadZ,
		Volatility:      volatility,
		AvgL1Vol:        m.avgL1Vol,
		L1Volume:        l1,
		Features:        features,
	}
}

// AvgL1Vol exposes the L1 volume baseline for the detector pass that runs
// without a full metric update.
func (m *Metrics) AvgL1Vol() float64 {
	return m.avgL1Vol
}

// ObserveL1 advances only the L1 volume baseline. Used when the primary
// engine computed the tick's metrics but the local detectors still need a
// live volume reference; the baseline advances exactly once per consumed
// snapshot either way.
func (m *Metrics) ObserveL1(l1 float64) float64 {
	m.avgL1Vol = (1-m.alpha)*m.avgL1Vol + m.alpha*l1
	return m.avgL1Vol
}

// FeatureLen reports how many feature vectors the rolling window holds.
func (m *Metrics) FeatureLen() int {
	return m.features.Len()
}

// FeatureSnapshot copies the feature window for background training. The
// copy is taken on the caller's goroutine so the trainer never touches
// live state.
func (m *Metrics) FeatureSnapshot() [][]float64 {
	vals := m.features.Values()
	out := make([][]float64, len(vals))
	for i, v := range vals {
		row := make([]float64, FeatureDim)
		copy(row, v[:])
		out[i] = row
	}
	return out
}
