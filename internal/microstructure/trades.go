package microstructure

import (
	"math"

	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/ring"
	"github.com/lobscope/lobscope/internal/stat"
)

// Trade sides assigned by the Lee-Ready rule.
const (
	SideBuy     = "buy"
	SideSell    = "sell"
	SideUnknown = "unknown"
)

const (
	// DefaultBucketVolume is the V-PIN volume bucket size B.
	DefaultBucketVolume = 1000.0

	// vpinWindow caps the completed-bucket order-imbalance ring.
	vpinWindow = 50

	// vpinMinBuckets is the warm-up: V-PIN stays 0 until this many buckets
	// have completed.
	vpinMinBuckets = 10
)

// TradeResult is the classification output for one trade print.
type TradeResult struct {
	Side            string
	EffectiveSpread float64
	RealizedSpread  float64
	VPIN            float64
}

// TradeClassifier assigns trade direction via Lee-Ready, measures
// effective/realized spreads, and accumulates volume-synchronized V-PIN
// buckets. Per-session state, single-goroutine use.
type TradeClassifier struct {
	tickSize  float64
	bucketVol float64

	bucketBuy   float64
	bucketSell  float64
	bucketTotal float64
	imbalances  *ring.Ring[float64]

	// prevMid is the mid one tick back, for the realized-spread horizon.
	prevMid    float64
	hasPrevMid bool
}

// NewTradeClassifier returns a classifier with bucket volume B.
func NewTradeClassifier(bucketVolume float64) *TradeClassifier {
	if bucketVolume <= 0 {
		bucketVolume = DefaultBucketVolume
	}
	return &TradeClassifier{
		tickSize:   DefaultTickSize,
		bucketVol:  bucketVolume,
		imbalances: ring.New[float64](vpinWindow),
	}
}

// Classify consumes one snapshot. When the snapshot carries a trade print
// (trade_volume > 0) it classifies the trade and updates the V-PIN bucket;
// otherwise it only advances the mid history and reports the current V-PIN.
// The returned Side is empty when no trade occurred.
func (tc *TradeClassifier) Classify(s *book.Snapshot) TradeResult {
	res := TradeResult{VPIN: tc.vpin()}

	if s.TradeVolume > 0 && s.LastTradePrice > 0 {
		res.Side = tc.classifySide(s)
		res.EffectiveSpread = effectiveSpread(res.Side, s.LastTradePrice, s.MidPrice)
		if tc.hasPrevMid {
			res.RealizedSpread = realizedSpread(res.Side, s.LastTradePrice, tc.prevMid)
		}
		tc.updateBucket(res.Side, s.TradeVolume)
		res.VPIN = tc.vpin()
	}

	tc.prevMid = s.MidPrice
	tc.hasPrevMid = true
	return res
}

// classifySide applies the Lee-Ready algorithm: tick test against the mid,
// falling back to the quote rule when the trade printed at the mid.
func (tc *TradeClassifier) classifySide(s *book.Snapshot) string {
	trade := s.LastTradePrice
	mid := s.MidPrice

	switch {
	case trade > mid:
		return SideBuy
	case trade < mid:
		return SideSell
	}

	// Quote rule: a mid print is classified by which quote it sits closer
	// to. Thin spreads carry no information either way.
	bb, okB := s.BestBid()
	ba, okA := s.BestAsk()
	if !okB || !okA {
		return SideUnknown
	}
	if ba.Price-bb.Price < tc.tickSize {
		return SideUnknown
	}
	distAsk := math.Abs(ba.Price - trade)
	distBid := math.Abs(trade - bb.Price)
	switch {
	case distAsk < distBid:
		return SideBuy
	case distBid < distAsk:
		return SideSell
	default:
		return SideUnknown
	}
}

func effectiveSpread(side string, trade, mid float64) float64 {
	switch side {
	case SideBuy:
		return 2 * (trade - mid)
	case SideSell:
		return 2 * (mid - trade)
	default:
		return 2 * math.Abs(trade-mid)
	}
}

func realizedSpread(side string, trade, priorMid float64) float64 {
	switch side {
	case SideBuy:
		return 2 * (trade - priorMid)
	case SideSell:
		return 2 * (priorMid - trade)
	default:
		return 0
	}
}

// updateBucket accrues trade volume into the current V-PIN bucket. A full
// bucket contributes |buy−sell|/total to the imbalance ring and resets with
// no carry-over, which discards sub-bucket volume on the crossing tick.
func (tc *TradeClassifier) updateBucket(side string, volume float64) {
	switch side {
	case SideBuy:
		tc.bucketBuy += volume
	case SideSell:
		tc.bucketSell += volume
	default:
		// Unknown prints split evenly so they dilute, not bias, the bucket.
		tc.bucketBuy += volume / 2
		tc.bucketSell += volume / 2
	}
	tc.bucketTotal += volume

	if tc.bucketTotal >= tc.bucketVol {
		oi := math.Abs(tc.bucketBuy-tc.bucketSell) / tc.bucketTotal
		tc.imbalances.Push(oi)
		tc.bucketBuy, tc.bucketSell, tc.bucketTotal = 0, 0, 0
	}
}

// vpin is the mean completed-bucket imbalance once warm, else 0.
func (tc *TradeClassifier) vpin() float64 {
	if tc.imbalances.Len() < vpinMinBuckets {
		return 0
	}
	return stat.Mean(tc.imbalances.Values())
}

// CompletedBuckets reports how many V-PIN buckets have filled.
func (tc *TradeClassifier) CompletedBuckets() int {
	return tc.imbalances.Len()
}
