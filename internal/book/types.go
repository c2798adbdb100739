// Package book defines the order-book snapshot data model shared by the
// analytics pipeline: raw snapshots as they arrive from a source, enriched
// snapshots as they leave the engine, and the typed alerts carried between
// the two.
package book

import (
	"encoding/json"
	"math"
	"time"
)

// Level is a single price level. On the wire it is the pair [price, volume].
type Level struct {
	Price  float64
	Volume float64
}

// MarshalJSON encodes the level as a two-element array.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Volume})
}

// UnmarshalJSON decodes a [price, volume] pair. Extra elements are ignored,
// missing ones default to zero; the validator catches the damage.
func (l *Level) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.Price = pair[0]
	l.Volume = pair[1]
	return nil
}

// Snapshot is a raw depth-of-book observation. Bids are sorted descending by
// price, asks ascending. TradeVolume > 0 marks a trade print between this
// snapshot and the previous one; TradeDirection is an optional hint from the
// source and never replaces classification.
type Snapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	Symbol           string    `json:"symbol,omitempty"`
	MidPrice         float64   `json:"mid_price"`
	Bids             []Level   `json:"bids"`
	Asks             []Level   `json:"asks"`
	TradeVolume      float64   `json:"trade_volume,omitempty"`
	TradeDirection   int       `json:"trade_direction,omitempty"`
	LastTradePrice   float64   `json:"last_trade_price,omitempty"`
	CumulativeVolume float64   `json:"cumulative_volume,omitempty"`
	ExchangeTS       int64     `json:"exchange_ts,omitempty"`
	IngestTS         int64     `json:"ingest_ts,omitempty"`
}

// BestBid returns the top bid level, if any.
func (s *Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (s *Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// Clone returns a deep copy. The pipeline keeps previous-tick level slices
// across snapshots, so copies must not alias the source's slices.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Bids = append([]Level(nil), s.Bids...)
	out.Asks = append([]Level(nil), s.Asks...)
	return &out
}

// LiquidityGap is one thin level flagged by the gap detector.
type LiquidityGap struct {
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Side      string  `json:"side"`  // "bid" or "ask"
	Level     int     `json:"level"` // 1-based, 1 = top of book
	RiskScore float64 `json:"risk_score"`
}

// EnrichedSnapshot is the pipeline output: the raw snapshot plus every
// derived metric, the regime classification, and the filtered alert list.
type EnrichedSnapshot struct {
	Snapshot

	Spread          float64 `json:"spread"`
	BestBidPx       float64 `json:"best_bid"`
	BestAskPx       float64 `json:"best_ask"`
	QBid            float64 `json:"q_bid"`
	QAsk            float64 `json:"q_ask"`
	Microprice      float64 `json:"microprice"`
	OBI             float64 `json:"obi"`
	OFINormalized   float64 `json:"ofi_normalized"`
	Divergence      float64 `json:"divergence"`
	DirectionalProb float64 `json:"directional_prob"` // 0..100
	SpreadZ         float64 `json:"spread_z"`
	Volatility      float64 `json:"volatility"`

	Regime      int    `json:"regime"`
	RegimeLabel string `json:"regime_label"`

	VPIN            float64 `json:"vpin"`
	TradeSide       string  `json:"trade_side,omitempty"`
	TradeClassified bool    `json:"trade_classified"`
	EffectiveSpread float64 `json:"effective_spread,omitempty"`
	RealizedSpread  float64 `json:"realized_spread,omitempty"`

	GapCount         int            `json:"gap_count"`
	GapSeverityScore float64        `json:"gap_severity_score"`
	SpoofingRisk     float64        `json:"spoofing_risk"`
	VolumeVolatility float64        `json:"volume_volatility"`
	LiquidityGaps    []LiquidityGap `json:"liquidity_gaps"`

	Anomalies    []Alert `json:"anomalies"`
	Engine       string  `json:"engine,omitempty"`
	ProcessingMs float64 `json:"processing_ms,omitempty"`
}

// Trade is one classified trade print, kept for the trade analytics surface.
type Trade struct {
	Timestamp       time.Time `json:"timestamp"`
	Price           float64   `json:"price"`
	Volume          float64   `json:"volume"`
	Side            string    `json:"side"`
	EffectiveSpread float64   `json:"effective_spread"`
	RealizedSpread  float64   `json:"realized_spread"`
	MidPrice        float64   `json:"mid_price"`
}

// Severity levels, ordered medium < high < critical.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity to its escalation order.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 0
	case SeverityHigh:
		return 1
	case SeverityCritical:
		return 2
	default:
		return -1
	}
}

// Escalated returns the next severity up; critical stays critical.
func (s Severity) Escalated() Severity {
	switch s {
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh:
		return SeverityCritical
	default:
		return s
	}
}

// Alert types emitted by the pipeline.
const (
	AlertDataValidation   = "DATA_VALIDATION_ERROR"
	AlertLiquidityGap     = "LIQUIDITY_GAP"
	AlertDepthShock       = "DEPTH_SHOCK"
	AlertSpoofing         = "SPOOFING"
	AlertQuoteStuffing    = "QUOTE_STUFFING"
	AlertLayering         = "LAYERING"
	AlertMomentumIgnition = "MOMENTUM_IGNITION"
	AlertWashTrading      = "WASH_TRADING"
	AlertIcebergOrder     = "ICEBERG_ORDER"
	AlertHeavyImbalance   = "HEAVY_IMBALANCE"
	AlertRegimeStress     = "REGIME_STRESS"
	AlertRegimeCrisis     = "REGIME_CRISIS"
	AlertUnusualTradeSize = "UNUSUAL_TRADE_SIZE"
	AlertRapidTrading     = "RAPID_TRADING"
	AlertProcessingSlow   = "PROCESSING_SLOW"
)

// Alert is a typed anomaly event. Every detector fills the evidence fields
// it has so consumers (and tests) can assert on numbers, not messages.
type Alert struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	Side       string  `json:"side,omitempty"`
	Direction  string  `json:"direction,omitempty"`
	Price      float64 `json:"price,omitempty"`
	PriceLevel float64 `json:"price_level,omitempty"`

	VolumeRatio      float64 `json:"volume_ratio,omitempty"`
	SpoofingRisk     float64 `json:"spoofing_risk,omitempty"`
	GapCount         int     `json:"gap_count,omitempty"`
	AffectedLevels   []int   `json:"affected_levels,omitempty"`
	TotalGapVolume   float64 `json:"total_gap_volume,omitempty"`
	GapSeverityScore float64 `json:"gap_severity_score,omitempty"`
	BidDrop          float64 `json:"bid_drop,omitempty"`
	AskDrop          float64 `json:"ask_drop,omitempty"`
	UpdateRate       int     `json:"update_rate,omitempty"`
	AvgRate          float64 `json:"avg_rate,omitempty"`
	Score            float64 `json:"score,omitempty"`
	LargeOrderCount  int     `json:"large_order_count,omitempty"`
	PriceChangePct   float64 `json:"price_change_pct,omitempty"`
	Volume           float64 `json:"volume,omitempty"`
	AvgVolume        float64 `json:"avg_volume,omitempty"`
	VolumeVariance   float64 `json:"volume_variance,omitempty"`
	PatternCount     int     `json:"pattern_count,omitempty"`
	FillCount        int     `json:"fill_count,omitempty"`
	TotalVolume      float64 `json:"total_volume,omitempty"`
	AvgFillSize      float64 `json:"avg_fill_size,omitempty"`
	OBI              float64 `json:"obi,omitempty"`
	Volatility       float64 `json:"volatility,omitempty"`
	ZScore           float64 `json:"z_score,omitempty"`
	TradeCount       int     `json:"trade_count,omitempty"`
	AvgIntervalMs    float64 `json:"avg_interval_ms,omitempty"`
	ProcessingMs     float64 `json:"processing_ms,omitempty"`
}

// IsFinite reports whether v is a usable float (not NaN, not ±Inf).
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
