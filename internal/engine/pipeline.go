// Package engine runs snapshots through an analytics backend. The
// reference pipeline (Pipeline) implements the full chain locally:
// validate → metrics → trade classification → regime → detectors → alert
// filter. The router decides per call whether the optimized primary
// backend handles the tick instead, with this pipeline degrading to an
// advanced-detector augmentation pass.
package engine

import (
	"strings"
	"time"

	"github.com/lobscope/lobscope/internal/alerts"
	"github.com/lobscope/lobscope/internal/anomaly"
	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/microstructure"
	"github.com/lobscope/lobscope/internal/regime"
)

// PipelineConfig bundles the per-session tunables.
type PipelineConfig struct {
	Thresholds      anomaly.Thresholds
	BucketVolume    float64
	DedupWindow     time.Duration
	RetrainInterval time.Duration
	RegimeK         int
	Escalation      map[string]int
}

// Pipeline is the reference analytics engine for one session. Owned by the
// session's analytics worker; not safe for concurrent use.
type Pipeline struct {
	metrics   *microstructure.Metrics
	trades    *microstructure.TradeClassifier
	regime    *regime.Classifier
	detectors *anomaly.DetectorSet
	alerts    *alerts.Manager
}

// NewPipeline allocates fresh per-session analytics state.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		metrics:   microstructure.NewMetrics(),
		trades:    microstructure.NewTradeClassifier(cfg.BucketVolume),
		regime:    regime.NewClassifier(cfg.RegimeK, cfg.RetrainInterval),
		detectors: anomaly.NewDetectorSet(cfg.Thresholds),
		alerts:    alerts.NewManager(cfg.DedupWindow, cfg.Escalation),
	}
}

// Process runs one snapshot through the full reference pipeline. A fatally
// invalid snapshot yields an enriched shell carrying only the validation
// alert; no metric or detector state is touched.
func (p *Pipeline) Process(raw *book.Snapshot, now time.Time) *book.EnrichedSnapshot {
	snap, fatalErrs := acceptOrRepair(raw)
	if snap == nil {
		return p.rejected(raw, fatalErrs, now)
	}

	tick := p.metrics.Update(snap)
	trade := p.trades.Classify(snap)

	rank, label := p.regime.Predict(tick.Features[:])
	p.regime.MaybeRetrain(p.metrics.FeatureSnapshot(), now)

	tc := anomaly.TickContext{
		Snapshot:   snap,
		Timestamp:  now,
		OBI:        tick.OBI,
		AvgL1Vol:   tick.AvgL1Vol,
		L1Volume:   tick.L1Volume,
		Volatility: tick.Volatility,
		Regime:     rank,
		RegimeK:    p.regime.K(),
	}
	res := p.detectors.Run(tc)
	filtered := p.alerts.Filter(res.Alerts, now)

	bb, ba := snap.Bids[0], snap.Asks[0]
	out := &book.EnrichedSnapshot{
		Snapshot:        *snap,
		Spread:          tick.Spread,
		BestBidPx:       bb.Price,
		BestAskPx:       ba.Price,
		QBid:            bb.Volume,
		QAsk:            ba.Volume,
		Microprice:      tick.Microprice,
		OBI:             tick.OBI,
		OFINormalized:   tick.OFINormalized,
		Divergence:      tick.Divergence,
		DirectionalProb: tick.DirectionalProb,
		SpreadZ:         tick.SpreadZ,
		Volatility:      tick.Volatility,

		Regime:      rank,
		RegimeLabel: label,

		VPIN:            trade.VPIN,
		TradeSide:       trade.Side,
		TradeClassified: trade.Side != "",
		EffectiveSpread: trade.EffectiveSpread,
		RealizedSpread:  trade.RealizedSpread,

		GapCount:         res.GapCount,
		GapSeverityScore: res.GapSeverityScore,
		SpoofingRisk:     res.SpoofingRisk,
		VolumeVolatility: res.VolumeVolatility,
		LiquidityGaps:    res.Gaps,

		Anomalies: filtered,
	}
	return out
}

// Augment runs only the advanced pattern detectors against a tick whose
// metrics the primary engine already computed, merging any new alerts into
// the enriched snapshot through the same dedup filter. Reports whether it
// added anything.
func (p *Pipeline) Augment(enriched *book.EnrichedSnapshot, now time.Time) bool {
	if len(enriched.Bids) == 0 || len(enriched.Asks) == 0 {
		return false
	}
	l1 := (enriched.QBid + enriched.QAsk) / 2
	avg := p.metrics.ObserveL1(l1)

	tc := anomaly.TickContext{
		Snapshot:   &enriched.Snapshot,
		Timestamp:  now,
		OBI:        enriched.OBI,
		AvgL1Vol:   avg,
		L1Volume:   l1,
		Volatility: enriched.Volatility,
		Regime:     enriched.Regime,
		RegimeK:    p.regime.K(),
	}
	extra := p.alerts.Filter(p.detectors.RunAdvanced(tc), now)
	if len(extra) == 0 {
		return false
	}
	enriched.Anomalies = append(enriched.Anomalies, extra...)
	return true
}

// acceptOrRepair validates the snapshot, sanitizing and re-validating on
// failure. Returns nil with the errors when the snapshot is beyond repair.
func acceptOrRepair(raw *book.Snapshot) (*book.Snapshot, []string) {
	if ok, _, _ := book.Validate(raw); ok {
		return raw, nil
	}
	repaired := book.Sanitize(raw)
	if ok, errs, _ := book.Validate(repaired); !ok {
		return nil, errs
	}
	return repaired, nil
}

// rejected builds the enriched shell for a fatally invalid snapshot: raw
// fields plus a single critical validation alert, still subject to dedup.
func (p *Pipeline) rejected(raw *book.Snapshot, errs []string, now time.Time) *book.EnrichedSnapshot {
	alert := book.Alert{
		Type:     book.AlertDataValidation,
		Severity: book.SeverityCritical,
		Message:  "Snapshot failed validation: " + strings.Join(errs, "; "),
	}
	out := &book.EnrichedSnapshot{Anomalies: p.alerts.Filter([]book.Alert{alert}, now)}
	if raw != nil {
		out.Snapshot = *raw
	}
	return out
}

// AlertHistory exposes the session's audit ring.
func (p *Pipeline) AlertHistory(limit int) []alerts.AuditEntry {
	return p.alerts.History(limit)
}

// AlertStats exposes per-type accepted counts and the suppression total.
func (p *Pipeline) AlertStats() (map[string]int, uint64) {
	return p.alerts.Stats()
}

// RegimeFitted reports whether this session's regime model has trained.
func (p *Pipeline) RegimeFitted() bool {
	return p.regime.Fitted()
}
