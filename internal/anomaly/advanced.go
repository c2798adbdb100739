package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/stat"
)

// detectQuoteStuffing tracks snapshot arrival times and fires when the
// 1-second update rate spikes far above its own recent average.
func (d *DetectorSet) detectQuoteStuffing(tc TickContext) (book.Alert, bool) {
	d.stamps.Push(tc.Timestamp)

	cutoff := tc.Timestamp.Add(-time.Second)
	rate := 0
	for _, ts := range d.stamps.Values() {
		if ts.After(cutoff) {
			rate++
		}
	}
	// The current rate joins the ring before averaging, so the burst
	// itself dilutes the baseline slightly.
	d.rates.Push(float64(rate))
	avgRate := stat.Mean(d.rates.Values())

	if avgRate <= 0 || rate <= d.cfg.StuffingRate || float64(rate) <= d.cfg.StuffingBurstRatio*avgRate {
		return book.Alert{}, false
	}
	return book.Alert{
		Type:       book.AlertQuoteStuffing,
		Severity:   book.SeverityCritical,
		Message:    fmt.Sprintf("Quote update burst: %d/s vs %.1f/s average", rate, avgRate),
		UpdateRate: rate,
		AvgRate:    avgRate,
	}, true
}

// detectLayering counts outsized resting orders over the first five levels
// and fires when one side stacks them while the other stays thin.
func (d *DetectorSet) detectLayering(tc TickContext) (book.Alert, bool) {
	avg := tc.AvgL1Vol
	if avg <= 0 {
		return book.Alert{}, false
	}

	count := func(levels []book.Level) int {
		n := 0
		for i, l := range levels {
			if i >= layeringDepth {
				break
			}
			if l.Volume > d.cfg.LayerVolumeRatio*avg {
				n++
			}
		}
		return n
	}
	bidLarge := count(tc.Snapshot.Bids)
	askLarge := count(tc.Snapshot.Asks)

	side, large, other := "BID", bidLarge, askLarge
	if askLarge > bidLarge {
		side, large, other = "ASK", askLarge, bidLarge
	}
	if large < d.cfg.LayerMinCount || large-other < d.cfg.LayerSideMargin {
		d.layeringScores.Push(0)
		return book.Alert{}, false
	}

	score := math.Min(float64(large)*20, 100)
	d.layeringScores.Push(score)
	sev := book.SeverityHigh
	if score > 70 {
		sev = book.SeverityCritical
	}
	return book.Alert{
		Type:            book.AlertLayering,
		Severity:        sev,
		Message:         fmt.Sprintf("%d stacked large orders on %s side", large, side),
		Side:            side,
		Score:           score,
		LargeOrderCount: large,
	}, true
}

// detectMomentumIgnition watches for an outsized price jump backed by
// outsized top-of-book volume after a run of same-direction returns.
func (d *DetectorSet) detectMomentumIgnition(tc TickContext) (book.Alert, bool) {
	mid := tc.Snapshot.MidPrice
	d.mids.Push(mid)

	mids := d.mids.Values()
	need := d.cfg.MomentumRunLength + 1
	if len(mids) < need {
		return book.Alert{}, false
	}

	prev := mids[len(mids)-2]
	if prev <= 0 {
		return book.Alert{}, false
	}
	move := (mid - prev) / prev
	if math.Abs(move) <= d.cfg.MomentumMoveFraction {
		return book.Alert{}, false
	}
	if tc.AvgL1Vol <= 0 || tc.L1Volume <= d.cfg.MomentumVolumeRatio*tc.AvgL1Vol {
		return book.Alert{}, false
	}

	// The last MomentumRunLength consecutive returns must share a sign.
	tail := mids[len(mids)-need:]
	sign := 0.0
	for i := 1; i < len(tail); i++ {
		r := tail[i] - tail[i-1]
		switch {
		case r == 0:
			return book.Alert{}, false
		case sign == 0:
			sign = r
		case sign*r < 0:
			return book.Alert{}, false
		}
	}

	direction := "UP"
	if move < 0 {
		direction = "DOWN"
	}
	return book.Alert{
		Type:           book.AlertMomentumIgnition,
		Severity:       book.SeverityCritical,
		Message:        fmt.Sprintf("Aggressive %s move %.2f%% on heavy volume", direction, move*100),
		Direction:      direction,
		PriceChangePct: move * 100,
	}, true
}

// detectWashTrading accumulates suspiciously mirrored bid/ask volumes and
// fires once the observations are both numerous and uniform.
func (d *DetectorSet) detectWashTrading(tc TickContext) (book.Alert, bool) {
	avg := tc.AvgL1Vol
	if avg <= 0 {
		return book.Alert{}, false
	}
	s := tc.Snapshot

	for i := 0; i < washDepth && i < len(s.Bids) && i < len(s.Asks); i++ {
		bv, av := s.Bids[i].Volume, s.Asks[i].Volume
		maxV := math.Max(bv, av)
		if maxV <= 0 {
			continue
		}
		if math.Abs(bv-av)/maxV < d.cfg.WashMirrorTolerance && bv > avg {
			d.washVolumes.Push(bv)
		}
	}

	if d.washVolumes.Len() < d.cfg.WashMinObservations {
		return book.Alert{}, false
	}
	vols := d.washVolumes.Values()
	mean := stat.Mean(vols)
	if mean <= 0 {
		return book.Alert{}, false
	}
	cv := stat.Std(vols) / mean
	if cv >= d.cfg.WashUniformity || mean <= d.cfg.WashVolumeRatio*avg {
		return book.Alert{}, false
	}
	return book.Alert{
		Type:           book.AlertWashTrading,
		Severity:       book.SeverityHigh,
		Message:        fmt.Sprintf("Mirrored order pattern: %d observations, cv %.3f", len(vols), cv),
		PatternCount:   len(vols),
		AvgVolume:      mean,
		VolumeVariance: cv,
	}, true
}

// detectIcebergs tracks repeated refills at a fixed (side, price) slot.
// A candidate that keeps refilling at a consistent clip is flagged once,
// then forgotten.
func (d *DetectorSet) detectIcebergs(tc TickContext) []book.Alert {
	now := tc.Timestamp
	ttl := time.Duration(d.cfg.IcebergTTLSeconds) * time.Second

	observe := func(side string, levels []book.Level) []book.Alert {
		var alerts []book.Alert
		for i, lvl := range levels {
			if i >= d.cfg.IcebergPriceLevels {
				break
			}
			if lvl.Volume <= 0 {
				continue
			}
			key := icebergKey{side: side, price: math.Round(lvl.Price*100) / 100}
			cand := d.icebergs[key]
			if cand == nil {
				d.icebergs[key] = &icebergCandidate{fills: 1, volume: lvl.Volume, firstSeen: now, lastSeen: now}
				continue
			}
			cand.fills++
			cand.volume += lvl.Volume
			cand.lastSeen = now

			if cand.fills < d.cfg.IcebergMinFills {
				continue
			}
			avgFill := cand.volume / float64(cand.fills)
			if lvl.Volume >= d.cfg.IcebergBandLow*avgFill && lvl.Volume <= d.cfg.IcebergBandHigh*avgFill {
				alerts = append(alerts, book.Alert{
					Type:     book.AlertIcebergOrder,
					Severity: book.SeverityMedium,
					Message: fmt.Sprintf("Probable iceberg at %s %.2f: %d uniform refills",
						side, key.price, cand.fills),
					Side:        side,
					Price:       key.price,
					FillCount:   cand.fills,
					TotalVolume: cand.volume,
					AvgFillSize: avgFill,
				})
				delete(d.icebergs, key)
			}
		}
		return alerts
	}

	alerts := observe("BID", tc.Snapshot.Bids)
	alerts = append(alerts, observe("ASK", tc.Snapshot.Asks)...)

	for key, cand := range d.icebergs {
		if now.Sub(cand.lastSeen) > ttl {
			delete(d.icebergs, key)
		}
	}
	return alerts
}
