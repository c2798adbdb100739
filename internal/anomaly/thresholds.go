// Package anomaly implements the stateful market-manipulation detectors:
// liquidity gaps, depth shocks, L1 spoofing, quote stuffing, layering,
// momentum ignition, wash trading, iceberg orders, heavy imbalance, and
// regime stress escalation. One DetectorSet per session; every detector
// runs on every consumed tick.
package anomaly

// Thresholds holds every tunable detector parameter. Zero values are
// replaced by defaults, so a YAML file only needs to name what it changes.
type Thresholds struct {
	// Liquidity gaps.
	GapVolume    float64 `yaml:"gap_volume"`     // level is a gap below this volume
	GapMaxLevels int     `yaml:"gap_max_levels"` // levels per side inspected

	// Depth shock.
	DepthDropFraction float64 `yaml:"depth_drop_fraction"` // relative drop that fires

	// Spoofing.
	SpoofBuildRatio  float64 `yaml:"spoof_build_ratio"`  // prev L1 vs avg L1 volume
	SpoofCancelRatio float64 `yaml:"spoof_cancel_ratio"` // curr L1 vs avg L1 volume
	SpoofPriceEps    float64 `yaml:"spoof_price_eps"`    // max L1 price move
	SpoofEventDecay  int     `yaml:"spoof_event_decay"`  // ticks per counter decay

	// Quote stuffing.
	StuffingRate       int     `yaml:"stuffing_rate"`        // updates/second floor
	StuffingBurstRatio float64 `yaml:"stuffing_burst_ratio"` // vs average rate

	// Layering.
	LayerVolumeRatio float64 `yaml:"layer_volume_ratio"` // large order vs avg L1
	LayerMinCount    int     `yaml:"layer_min_count"`    // large orders on one side
	LayerSideMargin  int     `yaml:"layer_side_margin"`  // excess over other side

	// Momentum ignition.
	MomentumMoveFraction float64 `yaml:"momentum_move_fraction"` // |Δmid/mid|
	MomentumVolumeRatio  float64 `yaml:"momentum_volume_ratio"`  // L1 vs avg L1
	MomentumRunLength    int     `yaml:"momentum_run_length"`    // same-sign returns

	// Wash trading.
	WashMirrorTolerance float64 `yaml:"wash_mirror_tolerance"` // |bv−av|/max bound
	WashMinObservations int     `yaml:"wash_min_observations"`
	WashUniformity      float64 `yaml:"wash_uniformity"`   // std/mean ceiling
	WashVolumeRatio     float64 `yaml:"wash_volume_ratio"` // mean vs avg L1

	// Iceberg orders.
	IcebergMinFills    int     `yaml:"iceberg_min_fills"`
	IcebergBandLow     float64 `yaml:"iceberg_band_low"`  // vol vs avg fill, lower
	IcebergBandHigh    float64 `yaml:"iceberg_band_high"` // vol vs avg fill, upper
	IcebergTTLSeconds  int     `yaml:"iceberg_ttl_seconds"`
	IcebergPriceLevels int     `yaml:"iceberg_price_levels"` // levels per side tracked

	// Heavy imbalance.
	ImbalanceOBI float64 `yaml:"imbalance_obi"` // |OBI| that fires
}

// DefaultThresholds returns the stock detector tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		GapVolume:    50,
		GapMaxLevels: 10,

		DepthDropFraction: 0.3,

		SpoofBuildRatio:  3.0,
		SpoofCancelRatio: 0.3,
		SpoofPriceEps:    1e-3,
		SpoofEventDecay:  10,

		StuffingRate:       20,
		StuffingBurstRatio: 3.0,

		LayerVolumeRatio: 2.0,
		LayerMinCount:    3,
		LayerSideMargin:  2,

		MomentumMoveFraction: 0.002,
		MomentumVolumeRatio:  2.5,
		MomentumRunLength:    3,

		WashMirrorTolerance: 0.05,
		WashMinObservations: 5,
		WashUniformity:      0.1,
		WashVolumeRatio:     1.5,

		IcebergMinFills:    8,
		IcebergBandLow:     0.8,
		IcebergBandHigh:    1.2,
		IcebergTTLSeconds:  300,
		IcebergPriceLevels: 3,

		ImbalanceOBI: 0.5,
	}
}

// Normalize fills zero-valued fields with defaults.
func (t *Thresholds) Normalize() {
	d := DefaultThresholds()
	if t.GapVolume == 0 {
		t.GapVolume = d.GapVolume
	}
	if t.GapMaxLevels == 0 {
		t.GapMaxLevels = d.GapMaxLevels
	}
	if t.DepthDropFraction == 0 {
		t.DepthDropFraction = d.DepthDropFraction
	}
	if t.SpoofBuildRatio == 0 {
		t.SpoofBuildRatio = d.SpoofBuildRatio
	}
	if t.SpoofCancelRatio == 0 {
		t.SpoofCancelRatio = d.SpoofCancelRatio
	}
	if t.SpoofPriceEps == 0 {
		t.SpoofPriceEps = d.SpoofPriceEps
	}
	if t.SpoofEventDecay == 0 {
		t.SpoofEventDecay = d.SpoofEventDecay
	}
	if t.StuffingRate == 0 {
		t.StuffingRate = d.StuffingRate
	}
	if t.StuffingBurstRatio == 0 {
		t.StuffingBurstRatio = d.StuffingBurstRatio
	}
	if t.LayerVolumeRatio == 0 {
		t.LayerVolumeRatio = d.LayerVolumeRatio
	}
	if t.LayerMinCount == 0 {
		t.LayerMinCount = d.LayerMinCount
	}
	if t.LayerSideMargin == 0 {
		t.LayerSideMargin = d.LayerSideMargin
	}
	if t.MomentumMoveFraction == 0 {
		t.MomentumMoveFraction = d.MomentumMoveFraction
	}
	if t.MomentumVolumeRatio == 0 {
		t.MomentumVolumeRatio = d.MomentumVolumeRatio
	}
	if t.MomentumRunLength == 0 {
		t.MomentumRunLength = d.MomentumRunLength
	}
	if t.WashMirrorTolerance == 0 {
		t.WashMirrorTolerance = d.WashMirrorTolerance
	}
	if t.WashMinObservations == 0 {
		t.WashMinObservations = d.WashMinObservations
	}
	if t.WashUniformity == 0 {
		t.WashUniformity = d.WashUniformity
	}
	if t.WashVolumeRatio == 0 {
		t.WashVolumeRatio = d.WashVolumeRatio
	}
	if t.IcebergMinFills == 0 {
		t.IcebergMinFills = d.IcebergMinFills
	}
	if t.IcebergBandLow == 0 {
		t.IcebergBandLow = d.IcebergBandLow
	}
	if t.IcebergBandHigh == 0 {
		t.IcebergBandHigh = d.IcebergBandHigh
	}
	if t.IcebergTTLSeconds == 0 {
		t.IcebergTTLSeconds = d.IcebergTTLSeconds
	}
	if t.IcebergPriceLevels == 0 {
		t.IcebergPriceLevels = d.IcebergPriceLevels
	}
	if t.ImbalanceOBI == 0 {
		t.ImbalanceOBI = d.ImbalanceOBI
	}
}
