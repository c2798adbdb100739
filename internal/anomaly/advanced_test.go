package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/lobscope/lobscope/internal/book"
)

func TestQuoteStuffingBurst(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	// Calm baseline: ~3 updates/second for a while.
	ts := t0
	for i := 0; i < 60; i++ {
		s := bookWith([]float64{100}, []float64{100})
		s.Timestamp = ts
		tc := ctxFor(s, 100)
		tc.Timestamp = ts
		if _, ok := d.detectQuoteStuffing(tc); ok {
			t.Fatal("stuffing alert during calm baseline")
		}
		ts = ts.Add(300 * time.Millisecond)
	}

	// Sudden 100/s burst: the 1-second rate blows past both the absolute
	// floor and the trailing average.
	fired := false
	var alert book.Alert
	for i := 0; i < 40; i++ {
		s := bookWith([]float64{100}, []float64{100})
		s.Timestamp = ts
		tc := ctxFor(s, 100)
		tc.Timestamp = ts
		if a, ok := d.detectQuoteStuffing(tc); ok {
			fired = true
			alert = a
			break
		}
		ts = ts.Add(10 * time.Millisecond)
	}
	if !fired {
		t.Fatal("no stuffing alert during 100/s burst")
	}
	if alert.UpdateRate <= 20 {
		t.Errorf("update rate = %d, want > 20", alert.UpdateRate)
	}
	if alert.Severity != book.SeverityCritical {
		t.Errorf("severity = %q, want critical", alert.Severity)
	}
}

func TestQuoteStuffingAverageIncludesCurrentRate(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	// Seed 30 recent stamps and a flat 5/s rate history by hand, so one
	// call sees rate 31 against a known ring.
	for i := 0; i < 30; i++ {
		d.stamps.Push(t0.Add(time.Duration(i) * time.Millisecond))
	}
	for i := 0; i < 99; i++ {
		d.rates.Push(5)
	}

	s := bookWith([]float64{100}, []float64{100})
	s.Timestamp = t0.Add(30 * time.Millisecond)
	tc := ctxFor(s, 100)
	tc.Timestamp = s.Timestamp

	a, ok := d.detectQuoteStuffing(tc)
	if !ok {
		t.Fatal("no stuffing alert for a 31/s burst over a 5/s baseline")
	}
	if a.UpdateRate != 31 {
		t.Fatalf("update rate = %d, want 31", a.UpdateRate)
	}
	want := (99*5.0 + 31) / 100
	if math.Abs(a.AvgRate-want) > 1e-9 {
		t.Errorf("avg rate = %v, want %v (current rate joins the ring first)", a.AvgRate, want)
	}
}

func TestLayeringStackedSide(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	// Five outsized bids against a thin ask side, baseline 10.
	s := bookWith([]float64{100, 100, 100, 100, 100, 10}, []float64{10})
	tc := ctxFor(s, 10)
	a, ok := d.detectLayering(tc)
	if !ok {
		t.Fatal("no layering alert for five stacked orders")
	}
	if a.Side != "BID" {
		t.Errorf("side = %q, want BID", a.Side)
	}
	if a.Score < 60 || a.Score > 100 {
		t.Errorf("score = %v, want within [60,100]", a.Score)
	}
	if a.Severity != book.SeverityCritical {
		t.Errorf("severity = %q, want critical for score > 70", a.Severity)
	}
	if a.LargeOrderCount != 5 {
		t.Errorf("large order count = %d, want 5", a.LargeOrderCount)
	}
}

func TestLayeringSymmetricBookSilent(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	// Both sides stacked equally: no side margin, no alert.
	s := bookWith([]float64{100}, []float64{100})
	if _, ok := d.detectLayering(ctxFor(s, 10)); ok {
		t.Fatal("layering alert for a symmetric book")
	}
}

func TestMomentumIgnition(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	mids := []float64{100.0, 100.05, 100.10, 100.15, 100.50}
	var fired bool
	var alert book.Alert
	for _, mid := range mids {
		s := bookWith([]float64{100}, []float64{100})
		s.MidPrice = mid
		tc := ctxFor(s, 10) // L1 volume 100 vs baseline 10
		if a, ok := d.detectMomentumIgnition(tc); ok {
			fired = true
			alert = a
		}
	}
	if !fired {
		t.Fatal("no momentum alert after a one-way run with a large final push")
	}
	if alert.Direction != "UP" {
		t.Errorf("direction = %q, want UP", alert.Direction)
	}
	if alert.PriceChangePct <= 0.2 {
		t.Errorf("price change = %v%%, want > 0.2%%", alert.PriceChangePct)
	}
}

func TestMomentumIgnitionNeedsDirectionalRun(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	// Final jump is big enough but the preceding returns flip sign.
	for _, mid := range []float64{100.0, 100.05, 99.95, 100.05, 100.50} {
		s := bookWith([]float64{100}, []float64{100})
		s.MidPrice = mid
		if _, ok := d.detectMomentumIgnition(ctxFor(s, 10)); ok {
			t.Fatal("momentum alert without a same-sign run")
		}
	}
}

func TestWashTradingMirroredVolumes(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	// Perfectly mirrored, uniform volumes well above baseline. Three levels
	// per tick, so the observation floor clears on the second tick.
	var fired bool
	var alert book.Alert
	for i := 0; i < 3; i++ {
		s := bookWith([]float64{100}, []float64{100})
		if a, ok := d.detectWashTrading(ctxFor(s, 10)); ok {
			fired = true
			alert = a
		}
	}
	if !fired {
		t.Fatal("no wash trading alert for mirrored uniform volumes")
	}
	if alert.VolumeVariance >= 0.1 {
		t.Errorf("cv = %v, want < 0.1", alert.VolumeVariance)
	}
	if alert.PatternCount < 5 {
		t.Errorf("pattern count = %d, want >= 5", alert.PatternCount)
	}
}

func TestWashTradingIgnoresLopsidedBooks(t *testing.T) {
	d := NewDetectorSet(Thresholds{})
	for i := 0; i < 10; i++ {
		s := bookWith([]float64{100}, []float64{40})
		if _, ok := d.detectWashTrading(ctxFor(s, 10)); ok {
			t.Fatal("wash alert for a lopsided book")
		}
	}
}

func TestIcebergFiresOnceThenClears(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	// Twelve refills at a fixed price and size. The candidate must trip at
	// the fill floor, emit exactly once, and start over afterwards.
	var alerts []book.Alert
	ts := t0
	for i := 0; i < 12; i++ {
		s := &book.Snapshot{
			Timestamp: ts,
			MidPrice:  100,
			Bids:      []book.Level{{Price: 99.95, Volume: 500}},
			Asks:      []book.Level{{Price: 100.05, Volume: 10}},
		}
		tc := ctxFor(s, 10)
		tc.Timestamp = ts
		alerts = append(alerts, d.detectIcebergs(tc)...)
		ts = ts.Add(100 * time.Millisecond)
	}

	var icebergs []book.Alert
	for _, a := range alerts {
		if a.Type == book.AlertIcebergOrder && a.Side == "BID" {
			icebergs = append(icebergs, a)
		}
	}
	if len(icebergs) != 1 {
		t.Fatalf("iceberg alerts = %d, want exactly 1", len(icebergs))
	}
	if icebergs[0].FillCount < 8 {
		t.Errorf("fill count = %d, want >= 8", icebergs[0].FillCount)
	}
}

func TestIcebergIgnoresVaryingFills(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	// Same price slot but wildly varying size: never uniform enough.
	vols := []float64{500, 50, 900, 30, 700, 60, 1000, 20, 800, 40, 600, 70}
	ts := t0
	for i, v := range vols {
		s := &book.Snapshot{
			Timestamp: ts,
			MidPrice:  100,
			Bids:      []book.Level{{Price: 99.95, Volume: v}},
			Asks:      []book.Level{{Price: 100.05, Volume: vols[len(vols)-1-i]}},
		}
		tc := ctxFor(s, 10)
		tc.Timestamp = ts
		if got := d.detectIcebergs(tc); len(got) != 0 {
			t.Fatalf("iceberg alert for varying fills: %v", got)
		}
		ts = ts.Add(100 * time.Millisecond)
	}
}

func TestIcebergCandidatesExpire(t *testing.T) {
	d := NewDetectorSet(Thresholds{})

	s := &book.Snapshot{
		Timestamp: t0,
		MidPrice:  100,
		Bids:      []book.Level{{Price: 99.95, Volume: 500}},
		Asks:      []book.Level{{Price: 100.05, Volume: 10}},
	}
	tc := ctxFor(s, 10)
	tc.Timestamp = t0
	d.detectIcebergs(tc)
	if len(d.icebergs) == 0 {
		t.Fatal("no candidates tracked")
	}

	// A tick on a different price far past the TTL sweeps the stale entry.
	later := &book.Snapshot{
		Timestamp: t0.Add(10 * time.Minute),
		MidPrice:  101,
		Bids:      []book.Level{{Price: 100.95, Volume: 500}},
		Asks:      []book.Level{{Price: 101.05, Volume: 10}},
	}
	tcLater := ctxFor(later, 10)
	tcLater.Timestamp = later.Timestamp
	d.detectIcebergs(tcLater)

	for key := range d.icebergs {
		if key.price == 99.95 {
			t.Fatal("stale iceberg candidate survived the TTL sweep")
		}
	}
}
