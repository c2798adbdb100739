package source

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lobscope/lobscope/internal/book"
)

const (
	simDepth      = 10
	simTickSize   = 0.01
	simBaseSpread = 0.10

	// ofiImpact skews the random walk per unit of normalized order flow.
	ofiImpact = 0.05

	// shockChance is the per-tick probability of a spread regime shock.
	shockChance = 0.05

	// hftChance is the per-tick probability of an HFT liquidity collapse.
	hftChance = 0.10

	maxUserOrder = 10000.0
)

// Simulator is a synthetic market: a random-walk mid with order-flow
// feedback, Gaussian depth, occasional spread shocks and liquidity
// collapses, exponential trade prints, and user market orders injected
// from the control surface. Rewind is supported by construction (the
// simulator is stateless in time), it just clears pending user orders.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand

	mid       float64
	spread    float64
	shockLeft int

	lastOFI     float64
	pendingBuy  float64
	pendingSell float64
}

// NewSimulator starts a simulated market at the given mid price.
func NewSimulator(seed int64, startMid float64) *Simulator {
	if startMid <= 0 {
		startMid = 100
	}
	return &Simulator{
		rng:    rand.New(rand.NewSource(seed)),
		mid:    startMid,
		spread: simBaseSpread,
	}
}

// FeedOFI feeds the normalized order flow of the last enriched snapshot
// back into the price process.
func (s *Simulator) FeedOFI(ofi float64) {
	s.mu.Lock()
	s.lastOFI = ofi
	s.mu.Unlock()
}

// PushOrder injects a user market order consumed by the next tick.
// Volume is capped; side is "buy" or "sell".
func (s *Simulator) PushOrder(side string, volume float64) {
	volume = math.Min(math.Abs(volume), maxUserOrder)
	s.mu.Lock()
	defer s.mu.Unlock()
	if side == "sell" {
		s.pendingSell += volume
	} else {
		s.pendingBuy += volume
	}
}

// Next generates one snapshot.
func (s *Simulator) Next(ctx context.Context) (*book.Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Random walk with order-flow feedback.
	drift := s.lastOFI * ofiImpact
	s.mid += s.rng.NormFloat64()*simTickSize + drift*simTickSize
	if s.mid < simTickSize {
		s.mid = simTickSize
	}

	// Spread regime: occasional shocks widen the spread for a few ticks.
	if s.shockLeft > 0 {
		s.shockLeft--
	} else if s.rng.Float64() < shockChance {
		s.spread = simBaseSpread * (3 + 2*s.rng.Float64())
		s.shockLeft = 5 + s.rng.Intn(10)
	} else {
		s.spread = simBaseSpread * (0.8 + 0.4*s.rng.Float64())
	}

	// Book pressure skews volumes toward the side order flow favors.
	pressure := math.Tanh(s.lastOFI)
	collapse := s.rng.Float64() < hftChance

	bids := make([]book.Level, simDepth)
	asks := make([]book.Level, simDepth)
	half := s.spread / 2
	for i := 0; i < simDepth; i++ {
		// Gaussian depth shape peaking a few levels into the book.
		shape := 1000 * (1 + math.Exp(-0.5*math.Pow(float64(i)-2, 2)))
		noise := 0.7 + 0.6*s.rng.Float64()

		bidVol := shape * noise * (1 + 0.3*pressure)
		askVol := shape * noise * (1 - 0.3*pressure)
		if collapse {
			bidVol *= 0.05
			askVol *= 0.05
		}

		bids[i] = book.Level{
			Price:  round2(s.mid - half - float64(i)*simTickSize),
			Volume: math.Max(bidVol, 1),
		}
		asks[i] = book.Level{
			Price:  round2(s.mid + half + float64(i)*simTickSize),
			Volume: math.Max(askVol, 1),
		}
	}

	snap := &book.Snapshot{
		Timestamp: time.Now().UTC(),
		Symbol:    "SIM",
		MidPrice:  round2(s.mid),
		Bids:      bids,
		Asks:      asks,
		IngestTS:  time.Now().UnixMilli(),
	}

	// Trade prints: user orders first, then background exponential flow.
	switch {
	case s.pendingBuy > 0:
		snap.TradeVolume = s.pendingBuy
		snap.LastTradePrice = asks[0].Price
		snap.TradeDirection = 1
		s.pendingBuy = 0
	case s.pendingSell > 0:
		snap.TradeVolume = s.pendingSell
		snap.LastTradePrice = bids[0].Price
		snap.TradeDirection = -1
		s.pendingSell = 0
	case s.rng.Float64() < 0.4:
		vol := s.rng.ExpFloat64() * 120
		if vol >= 1 {
			snap.TradeVolume = math.Round(vol)
			if s.rng.Float64() < 0.5+0.2*pressure {
				snap.LastTradePrice = asks[0].Price
				snap.TradeDirection = 1
			} else {
				snap.LastTradePrice = bids[0].Price
				snap.TradeDirection = -1
			}
		}
	}
	return snap, nil
}

// Rewind resets pending user orders; the synthetic process itself has no
// history to seek through.
func (s *Simulator) Rewind(time.Duration) error {
	s.mu.Lock()
	s.pendingBuy, s.pendingSell = 0, 0
	s.mu.Unlock()
	return nil
}

// Close implements Source.
func (s *Simulator) Close() error { return nil }

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
