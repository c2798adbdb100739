package book

import "fmt"

const (
	// maxValidatedLevels bounds per-level checks to the book depth the
	// pipeline actually consumes.
	maxValidatedLevels = 10

	defaultPrice  = 100.0
	defaultVolume = 0.0

	// wideSpreadFraction flags books whose spread exceeds this share of the
	// best ask as suspicious without rejecting them.
	wideSpreadFraction = 0.1
)

// Validate checks a snapshot for completeness and numeric sanity. It returns
// ok=false with the fatal errors found, plus warnings that flag suspicious
// but acceptable books (wide spread). Warnings never fail validation.
func Validate(s *Snapshot) (ok bool, errs, warns []string) {
	if s == nil {
		return false, []string{"nil snapshot"}, nil
	}

	if len(s.Bids) == 0 {
		errs = append(errs, "Bids must be a non-empty list")
	}
	if len(s.Asks) == 0 {
		errs = append(errs, "Asks must be a non-empty list")
	}
	if !IsFinite(s.MidPrice) || s.MidPrice <= 0 {
		errs = append(errs, fmt.Sprintf("Invalid mid_price: %v", s.MidPrice))
	}
	if len(errs) > 0 {
		// Level and cross checks need a populated book.
		return false, errs, nil
	}

	for i, lvl := range s.Bids {
		if i >= maxValidatedLevels {
			break
		}
		if !IsFinite(lvl.Price) || lvl.Price <= 0 {
			errs = append(errs, fmt.Sprintf("Bid level %d: Invalid price %v", i, lvl.Price))
		}
		if !IsFinite(lvl.Volume) || lvl.Volume < 0 {
			errs = append(errs, fmt.Sprintf("Bid level %d: Invalid volume %v", i, lvl.Volume))
		}
	}
	for i, lvl := range s.Asks {
		if i >= maxValidatedLevels {
			break
		}
		if !IsFinite(lvl.Price) || lvl.Price <= 0 {
			errs = append(errs, fmt.Sprintf("Ask level %d: Invalid price %v", i, lvl.Price))
		}
		if !IsFinite(lvl.Volume) || lvl.Volume < 0 {
			errs = append(errs, fmt.Sprintf("Ask level %d: Invalid volume %v", i, lvl.Volume))
		}
	}

	if len(errs) == 0 {
		bestBid := s.Bids[0].Price
		bestAsk := s.Asks[0].Price
		if bestBid >= bestAsk {
			errs = append(errs, fmt.Sprintf("Invalid book: best_bid (%v) >= best_ask (%v)", bestBid, bestAsk))
		} else if spread := bestAsk - bestBid; spread > bestAsk*wideSpreadFraction {
			warns = append(warns, fmt.Sprintf("Suspiciously wide spread: %v (%.1f%%)", spread, spread/bestAsk*100))
		}
	}

	return len(errs) == 0, errs, warns
}

// Sanitize returns a copy of s with corrupt numeric fields replaced by typed
// defaults: non-finite or negative prices become 100.0, non-finite or
// negative volumes become 0.0. A zero mid price is left alone; it means the
// field was never supplied, and that stays fatal on re-validation. Sanitize
// is idempotent on clean snapshots.
func Sanitize(s *Snapshot) *Snapshot {
	out := s.Clone()

	if !IsFinite(out.MidPrice) || out.MidPrice < 0 {
		out.MidPrice = defaultPrice
	}
	for i := range out.Bids {
		out.Bids[i] = sanitizeLevel(out.Bids[i])
	}
	for i := range out.Asks {
		out.Asks[i] = sanitizeLevel(out.Asks[i])
	}
	return out
}

func sanitizeLevel(l Level) Level {
	if !IsFinite(l.Price) || l.Price < 0 {
		l.Price = defaultPrice
	}
	if !IsFinite(l.Volume) || l.Volume < 0 {
		l.Volume = defaultVolume
	}
	return l
}
