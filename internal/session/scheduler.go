package session

import (
	"math"

	"github.com/lobscope/lobscope/internal/ring"
	"github.com/lobscope/lobscope/internal/stat"
)

const (
	schedulerWindow   = 20
	schedulerTrailing = 5

	// skipDivisor converts a slow trailing average (ms) into a skip ratio.
	skipDivisor = 50.0
	maxSkip     = 3.0

	// exitFraction leaves adaptive mode once the trailing average falls
	// below this share of the slow threshold.
	exitFraction = 0.7
)

// Scheduler sheds load when the analytics worker falls behind: after a
// sustained run of slow ticks it processes only every k-th snapshot until
// the trailing average recovers. Owned by the worker; not concurrency-safe.
type Scheduler struct {
	slowMs  float64
	samples *ring.Ring[float64]

	adaptive bool
	skip     int
	counter  int
	skipped  uint64
}

// NewScheduler returns a scheduler triggering at the given slow-tick
// threshold in milliseconds.
func NewScheduler(slowMs float64) *Scheduler {
	if slowMs <= 0 {
		slowMs = 100
	}
	return &Scheduler{
		slowMs:  slowMs,
		samples: ring.New[float64](schedulerWindow),
		skip:    1,
	}
}

// Record feeds one processing-time sample and re-evaluates adaptive mode
// against the trailing average of the most recent samples.
func (s *Scheduler) Record(ms float64) {
	s.samples.Push(ms)
	trailing := s.samples.Last(schedulerTrailing)
	if len(trailing) < schedulerTrailing {
		return
	}
	avg := stat.Mean(trailing)

	switch {
	case avg > s.slowMs:
		ratio := stat.Clamp(avg/skipDivisor, 1, maxSkip)
		s.skip = int(math.Round(ratio))
		if s.skip < 1 {
			s.skip = 1
		}
		s.adaptive = true
	case avg < exitFraction*s.slowMs:
		s.adaptive = false
		s.skip = 1
		s.counter = 0
	}
}

// ShouldProcess reports whether the next snapshot should run through the
// pipeline. In adaptive mode only every skip-th call returns true; skipped
// snapshots must not touch pipeline state.
func (s *Scheduler) ShouldProcess() bool {
	if !s.adaptive || s.skip <= 1 {
		return true
	}
	s.counter++
	if s.counter%s.skip == 0 {
		return true
	}
	s.skipped++
	return false
}

// Adaptive reports whether load shedding is active.
func (s *Scheduler) Adaptive() bool { return s.adaptive }

// SkipRatio returns the current skip ratio (1 when not shedding).
func (s *Scheduler) SkipRatio() int { return s.skip }

// Skipped returns how many snapshots have been shed.
func (s *Scheduler) Skipped() uint64 { return s.skipped }
