package session

import "testing"

func TestSchedulerStaysOffWhenFast(t *testing.T) {
	s := NewScheduler(100)
	for i := 0; i < 50; i++ {
		s.Record(5)
		if !s.ShouldProcess() {
			t.Fatal("fast ticks must never be skipped")
		}
	}
	if s.Adaptive() {
		t.Fatal("adaptive mode engaged on fast ticks")
	}
}

func TestSchedulerNeedsSustainedSlowness(t *testing.T) {
	s := NewScheduler(100)

	// A single slow tick inside a fast trailing window is noise.
	for _, ms := range []float64{5, 5, 300, 5, 5} {
		s.Record(ms)
	}
	if s.Adaptive() {
		t.Fatal("one slow tick engaged adaptive mode")
	}

	// Five slow ticks in a row push the trailing average over the line.
	for i := 0; i < 5; i++ {
		s.Record(150)
	}
	if !s.Adaptive() {
		t.Fatal("sustained slowness did not engage adaptive mode")
	}
	if s.SkipRatio() < 1 || s.SkipRatio() > 3 {
		t.Fatalf("skip ratio = %d, want within [1,3]", s.SkipRatio())
	}
}

func TestSchedulerSkipRatioClamped(t *testing.T) {
	s := NewScheduler(100)
	for i := 0; i < 5; i++ {
		s.Record(100000)
	}
	if got := s.SkipRatio(); got != 3 {
		t.Fatalf("skip ratio = %d, want clamp at 3", got)
	}
}

func TestSchedulerShedsEveryKth(t *testing.T) {
	s := NewScheduler(100)
	for i := 0; i < 5; i++ {
		s.Record(150) // avg 150 -> ratio 3
	}
	if s.SkipRatio() != 3 {
		t.Fatalf("skip ratio = %d, want 3", s.SkipRatio())
	}

	processed := 0
	for i := 0; i < 30; i++ {
		if s.ShouldProcess() {
			processed++
		}
	}
	if processed != 10 {
		t.Fatalf("processed %d of 30, want 10 at skip ratio 3", processed)
	}
	if s.Skipped() != 20 {
		t.Fatalf("skipped = %d, want 20", s.Skipped())
	}
}

func TestSchedulerExitsBelowRecoveryFraction(t *testing.T) {
	s := NewScheduler(100)
	for i := 0; i < 5; i++ {
		s.Record(150)
	}
	if !s.Adaptive() {
		t.Fatal("setup: adaptive mode not engaged")
	}

	// 80ms sits between the exit fraction (70) and the threshold: hold.
	for i := 0; i < 5; i++ {
		s.Record(80)
	}
	if !s.Adaptive() {
		t.Fatal("left adaptive mode inside the hysteresis band")
	}

	// Well under the exit fraction: disengage and reset the ratio.
	for i := 0; i < 5; i++ {
		s.Record(10)
	}
	if s.Adaptive() {
		t.Fatal("did not leave adaptive mode after recovery")
	}
	if s.SkipRatio() != 1 {
		t.Fatalf("skip ratio = %d after recovery, want 1", s.SkipRatio())
	}
}
