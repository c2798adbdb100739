package stat

import (
	"math"
	"testing"
)

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMean(t *testing.T) {
	if got := Mean(nil); got != 0 {
		t.Fatalf("Mean(nil) = %v", got)
	}
	if got := Mean([]float64{2, 4, 6}); !almost(got, 4) {
		t.Fatalf("Mean = %v, want 4", got)
	}
}

func TestStd(t *testing.T) {
	if got := Std(nil); got != 0 {
		t.Fatalf("Std(nil) = %v", got)
	}
	// population std of {2,4,4,4,5,5,7,9} is exactly 2
	got := Std([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !almost(got, 2) {
		t.Fatalf("Std = %v, want 2", got)
	}
	if got := Std([]float64{5, 5, 5}); !almost(got, 0) {
		t.Fatalf("Std of constants = %v, want 0", got)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct{ x, lo, hi, want float64 }{
		{5, 0, 10, 5},
		{-3, -1, 1, -1},
		{3, -1, 1, 1},
	}
	for _, tt := range tests {
		if got := Clamp(tt.x, tt.lo, tt.hi); got != tt.want {
			t.Errorf("Clamp(%v, %v, %v) = %v, want %v", tt.x, tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestSigmoid(t *testing.T) {
	if got := Sigmoid(0); !almost(got, 0.5) {
		t.Fatalf("Sigmoid(0) = %v", got)
	}
	if got := Sigmoid(100); got <= 0.99 {
		t.Fatalf("Sigmoid(100) = %v", got)
	}
	if got := Sigmoid(-100); got >= 0.01 {
		t.Fatalf("Sigmoid(-100) = %v", got)
	}
}

func TestLogReturns(t *testing.T) {
	if got := LogReturns([]float64{100}); got != nil {
		t.Fatalf("single price returned %v", got)
	}
	rets := LogReturns([]float64{100, 110, 99})
	if len(rets) != 2 {
		t.Fatalf("len = %d", len(rets))
	}
	if !almost(rets[0], math.Log(1.1)) {
		t.Fatalf("rets[0] = %v", rets[0])
	}
	if rets[1] >= 0 {
		t.Fatalf("down move produced non-negative return %v", rets[1])
	}
}
