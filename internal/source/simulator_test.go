package source

import (
	"context"
	"testing"

	"github.com/lobscope/lobscope/internal/book"
)

func TestSimulatorProducesValidSnapshots(t *testing.T) {
	sim := NewSimulator(42, 100)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		snap, err := sim.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ok, errs, _ := book.Validate(snap); !ok {
			t.Fatalf("tick %d invalid: %v", i, errs)
		}
		if len(snap.Bids) != simDepth || len(snap.Asks) != simDepth {
			t.Fatalf("tick %d depth = %d/%d, want %d", i, len(snap.Bids), len(snap.Asks), simDepth)
		}
		if snap.Bids[0].Price >= snap.Asks[0].Price {
			t.Fatalf("tick %d crossed book: bid %v >= ask %v", i, snap.Bids[0].Price, snap.Asks[0].Price)
		}
	}
}

func TestSimulatorDeterministicBySeed(t *testing.T) {
	a := NewSimulator(7, 100)
	b := NewSimulator(7, 100)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		sa, err := a.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		sb, err := b.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if sa.MidPrice != sb.MidPrice || sa.TradeVolume != sb.TradeVolume {
			t.Fatalf("tick %d diverged: mid %v/%v trade %v/%v",
				i, sa.MidPrice, sb.MidPrice, sa.TradeVolume, sb.TradeVolume)
		}
	}
}

func TestSimulatorConsumesPushedOrder(t *testing.T) {
	sim := NewSimulator(1, 100)
	ctx := context.Background()

	sim.PushOrder("buy", 500)
	snap, err := sim.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.TradeVolume != 500 || snap.TradeDirection != 1 {
		t.Fatalf("buy order not printed: volume %v direction %d", snap.TradeVolume, snap.TradeDirection)
	}
	if snap.LastTradePrice != snap.Asks[0].Price {
		t.Fatalf("buy printed at %v, want best ask %v", snap.LastTradePrice, snap.Asks[0].Price)
	}

	sim.PushOrder("sell", 300)
	snap, err = sim.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.TradeVolume != 300 || snap.TradeDirection != -1 {
		t.Fatalf("sell order not printed: volume %v direction %d", snap.TradeVolume, snap.TradeDirection)
	}
}

func TestSimulatorCapsOrderVolume(t *testing.T) {
	sim := NewSimulator(1, 100)
	sim.PushOrder("buy", 1e9)

	snap, err := sim.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.TradeVolume != maxUserOrder {
		t.Fatalf("volume = %v, want cap %v", snap.TradeVolume, maxUserOrder)
	}
}

func TestSimulatorRewindClearsPending(t *testing.T) {
	sim := NewSimulator(9, 100)
	sim.PushOrder("buy", 500)
	if err := sim.Rewind(0); err != nil {
		t.Fatal(err)
	}

	snap, err := sim.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.TradeVolume == 500 {
		t.Fatal("pending order survived rewind")
	}
}

func TestSimulatorNextHonorsContext(t *testing.T) {
	sim := NewSimulator(1, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sim.Next(ctx); err == nil {
		t.Fatal("Next on canceled context should fail")
	}
}
