package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/lobscope/lobscope/internal/book"
)

var t0 = time.Date(2025, 12, 24, 12, 0, 0, 0, time.UTC)

func gapAlert(msg string) book.Alert {
	return book.Alert{Type: book.AlertLiquidityGap, Severity: book.SeverityMedium, Message: msg}
}

func TestFilterSuppressesDuplicatesInWindow(t *testing.T) {
	m := NewManager(5*time.Second, nil)

	first := m.Filter([]book.Alert{gapAlert("thin book")}, t0)
	if len(first) != 1 {
		t.Fatalf("first occurrence filtered: %v", first)
	}

	dup := m.Filter([]book.Alert{gapAlert("thin book")}, t0.Add(2*time.Second))
	if len(dup) != 0 {
		t.Fatalf("duplicate inside window passed: %v", dup)
	}

	later := m.Filter([]book.Alert{gapAlert("thin book")}, t0.Add(6*time.Second))
	if len(later) != 1 {
		t.Fatalf("alert past the window suppressed: %v", later)
	}

	_, suppressed := m.Stats()
	if suppressed != 1 {
		t.Fatalf("suppressed = %d, want 1", suppressed)
	}
}

func TestFilterDistinguishesMessages(t *testing.T) {
	m := NewManager(5*time.Second, nil)

	out := m.Filter([]book.Alert{gapAlert("3 thin levels"), gapAlert("5 thin levels")}, t0)
	if len(out) != 2 {
		t.Fatalf("distinct messages deduped together: %v", out)
	}
}

func TestFilterPreservesInputOrder(t *testing.T) {
	m := NewManager(5*time.Second, nil)

	in := []book.Alert{
		{Type: book.AlertDepthShock, Severity: book.SeverityHigh, Message: "a"},
		{Type: book.AlertLiquidityGap, Severity: book.SeverityMedium, Message: "b"},
		{Type: book.AlertSpoofing, Severity: book.SeverityCritical, Message: "c"},
	}
	out := m.Filter(in, t0)
	if len(out) != 3 {
		t.Fatalf("got %d alerts, want 3", len(out))
	}
	for i := range in {
		if out[i].Type != in[i].Type {
			t.Fatalf("order changed at %d: %s vs %s", i, out[i].Type, in[i].Type)
		}
	}
}

func TestEscalationAfterRepeats(t *testing.T) {
	m := NewManager(time.Second, nil)

	// Distinct messages defeat dedup; the third spoofing alert escalates
	// critical -> critical (capped), depth shock escalates on the second.
	now := t0
	var last book.Alert
	for i := 0; i < 3; i++ {
		out := m.Filter([]book.Alert{{
			Type:     book.AlertDepthShock,
			Severity: book.SeverityHigh,
			Message:  fmt.Sprintf("collapse %d", i),
		}}, now)
		last = out[0]
		now = now.Add(2 * time.Second)
	}
	if last.Severity != book.SeverityCritical {
		t.Fatalf("severity = %q after 3 depth shocks, want critical", last.Severity)
	}

	first := m.Filter([]book.Alert{{
		Type:     book.AlertLiquidityGap,
		Severity: book.SeverityMedium,
		Message:  "gap",
	}}, now)
	if first[0].Severity != book.SeverityMedium {
		t.Fatalf("unconfigured type escalated: %q", first[0].Severity)
	}
}

func TestCriticalStaysCritical(t *testing.T) {
	m := NewManager(time.Second, map[string]int{book.AlertSpoofing: 1})

	out := m.Filter([]book.Alert{{
		Type:     book.AlertSpoofing,
		Severity: book.SeverityCritical,
		Message:  "wall pulled",
	}}, t0)
	if out[0].Severity != book.SeverityCritical {
		t.Fatalf("severity = %q, want critical", out[0].Severity)
	}
}

func TestHistoryBounded(t *testing.T) {
	m := NewManager(time.Second, nil)

	now := t0
	for i := 0; i < DefaultAuditSize+50; i++ {
		m.Filter([]book.Alert{gapAlert(fmt.Sprintf("msg %d", i))}, now)
		now = now.Add(10 * time.Millisecond)
	}

	all := m.History(0)
	if len(all) != DefaultAuditSize {
		t.Fatalf("audit size = %d, want %d", len(all), DefaultAuditSize)
	}
	limited := m.History(10)
	if len(limited) != 10 {
		t.Fatalf("limited history = %d, want 10", len(limited))
	}
	// Newest entries survive.
	if limited[9].Message != fmt.Sprintf("msg %d", DefaultAuditSize+49) {
		t.Fatalf("unexpected newest entry: %s", limited[9].Message)
	}
}

func TestGCDropsStaleEntries(t *testing.T) {
	m := NewManager(5*time.Second, nil)

	m.Filter([]book.Alert{gapAlert("old")}, t0)
	if len(m.recent) != 1 {
		t.Fatalf("recent = %d, want 1", len(m.recent))
	}

	// Past the GC interval and twice the window: the entry is swept even
	// before any new alert arrives.
	m.Filter(nil, t0.Add(2*time.Minute))
	if len(m.recent) != 0 {
		t.Fatalf("stale dedup entry survived GC: %d", len(m.recent))
	}
}
