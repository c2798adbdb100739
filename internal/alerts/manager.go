// Package alerts filters the raw detector output: duplicate suppression
// inside a sliding window, per-type escalation once a pattern repeats, and
// a bounded audit trail of everything that got through.
package alerts

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/ring"
)

const (
	// DefaultDedupWindow suppresses identical alerts arriving within it.
	DefaultDedupWindow = 5 * time.Second

	// DefaultAuditSize bounds the audit ring.
	DefaultAuditSize = 1000

	// gcInterval is the minimum gap between dedup-map sweeps.
	gcInterval = 60 * time.Second
)

// DefaultEscalation maps alert types to the occurrence count that bumps
// severity one step.
var DefaultEscalation = map[string]int{
	book.AlertSpoofing:       3,
	book.AlertDepthShock:     2,
	book.AlertHeavyImbalance: 5,
}

// AuditEntry is one accepted alert as recorded in the audit ring.
type AuditEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Type      string        `json:"type"`
	Severity  book.Severity `json:"severity"`
	Message   string        `json:"message"`
}

// Manager is the per-session alert filter. Single-goroutine use.
type Manager struct {
	window     time.Duration
	escalation map[string]int

	recent     map[uint64]time.Time // alert hash -> last accepted
	typeCounts map[string]int
	audit      *ring.Ring[AuditEntry]

	suppressed uint64
	lastGC     time.Time
}

// NewManager returns a manager with the given dedup window and escalation
// thresholds; zero/nil arguments select the defaults.
func NewManager(window time.Duration, escalation map[string]int) *Manager {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if escalation == nil {
		escalation = DefaultEscalation
	}
	return &Manager{
		window:     window,
		escalation: escalation,
		recent:     make(map[uint64]time.Time),
		typeCounts: make(map[string]int),
		audit:      ring.New[AuditEntry](DefaultAuditSize),
	}
}

// Filter applies dedup and escalation to one tick's alerts, records the
// survivors in the audit ring, and returns them in input order.
func (m *Manager) Filter(alerts []book.Alert, now time.Time) []book.Alert {
	m.maybeGC(now)
	if len(alerts) == 0 {
		return nil
	}

	out := alerts[:0]
	for _, a := range alerts {
		h := identity(a)
		if last, seen := m.recent[h]; seen && now.Sub(last) < m.window {
			m.suppressed++
			continue
		}
		m.recent[h] = now

		m.typeCounts[a.Type]++
		if threshold, ok := m.escalation[a.Type]; ok {
			if n := m.typeCounts[a.Type]; n >= threshold {
				a.Severity = a.Severity.Escalated()
				a.Message = fmt.Sprintf("%s [ESCALATED: %d occurrences]", a.Message, n)
			}
		}

		m.audit.Push(AuditEntry{
			Timestamp: now,
			Type:      a.Type,
			Severity:  a.Severity,
			Message:   a.Message,
		})
		out = append(out, a)
	}
	return out
}

// identity hashes type and message; two alerts with equal identity are
// duplicates for dedup purposes.
func identity(a book.Alert) uint64 {
	h := fnv.New64a()
	h.Write([]byte(a.Type))
	h.Write([]byte{0})
	h.Write([]byte(a.Message))
	return h.Sum64()
}

// maybeGC drops dedup entries idle for more than twice the window, at most
// once per gcInterval.
func (m *Manager) maybeGC(now time.Time) {
	if now.Sub(m.lastGC) < gcInterval {
		return
	}
	m.lastGC = now
	cutoff := now.Add(-2 * m.window)
	for h, last := range m.recent {
		if last.Before(cutoff) {
			delete(m.recent, h)
		}
	}
}

// History returns up to limit audit entries, newest last.
func (m *Manager) History(limit int) []AuditEntry {
	entries := m.audit.Values()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// Stats summarizes accepted counts per type plus the suppression total.
func (m *Manager) Stats() (perType map[string]int, suppressed uint64) {
	perType = make(map[string]int, len(m.typeCounts))
	for k, v := range m.typeCounts {
		perType[k] = v
	}
	return perType, m.suppressed
}
