package session

import (
	"sync"
	"time"
)

// State is the playback lifecycle state of a session.
type State string

const (
	StateStopped State = "STOPPED"
	StatePlaying State = "PLAYING"
	StatePaused  State = "PAUSED"
)

// Speed bounds for playback.
const (
	MinSpeed = 1
	MaxSpeed = 100
)

// Playback tracks one session's playback position and pace. Controls
// arrive from the HTTP surface while the producer reads concurrently, so
// access is mutex-guarded.
type Playback struct {
	mu           sync.RWMutex
	state        State
	speed        int
	cursorTS     time.Time
	createdAt    time.Time
	lastActivity time.Time
}

// NewPlayback returns a stopped playback at speed 1.
func NewPlayback(now time.Time) *Playback {
	return &Playback{
		state:        StateStopped,
		speed:        MinSpeed,
		createdAt:    now,
		lastActivity: now,
	}
}

// Start begins (or restarts) playback. Idempotent when already playing.
func (p *Playback) Start() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StatePlaying
	p.lastActivity = time.Now()
	return p.state
}

// Pause suspends a playing session; any other state is unchanged.
func (p *Playback) Pause() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePlaying {
		p.state = StatePaused
	}
	p.lastActivity = time.Now()
	return p.state
}

// Resume continues a paused session; any other state is unchanged.
func (p *Playback) Resume() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePaused {
		p.state = StatePlaying
	}
	p.lastActivity = time.Now()
	return p.state
}

// Stop halts playback.
func (p *Playback) Stop() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateStopped
	p.lastActivity = time.Now()
	return p.state
}

// SetSpeed clamps and applies a playback speed, returning the value that
// took effect.
func (p *Playback) SetSpeed(speed int) int {
	if speed < MinSpeed {
		speed = MinSpeed
	}
	if speed > MaxSpeed {
		speed = MaxSpeed
	}
	p.mu.Lock()
	p.speed = speed
	p.lastActivity = time.Now()
	p.mu.Unlock()
	return speed
}

// Speed returns the current playback speed.
func (p *Playback) Speed() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.speed
}

// State returns the current lifecycle state.
func (p *Playback) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Playing reports whether the producer should be feeding snapshots.
func (p *Playback) Playing() bool {
	return p.State() == StatePlaying
}

// Advance moves the cursor forward to the given snapshot timestamp.
func (p *Playback) Advance(ts time.Time) {
	p.mu.Lock()
	if ts.After(p.cursorTS) {
		p.cursorTS = ts
	}
	p.mu.Unlock()
}

// RewindBy moves the cursor back by d and returns the new position.
func (p *Playback) RewindBy(d time.Duration) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursorTS = p.cursorTS.Add(-d)
	p.lastActivity = time.Now()
	return p.cursorTS
}

// Cursor returns the current cursor timestamp.
func (p *Playback) Cursor() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursorTS
}

// Touch refreshes the activity clock.
func (p *Playback) Touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// LastActivity returns when the session was last touched.
func (p *Playback) LastActivity() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActivity
}

// CreatedAt returns the session creation time.
func (p *Playback) CreatedAt() time.Time {
	return p.createdAt
}
