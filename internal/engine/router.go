package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/lobscope/lobscope/internal/book"
)

// Mode selects which backend handles snapshots.
type Mode string

const (
	ModePrimary   Mode = "primary"
	ModeSecondary Mode = "secondary"
)

// DefaultMaxFailures is the consecutive-failure ceiling before the router
// demotes itself to the secondary backend for the rest of the process (or
// until a manual switch back).
const DefaultMaxFailures = 5

// ErrUnknownMode rejects a manual switch to anything but primary/secondary.
var ErrUnknownMode = errors.New("engine: unknown engine mode")

// RouterConfig configures the process-wide engine router.
type RouterConfig struct {
	UsePrimary  bool
	PrimaryHost string
	PrimaryPort int
	CallTimeout time.Duration
	MaxFailures int

	// Optional telemetry hooks; must not call back into the Router.
	OnModeChange       func(mode Mode)
	ObservePrimaryCall func(elapsed time.Duration)
}

// Status is the observable router state.
type Status struct {
	Mode                Mode      `json:"mode"`
	PrimaryAvailable    bool      `json:"primary_available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MaxFailures         int       `json:"max_failures"`
	BreakerState        string    `json:"breaker_state"`
	Demoted             bool      `json:"demoted"`
	LastSwitch          time.Time `json:"last_switch,omitempty"`
}

// Router holds the primary/secondary routing decision for the whole
// process. One writer lock guards mode and client; readers take a
// snapshot, so a concurrent Initialize or Switch is observed as a whole.
type Router struct {
	cfg RouterConfig

	mu         sync.RWMutex
	mode       Mode
	client     *PrimaryClient
	failures   int
	demoted    bool
	lastSwitch time.Time

	breaker *gobreaker.CircuitBreaker
}

// NewRouter returns a router in secondary mode; Initialize promotes it.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	r := &Router{cfg: cfg, mode: ModeSecondary}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "primary-engine",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("primary engine breaker state change")
		},
	})
	r.notifyMode(ModeSecondary)
	return r
}

func (r *Router) notifyMode(mode Mode) {
	if r.cfg.OnModeChange != nil {
		r.cfg.OnModeChange(mode)
	}
}

// Initialize probes the primary with a canned snapshot and commits
// mode=PRIMARY plus the client only on success. A failed probe leaves the
// router in secondary mode without error; the engine tag tells the story.
func (r *Router) Initialize(ctx context.Context) error {
	if !r.cfg.UsePrimary {
		log.Info().Msg("primary engine disabled by configuration")
		return nil
	}

	client := NewPrimaryClient(r.cfg.PrimaryHost, r.cfg.PrimaryPort, r.cfg.CallTimeout)
	if err := client.Probe(ctx); err != nil {
		log.Warn().Err(err).
			Str("host", r.cfg.PrimaryHost).Int("port", r.cfg.PrimaryPort).
			Msg("primary engine unavailable, starting in secondary mode")
		return nil
	}

	r.mu.Lock()
	r.mode = ModePrimary
	r.client = client
	r.failures = 0
	r.demoted = false
	r.lastSwitch = time.Now()
	r.mu.Unlock()
	r.notifyMode(ModePrimary)

	log.Info().Str("host", r.cfg.PrimaryHost).Int("port", r.cfg.PrimaryPort).
		Msg("primary engine online")
	return nil
}

// Switch performs a manual mode transition. Switching to primary re-probes
// and re-arms the failure counter; switching to secondary just demotes.
func (r *Router) Switch(ctx context.Context, target Mode) error {
	switch target {
	case ModePrimary:
		client := NewPrimaryClient(r.cfg.PrimaryHost, r.cfg.PrimaryPort, r.cfg.CallTimeout)
		if err := client.Probe(ctx); err != nil {
			return fmt.Errorf("switch to primary: %w", err)
		}
		r.mu.Lock()
		r.mode = ModePrimary
		r.client = client
		r.failures = 0
		r.demoted = false
		r.lastSwitch = time.Now()
		r.mu.Unlock()
	case ModeSecondary:
		r.mu.Lock()
		r.mode = ModeSecondary
		r.lastSwitch = time.Now()
		r.mu.Unlock()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, target)
	}
	r.notifyMode(target)
	log.Info().Str("mode", string(target)).Msg("engine mode switched")
	return nil
}

// primarySnapshot returns the client when the primary path is currently
// eligible: primary mode, published client, failure streak under the cap.
func (r *Router) primarySnapshot() (*PrimaryClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mode != ModePrimary || r.client == nil || r.failures >= r.cfg.MaxFailures {
		return nil, false
	}
	return r.client, true
}

// CallPrimary routes one snapshot through the primary backend behind the
// circuit breaker, maintaining the consecutive-failure streak and demoting
// permanently once it reaches the cap.
func (r *Router) CallPrimary(ctx context.Context, snap *book.Snapshot) (*book.EnrichedSnapshot, error) {
	client, ok := r.primarySnapshot()
	if !ok {
		return nil, ErrPrimaryRPC
	}

	start := time.Now()
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return client.Analyze(ctx, snap)
	})
	if r.cfg.ObservePrimaryCall != nil {
		r.cfg.ObservePrimaryCall(time.Since(start))
	}
	if err != nil {
		r.recordFailure(err)
		return nil, err
	}

	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
	return result.(*book.EnrichedSnapshot), nil
}

func (r *Router) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	if r.failures >= r.cfg.MaxFailures && r.mode == ModePrimary {
		r.mode = ModeSecondary
		r.demoted = true
		r.lastSwitch = time.Now()
		r.notifyMode(ModeSecondary)
		log.Error().Err(err).Int("failures", r.failures).
			Msg("primary engine demoted after consecutive failures")
	}
}

// Mode returns the current routing mode.
func (r *Router) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Status reports the observable router state.
func (r *Router) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Mode:                r.mode,
		PrimaryAvailable:    r.client != nil,
		ConsecutiveFailures: r.failures,
		MaxFailures:         r.cfg.MaxFailures,
		BreakerState:        r.breaker.State().String(),
		Demoted:             r.demoted,
		LastSwitch:          r.lastSwitch,
	}
}
