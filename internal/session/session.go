// Package session owns the per-session streaming runtime: the bounded
// ingest and outbound queues, the producer/worker/broadcaster goroutines,
// playback state, and the adaptive load-shedding scheduler. A session
// exclusively owns all of its analytics state; no two sessions share
// anything mutable except the process-wide engine router and telemetry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/engine"
	"github.com/lobscope/lobscope/internal/ring"
	"github.com/lobscope/lobscope/internal/source"
	"github.com/lobscope/lobscope/internal/telemetry"
	"github.com/lobscope/lobscope/internal/telemetry/latency"
)

// ErrRewindUnsupported surfaces a rewind request against a live source.
var ErrRewindUnsupported = source.ErrRewindUnsupported

// Config bundles the per-session runtime tunables.
type Config struct {
	IngestQueueSize       int
	OutboundQueueSize     int
	BackpressureThreshold int
	DataBufferSize        int
	TickInterval          time.Duration
	SlowTick              time.Duration
}

// Info is the control surface's view of a session.
type Info struct {
	SessionID    string    `json:"session_id"`
	State        State     `json:"state"`
	Speed        int       `json:"speed"`
	CursorTS     time.Time `json:"cursor_ts"`
	BufferSize   int       `json:"buffer_size"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Adaptive     bool      `json:"adaptive_mode"`
	SkipRatio    int       `json:"skip_ratio"`
	QueueDepth   int       `json:"queue_depth"`
}

// Session is one client's replay pipeline. Three goroutines cooperate
// through the bounded queues: the producer pulls from the source, the
// worker enriches, the broadcaster fans out to the single client channel.
type Session struct {
	ID string

	cfg       Config
	src       source.Source
	processor *engine.Processor
	scheduler *Scheduler
	playback  *Playback
	collector *telemetry.Collector

	ingestQ   chan *book.Snapshot
	outboundQ chan *book.EnrichedSnapshot

	dataMu  sync.Mutex
	dataBuf *ring.Ring[*book.EnrichedSnapshot]

	clientMu sync.RWMutex
	client   chan *book.EnrichedSnapshot

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a session and starts its goroutines.
func New(id string, cfg Config, src source.Source, processor *engine.Processor, collector *telemetry.Collector) *Session {
	if cfg.IngestQueueSize <= 0 {
		cfg.IngestQueueSize = 2000
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 2000
	}
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = cfg.IngestQueueSize * 3 / 4
	}
	if cfg.DataBufferSize <= 0 {
		cfg.DataBufferSize = 100
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		cfg:       cfg,
		src:       src,
		processor: processor,
		scheduler: NewScheduler(float64(cfg.SlowTick.Milliseconds())),
		playback:  NewPlayback(time.Now()),
		collector: collector,
		ingestQ:   make(chan *book.Snapshot, cfg.IngestQueueSize),
		outboundQ: make(chan *book.EnrichedSnapshot, cfg.OutboundQueueSize),
		dataBuf:   ring.New[*book.EnrichedSnapshot](cfg.DataBufferSize),
		limiter:   rate.NewLimiter(paceFor(cfg.TickInterval, MinSpeed), 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.wg.Add(3)
	go s.produce()
	go s.work()
	go s.broadcast()

	log.Info().Str("session", id).Msg("session created")
	return s
}

// paceFor converts base tick interval and speed into a rate limit.
func paceFor(interval time.Duration, speed int) rate.Limit {
	perSec := float64(time.Second) / float64(interval)
	return rate.Limit(perSec * float64(speed))
}

// produce pulls snapshots from the source at the playback pace and feeds
// the ingest queue, skipping ticks while the queue is over the
// backpressure watermark.
func (s *Session) produce() {
	defer s.wg.Done()

	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
		if !s.playback.Playing() {
			continue
		}

		if len(s.ingestQ) > s.cfg.BackpressureThreshold {
			s.collector.Add(telemetry.CounterBackpressure, 1)
			select {
			case <-time.After(s.cfg.TickInterval):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		snap, err := s.src.Next(s.ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, source.ErrExhausted):
				log.Info().Str("session", s.ID).Msg("source exhausted, stopping playback")
				s.playback.Stop()
				continue
			default:
				log.Warn().Err(err).Str("session", s.ID).Msg("source read failed")
				continue
			}
		}

		select {
		case s.ingestQ <- snap:
		default:
			s.collector.Drop(telemetry.DropIngestFull, telemetry.CounterQueueFull)
		}
	}
}

// work drains the ingest queue through the processor. Skipped snapshots
// under adaptive mode never touch pipeline state.
func (s *Session) work() {
	defer s.wg.Done()

	for {
		var snap *book.Snapshot
		select {
		case snap = <-s.ingestQ:
		case <-s.ctx.Done():
			return
		}

		if !s.scheduler.ShouldProcess() {
			s.collector.Add(telemetry.CounterSkipped, 1)
			continue
		}

		now := snap.Timestamp
		if now.IsZero() {
			now = time.Now()
		}
		enriched := s.processor.Process(s.ctx, snap, now)

		if s.cfg.SlowTick > 0 && enriched.ProcessingMs > float64(s.cfg.SlowTick.Milliseconds()) {
			enriched.Anomalies = append(enriched.Anomalies, book.Alert{
				Type:         book.AlertProcessingSlow,
				Severity:     book.SeverityMedium,
				Message:      fmt.Sprintf("Tick processing took %.1f ms", enriched.ProcessingMs),
				ProcessingMs: enriched.ProcessingMs,
			})
		}

		s.scheduler.Record(enriched.ProcessingMs)
		s.collector.Latency.Record(latency.StageProcess,
			time.Duration(enriched.ProcessingMs*float64(time.Millisecond)))
		s.collector.RecordEnriched(s.ID, enriched)
		s.collector.SetQueueDepth(s.ID, len(s.ingestQ))
		s.playback.Advance(enriched.Timestamp)

		// Close the simulator's feedback loop so synthetic flow reacts to
		// its own imbalance.
		if sim, ok := s.src.(*source.Simulator); ok {
			sim.FeedOFI(enriched.OFINormalized)
		}

		select {
		case s.outboundQ <- enriched:
		case <-s.ctx.Done():
			return
		default:
			s.collector.Drop(telemetry.DropOutboundFull, telemetry.CounterQueueFull)
		}
	}
}

// broadcast drains the outbound queue into the session data buffer and the
// client channel. A full or absent client is counted, never fatal.
func (s *Session) broadcast() {
	defer s.wg.Done()

	for {
		var enriched *book.EnrichedSnapshot
		select {
		case enriched = <-s.outboundQ:
		case <-s.ctx.Done():
			return
		}

		s.dataMu.Lock()
		s.dataBuf.Push(enriched)
		s.dataMu.Unlock()

		start := time.Now()
		s.clientMu.RLock()
		client := s.client
		s.clientMu.RUnlock()
		if client == nil {
			continue
		}
		select {
		case client <- enriched:
			s.playback.Touch()
		default:
			s.collector.Drop(telemetry.DropClientFull, telemetry.CounterSendFailures)
		}
		s.collector.Latency.Record(latency.StageBroadcast, time.Since(start))
	}
}

// AttachClient installs the session's single client channel, returning it
// together with the buffered history. A previous client is replaced.
func (s *Session) AttachClient(buffer int) (<-chan *book.EnrichedSnapshot, []*book.EnrichedSnapshot) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *book.EnrichedSnapshot, buffer)

	s.clientMu.Lock()
	s.client = ch
	s.clientMu.Unlock()

	s.playback.Touch()
	return ch, s.History()
}

// DetachClient removes the client channel if it is still the one handed
// out; the stream keeps running into the data buffer.
func (s *Session) DetachClient(ch <-chan *book.EnrichedSnapshot) {
	s.clientMu.Lock()
	if s.client != nil && ch == s.client {
		s.client = nil
	}
	s.clientMu.Unlock()
}

// History copies the session's bounded data buffer, oldest first.
func (s *Session) History() []*book.EnrichedSnapshot {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.dataBuf.Values()
}

// Start, Pause, Resume, Stop drive playback.
func (s *Session) Start() State  { return s.playback.Start() }
func (s *Session) Pause() State  { return s.playback.Pause() }
func (s *Session) Resume() State { return s.playback.Resume() }
func (s *Session) Stop() State   { return s.playback.Stop() }

// SetSpeed clamps and applies the playback speed, retuning the producer
// pace to match.
func (s *Session) SetSpeed(speed int) int {
	applied := s.playback.SetSpeed(speed)
	s.limiter.SetLimit(paceFor(s.cfg.TickInterval, applied))
	return applied
}

// GoBack rewinds the cursor by the given duration, clearing the replay
// queue and the outbound data buffer so output resumes strictly after the
// new cursor. Fails with ErrRewindUnsupported on live sources.
func (s *Session) GoBack(back time.Duration) (time.Time, error) {
	if err := s.src.Rewind(back); err != nil {
		return time.Time{}, err
	}
	cursor := s.playback.RewindBy(back)

	// Discard everything queued ahead of the new cursor.
	s.drainQueues()
	s.dataMu.Lock()
	s.dataBuf.Clear()
	s.dataMu.Unlock()

	log.Info().Str("session", s.ID).Time("cursor", cursor).Msg("session rewound")
	return cursor, nil
}

func (s *Session) drainQueues() {
	for {
		select {
		case <-s.ingestQ:
		default:
			goto outbound
		}
	}
outbound:
	for {
		select {
		case <-s.outboundQ:
		default:
			return
		}
	}
}

// Info reports the session's observable state.
func (s *Session) Info() Info {
	s.dataMu.Lock()
	buffered := s.dataBuf.Len()
	s.dataMu.Unlock()

	return Info{
		SessionID:    s.ID,
		State:        s.playback.State(),
		Speed:        s.playback.Speed(),
		CursorTS:     s.playback.Cursor(),
		BufferSize:   buffered,
		CreatedAt:    s.playback.CreatedAt(),
		LastActivity: s.playback.LastActivity(),
		Adaptive:     s.scheduler.Adaptive(),
		SkipRatio:    s.scheduler.SkipRatio(),
		QueueDepth:   len(s.ingestQ),
	}
}

// Idle reports whether the session has been inactive longer than d.
func (s *Session) Idle(d time.Duration) bool {
	return time.Since(s.playback.LastActivity()) > d
}

// Source exposes the session's snapshot source (the control surface pushes
// simulated orders through it).
func (s *Session) Source() source.Source { return s.src }

// Pipeline exposes the session's local analytics pipeline.
func (s *Session) Pipeline() *engine.Pipeline { return s.processor.Pipeline() }

// Processor exposes the session's engine processor (for benchmarks).
func (s *Session) Processor() *engine.Processor { return s.processor }

// Close stops playback, cancels the goroutines, and discards pending
// queue items. Idempotent.
func (s *Session) Close() {
	s.playback.Stop()
	s.cancel()
	s.wg.Wait()
	s.collector.ForgetSession(s.ID)
	_ = s.src.Close()
	log.Info().Str("session", s.ID).Msg("session closed")
}
