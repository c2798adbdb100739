package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lobscope/lobscope/internal/book"
)

// Engine tags carried on every enriched snapshot for observability.
const (
	TagPrimary          = "primary"
	TagPrimaryAugmented = "primary+secondary_advanced"
	TagSecondary        = "secondary"
	TagFallback         = "secondary_fallback"
)

// Processor routes one session's snapshots: primary backend when the
// shared router allows it, this session's reference pipeline otherwise.
// The pipeline is session-owned; the router is shared across sessions.
type Processor struct {
	router   *Router
	pipeline *Pipeline
}

// NewProcessor pairs a session pipeline with the process router.
func NewProcessor(router *Router, pipeline *Pipeline) *Processor {
	return &Processor{router: router, pipeline: pipeline}
}

// Process enriches one snapshot and stamps the engine tag plus the
// processing time. Primary failures fall back to the local pipeline within
// the same call, so the caller always gets an enriched snapshot.
func (p *Processor) Process(ctx context.Context, snap *book.Snapshot, now time.Time) *book.EnrichedSnapshot {
	start := time.Now()
	out := p.route(ctx, snap, now)
	out.ProcessingMs = float64(time.Since(start).Microseconds()) / 1000
	return out
}

func (p *Processor) route(ctx context.Context, snap *book.Snapshot, now time.Time) *book.EnrichedSnapshot {
	if _, ok := p.router.primarySnapshot(); !ok {
		out := p.pipeline.Process(snap, now)
		out.Engine = TagSecondary
		return out
	}

	enriched, err := p.router.CallPrimary(ctx, snap)
	if err != nil {
		log.Debug().Err(err).Msg("primary engine call failed, using local pipeline")
		out := p.pipeline.Process(snap, now)
		out.Engine = TagFallback
		return out
	}

	enriched.Engine = TagPrimary
	if p.pipeline.Augment(enriched, now) {
		enriched.Engine = TagPrimaryAugmented
	}
	return enriched
}

// Pipeline exposes the session's reference pipeline for the read surfaces
// (alert history, stats).
func (p *Processor) Pipeline() *Pipeline {
	return p.pipeline
}

// BenchmarkResult holds one backend's timing over the benchmark run.
type BenchmarkResult struct {
	Engine     string  `json:"engine"`
	Iterations int     `json:"iterations"`
	AvgMs      float64 `json:"avg_ms"`
	MinMs      float64 `json:"min_ms"`
	MaxMs      float64 `json:"max_ms"`
	Errors     int     `json:"errors"`
}

// Benchmark drives the canned probe snapshot through both backends N times
// and reports per-engine timing. The secondary run uses a throwaway
// pipeline so session state stays untouched.
func (p *Processor) Benchmark(ctx context.Context, iterations int, cfg PipelineConfig) []BenchmarkResult {
	if iterations <= 0 {
		iterations = 100
	}
	results := make([]BenchmarkResult, 0, 2)

	if client, ok := p.router.primarySnapshot(); ok {
		res := BenchmarkResult{Engine: TagPrimary, Iterations: iterations, MinMs: -1}
		var total float64
		for i := 0; i < iterations; i++ {
			start := time.Now()
			_, err := client.Analyze(ctx, probeSnapshot())
			ms := float64(time.Since(start).Microseconds()) / 1000
			if err != nil {
				res.Errors++
				continue
			}
			total += ms
			if res.MinMs < 0 || ms < res.MinMs {
				res.MinMs = ms
			}
			if ms > res.MaxMs {
				res.MaxMs = ms
			}
		}
		if done := iterations - res.Errors; done > 0 {
			res.AvgMs = total / float64(done)
		}
		if res.MinMs < 0 {
			res.MinMs = 0
		}
		results = append(results, res)
	}

	scratch := NewPipeline(cfg)
	res := BenchmarkResult{Engine: TagSecondary, Iterations: iterations, MinMs: -1}
	var total float64
	now := time.Now()
	for i := 0; i < iterations; i++ {
		start := time.Now()
		scratch.Process(probeSnapshot(), now.Add(time.Duration(i)*time.Millisecond))
		ms := float64(time.Since(start).Microseconds()) / 1000
		total += ms
		if res.MinMs < 0 || ms < res.MinMs {
			res.MinMs = ms
		}
		if ms > res.MaxMs {
			res.MaxMs = ms
		}
	}
	res.AvgMs = total / float64(iterations)
	return append(results, res)
}
