package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lobscope/lobscope/internal/book"
)

// DefaultCallTimeout is the hard per-call budget for the primary engine.
// Expiry counts as a failure.
const DefaultCallTimeout = 100 * time.Millisecond

// Primary engine failure classes.
var (
	ErrPrimaryTimeout   = errors.New("engine: primary call timed out")
	ErrPrimaryRPC       = errors.New("engine: primary call failed")
	ErrMalformedReply   = errors.New("engine: primary returned a malformed reply")
	ErrPrimaryUnhealthy = errors.New("engine: primary health probe failed")
)

// PrimaryClient talks to the optimized analytics backend over HTTP+JSON.
// Safe for concurrent use; resty manages the connection pool.
type PrimaryClient struct {
	http    *resty.Client
	timeout time.Duration
}

// NewPrimaryClient returns a client for the given endpoint.
func NewPrimaryClient(host string, port int, timeout time.Duration) *PrimaryClient {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("http://%s:%d", host, port)).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &PrimaryClient{http: httpClient, timeout: timeout}
}

// Analyze sends one snapshot for enrichment. Transport errors, timeouts,
// non-200 replies, and structurally broken payloads all map to the typed
// failure classes the router counts.
func (c *PrimaryClient) Analyze(ctx context.Context, snap *book.Snapshot) (*book.EnrichedSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var enriched book.EnrichedSnapshot
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(snap).
		SetResult(&enriched).
		Post("/analyze")
	if err != nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrPrimaryTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPrimaryRPC, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrPrimaryRPC, resp.StatusCode())
	}
	if err := checkReply(&enriched); err != nil {
		return nil, err
	}
	return &enriched, nil
}

// Probe verifies the primary is reachable and produces a sane reply for a
// canned snapshot.
func (c *PrimaryClient) Probe(ctx context.Context) error {
	if _, err := c.Analyze(ctx, probeSnapshot()); err != nil {
		return fmt.Errorf("%w: %v", ErrPrimaryUnhealthy, err)
	}
	return nil
}

// checkReply rejects replies the pipeline invariants would choke on.
func checkReply(e *book.EnrichedSnapshot) error {
	switch {
	case len(e.Bids) == 0 || len(e.Asks) == 0:
		return fmt.Errorf("%w: empty book", ErrMalformedReply)
	case !book.IsFinite(e.Microprice) || e.Microprice <= 0:
		return fmt.Errorf("%w: microprice %v", ErrMalformedReply, e.Microprice)
	case !book.IsFinite(e.Spread) || e.Spread < 0:
		return fmt.Errorf("%w: spread %v", ErrMalformedReply, e.Spread)
	case e.VPIN < 0 || e.VPIN > 1:
		return fmt.Errorf("%w: vpin %v", ErrMalformedReply, e.VPIN)
	}
	return nil
}

// probeSnapshot is the canned book used by health probes and benchmarks.
func probeSnapshot() *book.Snapshot {
	mk := func(px0, step float64) []book.Level {
		levels := make([]book.Level, 10)
		for i := range levels {
			levels[i] = book.Level{Price: px0 + float64(i)*step, Volume: 1000}
		}
		return levels
	}
	return &book.Snapshot{
		Timestamp: time.Now().UTC(),
		Symbol:    "PROBE",
		MidPrice:  100,
		Bids:      mk(99.95, -0.01),
		Asks:      mk(100.05, 0.01),
	}
}
