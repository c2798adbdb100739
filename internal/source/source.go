// Package source provides the snapshot feeds a session can replay: a
// synthetic market simulator, a Postgres history table, and a live
// Binance depth stream.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/lobscope/lobscope/internal/book"
)

// Typed source errors.
var (
	// ErrExhausted means the source has no more snapshots (end of replay).
	ErrExhausted = errors.New("source: exhausted")

	// ErrRewindUnsupported is returned by Rewind on sources that cannot
	// seek backwards (live feeds).
	ErrRewindUnsupported = errors.New("source: rewind not supported")
)

// Source produces raw snapshots for one session's ingest producer.
type Source interface {
	// Next blocks until a snapshot is available, the source is exhausted
	// (ErrExhausted), or ctx is done.
	Next(ctx context.Context) (*book.Snapshot, error)

	// Rewind moves the cursor back by the given duration. Sources that
	// cannot seek return ErrRewindUnsupported.
	Rewind(back time.Duration) error

	// Close releases the source's resources.
	Close() error
}
