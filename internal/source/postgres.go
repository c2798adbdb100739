package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/lobscope/lobscope/internal/book"
)

const pgDepth = 10

// PostgresSource replays historical snapshots from a wide-format table
// (ts, bid_price_0..9, bid_volume_0..9, ask_price_0..9, ask_volume_0..9,
// trade_volume, last_trade_price), cursor-ordered and fetched in batches.
// Rewind re-queries from the rewound cursor.
type PostgresSource struct {
	db        *sqlx.DB
	table     string
	batchSize int

	mu     sync.Mutex
	cursor time.Time
	buffer []*book.Snapshot
	done   bool
}

// NewPostgresSource connects and positions the cursor at the table's
// earliest row.
func NewPostgresSource(databaseURL, table string, batchSize int) (*PostgresSource, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	if batchSize <= 0 {
		batchSize = 500
	}

	var start time.Time
	if err := db.Get(&start, fmt.Sprintf("SELECT COALESCE(MIN(ts), NOW()) FROM %s", table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("probe replay table %s: %w", table, err)
	}

	log.Info().Str("table", table).Time("start", start).Msg("postgres replay source ready")
	return &PostgresSource{
		db:        db,
		table:     table,
		batchSize: batchSize,
		cursor:    start.Add(-time.Millisecond),
	}, nil
}

// Next returns the next snapshot in cursor order, fetching the next batch
// when the buffer runs dry.
func (p *PostgresSource) Next(ctx context.Context) (*book.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffer) == 0 {
		if p.done {
			return nil, ErrExhausted
		}
		if err := p.fetchLocked(ctx); err != nil {
			return nil, err
		}
		if len(p.buffer) == 0 {
			p.done = true
			return nil, ErrExhausted
		}
	}

	snap := p.buffer[0]
	p.buffer = p.buffer[1:]
	p.cursor = snap.Timestamp
	return snap, nil
}

// Rewind moves the cursor back and drops the buffered batch; the next
// Next call re-queries from the new position.
func (p *PostgresSource) Rewind(back time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = p.cursor.Add(-back)
	p.buffer = nil
	p.done = false
	return nil
}

// Close releases the connection pool.
func (p *PostgresSource) Close() error {
	return p.db.Close()
}

func (p *PostgresSource) fetchLocked(ctx context.Context) error {
	cols := make([]string, 0, 2+4*pgDepth)
	cols = append(cols, "ts")
	for _, side := range []string{"bid", "ask"} {
		for i := 0; i < pgDepth; i++ {
			cols = append(cols, fmt.Sprintf("%s_price_%d", side, i), fmt.Sprintf("%s_volume_%d", side, i))
		}
	}
	cols = append(cols, "trade_volume", "last_trade_price")

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE ts > $1 ORDER BY ts ASC LIMIT %d",
		strings.Join(cols, ", "), p.table, p.batchSize,
	)

	rows, err := p.db.QueryxContext(ctx, query, p.cursor)
	if err != nil {
		return fmt.Errorf("fetch replay batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return fmt.Errorf("scan replay row: %w", err)
		}
		if snap := rowToSnapshot(vals); snap != nil {
			p.buffer = append(p.buffer, snap)
		}
	}
	return rows.Err()
}

// rowToSnapshot maps one wide row onto a snapshot, skipping rows whose
// timestamp column is unusable. Level columns follow the SELECT order:
// bid price/volume pairs then ask pairs.
func rowToSnapshot(vals []interface{}) *book.Snapshot {
	ts, ok := vals[0].(time.Time)
	if !ok {
		return nil
	}
	snap := &book.Snapshot{Timestamp: ts.UTC()}

	idx := 1
	readLevels := func() []book.Level {
		levels := make([]book.Level, 0, pgDepth)
		for i := 0; i < pgDepth; i++ {
			price := asFloat(vals[idx])
			volume := asFloat(vals[idx+1])
			idx += 2
			if price > 0 {
				levels = append(levels, book.Level{Price: price, Volume: volume})
			}
		}
		return levels
	}
	snap.Bids = readLevels()
	snap.Asks = readLevels()
	snap.TradeVolume = asFloat(vals[idx])
	snap.LastTradePrice = asFloat(vals[idx+1])

	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		snap.MidPrice = (snap.Bids[0].Price + snap.Asks[0].Price) / 2
	}
	return snap
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case []byte:
		var f float64
		fmt.Sscanf(string(x), "%g", &f)
		return f
	default:
		return 0
	}
}
