package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lobscope/lobscope/internal/book"
)

const (
	binanceWSBase     = "wss://stream.binance.com:9443/ws"
	binancePingEvery  = 3 * time.Minute
	binanceMaxBackoff = 30 * time.Second
)

// binanceDepth is the partial book depth stream payload.
type binanceDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// BinanceSource streams live depth snapshots from the Binance partial
// book stream (20 levels every 100 ms). Live data cannot rewind.
type BinanceSource struct {
	symbol string
	out    chan *book.Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBinanceSource connects to the depth stream for the given symbol
// (e.g. "btcusdt") and starts the read/reconnect loop.
func NewBinanceSource(symbol string) *BinanceSource {
	ctx, cancel := context.WithCancel(context.Background())
	b := &BinanceSource{
		symbol: strings.ToLower(symbol),
		out:    make(chan *book.Snapshot, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Next returns the next live snapshot.
func (b *BinanceSource) Next(ctx context.Context) (*book.Snapshot, error) {
	select {
	case snap, ok := <-b.out:
		if !ok {
			return nil, ErrExhausted
		}
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrExhausted
	}
}

// Rewind is not possible on a live feed.
func (b *BinanceSource) Rewind(time.Duration) error {
	return fmt.Errorf("%w: live binance stream", ErrRewindUnsupported)
}

// Close tears down the connection and read loop.
func (b *BinanceSource) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

// run dials, reads until failure, and reconnects with capped exponential
// backoff until Close.
func (b *BinanceSource) run() {
	defer b.wg.Done()
	defer close(b.out)

	url := fmt.Sprintf("%s/%s@depth20@100ms", binanceWSBase, b.symbol)
	backoff := time.Second

	for b.ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(b.ctx, url, nil)
		if err != nil {
			log.Warn().Err(err).Str("symbol", b.symbol).Dur("backoff", backoff).
				Msg("binance dial failed")
			select {
			case <-time.After(backoff):
			case <-b.ctx.Done():
				return
			}
			if backoff *= 2; backoff > binanceMaxBackoff {
				backoff = binanceMaxBackoff
			}
			continue
		}
		backoff = time.Second
		log.Info().Str("symbol", b.symbol).Msg("binance depth stream connected")

		b.readLoop(conn)
		conn.Close()
	}
}

func (b *BinanceSource) readLoop(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	// Server pings per Binance WS policy; we also keep the connection warm.
	go func() {
		ticker := time.NewTicker(binancePingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-done:
				return
			case <-b.ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if b.ctx.Err() == nil {
				log.Warn().Err(err).Str("symbol", b.symbol).Msg("binance read failed, reconnecting")
			}
			return
		}
		snap, err := b.parse(payload)
		if err != nil {
			log.Debug().Err(err).Msg("binance payload skipped")
			continue
		}
		select {
		case b.out <- snap:
		case <-b.ctx.Done():
			return
		default:
			// Consumer is behind; live data is better dropped than queued.
		}
	}
}

func (b *BinanceSource) parse(payload []byte) (*book.Snapshot, error) {
	var depth binanceDepth
	if err := json.Unmarshal(payload, &depth); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	if len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return nil, fmt.Errorf("empty depth payload")
	}

	now := time.Now().UTC()
	snap := &book.Snapshot{
		Timestamp:  now,
		Symbol:     strings.ToUpper(b.symbol),
		Bids:       parseLevels(depth.Bids),
		Asks:       parseLevels(depth.Asks),
		ExchangeTS: depth.LastUpdateID,
		IngestTS:   now.UnixMilli(),
	}
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return nil, fmt.Errorf("unparseable depth levels")
	}
	snap.MidPrice = (snap.Bids[0].Price + snap.Asks[0].Price) / 2
	return snap, nil
}

func parseLevels(raw [][2]string) []book.Level {
	levels := make([]book.Level, 0, len(raw))
	for _, pair := range raw {
		price, err1 := strconv.ParseFloat(pair[0], 64)
		volume, err2 := strconv.ParseFloat(pair[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, book.Level{Price: price, Volume: volume})
	}
	return levels
}
