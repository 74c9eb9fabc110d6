// Package agg resamples a stream of trade ticks into fixed-duration OHLCV
// candles and keeps a bounded history of both.
package agg

import (
	"sync"
	"time"

	"btcstream/internal/model"
	"btcstream/internal/ringbuf"
)

// Config controls window size and retention. Zero fields take defaults.
type Config struct {
	Interval   time.Duration // candle width, default 1m
	MaxTicks   int           // tick window capacity, default 1000
	MaxCandles int           // closed candle history, default 500
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxTicks <= 0 {
		c.MaxTicks = 1000
	}
	if c.MaxCandles <= 0 {
		c.MaxCandles = 500
	}
}

// builder is the in-progress candle plus the timestamps that decided its
// open and close prices.
type builder struct {
	candle  model.Candle
	openTS  time.Time
	closeTS time.Time
}

// Buffer holds recent ticks, the in-progress candle and closed candles.
// Ticks for windows that have already closed are dropped and counted.
type Buffer struct {
	mu      sync.Mutex
	cfg     Config
	ticks   *ringbuf.Ring[model.Tick]
	closed  *ringbuf.Ring[model.Candle]
	cur     *builder
	horizon time.Time // end of the newest closed window
	dropped uint64

	// OnDroppedTick is called (under the buffer lock) for each dropped tick.
	OnDroppedTick func()
}

// New creates an empty Buffer.
func New(cfg Config) *Buffer {
	cfg.defaults()
	return &Buffer{
		cfg:    cfg,
		ticks:  ringbuf.New[model.Tick](cfg.MaxTicks),
		closed: ringbuf.New[model.Candle](cfg.MaxCandles),
	}
}

// Interval returns the candle width.
func (b *Buffer) Interval() time.Duration { return b.cfg.Interval }

// Add folds a tick into the buffer. It returns the candle that the tick closed,
// if any, and whether the tick was accepted.
func (b *Buffer) Add(t model.Tick) (closed *model.Candle, accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.Time.Before(b.horizon) || (b.cur != nil && t.Time.Before(b.cur.candle.Start)) {
		b.drop()
		return nil, false
	}

	if b.cur != nil && !t.Time.Before(b.cur.candle.End) {
		c := b.cur.candle
		c.Closed = true
		b.closed.Push(c)
		b.horizon = c.End
		b.cur = nil
		closed = &c
	}

	if b.cur == nil {
		start := t.Time.Truncate(b.cfg.Interval)
		b.cur = &builder{
			candle: model.Candle{
				Start:  start,
				End:    start.Add(b.cfg.Interval),
				Open:   t.Price,
				High:   t.Price,
				Low:    t.Price,
				Close:  t.Price,
				Volume: t.Qty,
				Trades: 1,
			},
			openTS:  t.Time,
			closeTS: t.Time,
		}
	} else {
		b.cur.merge(t)
	}

	b.ticks.Push(t)
	return closed, true
}

// merge applies a tick inside the current window. Out-of-order ticks are
// placed by timestamp; equal timestamps keep arrival order, so the later
// arrival becomes the close and the earlier one stays the open.
func (bl *builder) merge(t model.Tick) {
	c := &bl.candle
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	if t.Time.Before(bl.openTS) {
		c.Open = t.Price
		bl.openTS = t.Time
	}
	if !t.Time.Before(bl.closeTS) {
		c.Close = t.Price
		bl.closeTS = t.Time
	}
	c.Volume += t.Qty
	c.Trades++
}

func (b *Buffer) drop() {
	b.dropped++
	if b.OnDroppedTick != nil {
		b.OnDroppedTick()
	}
}

// Seed pre-loads historical closed candles, oldest first. Candles that overlap
// or precede what the buffer already holds are skipped. Returns how many were
// loaded.
func (b *Buffer) Seed(candles []model.Candle) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range candles {
		if c.Start.Before(b.horizon) {
			continue
		}
		if b.cur != nil && c.End.After(b.cur.candle.Start) {
			break
		}
		c.Closed = true
		b.closed.Push(c)
		b.horizon = c.End
		n++
	}
	return n
}

// RecentCandles returns up to n of the newest candles, closed plus the
// in-progress one, in chronological order.
func (b *Buffer) RecentCandles(n int) []model.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		return nil
	}
	if b.cur == nil {
		return b.closed.Tail(n)
	}
	out := append(b.closed.Tail(n-1), b.cur.candle)
	return out
}

// ClosedCandles returns up to n of the newest closed candles in order.
func (b *Buffer) ClosedCandles(n int) []model.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed.Tail(n)
}

// Current returns a copy of the in-progress candle.
func (b *Buffer) Current() (model.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return model.Candle{}, false
	}
	return b.cur.candle, true
}

// LastPrice returns the price of the most recently accepted tick.
func (b *Buffer) LastPrice() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.ticks.Newest()
	return t.Price, ok
}

// Dropped returns how many ticks were rejected for falling behind a closed window.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Evicted returns how many ticks were pushed out of the bounded tick window.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ticks.Evicted()
}
