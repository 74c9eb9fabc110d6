package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"btcstream/internal/indicator"
	"btcstream/internal/marketdata/feed"
	"btcstream/internal/metrics"
	"btcstream/internal/model"
	"btcstream/internal/notification"
	"btcstream/internal/portfolio"
	"btcstream/internal/position"
	"btcstream/internal/strategy"
	"btcstream/pkg/binance"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type scriptConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	block  bool
	closed chan struct{}
	once   sync.Once
}

func newConn(block bool, msgs ...[]byte) *scriptConn {
	return &scriptConn{msgs: msgs, block: block, closed: make(chan struct{})}
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	if len(c.msgs) > 0 {
		m := c.msgs[0]
		c.msgs = c.msgs[1:]
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	if c.block {
		<-c.closed
		return nil, errors.New("use of closed connection")
	}
	return nil, io.EOF
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptDialer struct {
	mu    sync.Mutex
	conns []feed.Conn
	dials atomic.Int32
}

func (d *scriptDialer) Dial(context.Context, string) (feed.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type recordNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recordNotifier) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordNotifier) levels(l notification.AlertLevel) []notification.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.Alert
	for _, a := range r.alerts {
		if a.Level == l {
			out = append(out, a)
		}
	}
	return out
}

func trade(price float64, at time.Time) []byte {
	return binance.EncodeTrade(binance.Trade{Symbol: "BTCUSDT", Price: price, Qty: 0.5, Time: at}, at.UnixMilli())
}

type harness struct {
	engine   *Engine
	mgr      *position.Manager
	ledger   *portfolio.Ledger
	notifier *recordNotifier
	dialer   *scriptDialer
	snapPath string
}

func newHarness(t *testing.T, dialer *scriptDialer, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	ledger, err := portfolio.New(portfolio.Config{InitialCapital: 10000}, quiet())
	require.NoError(t, err)
	mgr := position.New(position.Config{Symbol: "BTCUSDT", MaxPositions: 1}, ledger, quiet())

	fm := feed.New(feed.Config{
		URL:                  "ws://test",
		MaxReconnectAttempts: 1,
		ReconnectDelay:       time.Millisecond,
		HeartbeatInterval:    time.Hour,
		ConnectTimeout:       time.Second,
	}, dialer, quiet())

	h := &harness{
		mgr:      mgr,
		ledger:   ledger,
		notifier: &recordNotifier{},
		dialer:   dialer,
		snapPath: filepath.Join(t.TempDir(), "snap", "portfolio.json"),
	}
	cfg := Config{
		Symbol:          "BTCUSDT",
		Interval:        time.Minute,
		Indicators:      indicator.DefaultParams(),
		Thresholds:      strategy.DefaultThresholds(),
		PositionSizePct: 0.95,
		StopLossPct:     0.02,
		TakeProfitPct:   0.04,
		SnapshotPath:    h.snapPath,
	}
	deps := Deps{Feed: fm, Positions: mgr, Notifier: h.notifier, Logger: quiet()}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.engine, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func collect(e *Engine) []model.Event {
	var out []model.Event
	for ev := range e.Events() {
		out = append(out, ev)
	}
	return out
}

func ofKind(evs []model.Event, kind model.EventKind) []model.Event {
	var out []model.Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func decodePosition(t *testing.T, ev model.Event) model.Position {
	t.Helper()
	var p model.Position
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

// Closes 100,100,100,90,95 with EMA 1/2, RSI 2 and MACD 1/2/2 produce a
// bullish cross on the fifth candle with RSI 33 and MACD above signal. The
// entry fills at 96, the tick that closed the candle.
func TestEngine_EntryOnSignalAndCloseOnShutdown(t *testing.T) {
	closes := []float64{100, 100, 100, 90, 95}
	var msgs [][]byte
	for i, c := range closes {
		msgs = append(msgs, trade(c, base.Add(time.Duration(i)*time.Minute+time.Second)))
	}
	msgs = append(msgs,
		trade(96, base.Add(5*time.Minute+time.Second)),
		trade(97, base.Add(5*time.Minute+30*time.Second)),
	)

	d := &scriptDialer{conns: []feed.Conn{newConn(false, msgs...)}}
	h := newHarness(t, d, func(c *Config, _ *Deps) {
		c.Indicators = indicator.Params{EMAFast: 1, EMASlow: 2, RSIPeriod: 2, MACDFast: 1, MACDSlow: 2, MACDSignal: 2}
	})

	var evs []model.Event
	done := make(chan struct{})
	go func() { evs = collect(h.engine); close(done) }()

	err := h.engine.Run(context.Background())
	require.ErrorIs(t, err, feed.ErrReconnectExhausted)
	<-done

	assert.Len(t, ofKind(evs, model.EventCandleClosed), 5)
	assert.Len(t, ofKind(evs, model.EventIndicatorSnapshot), 4)

	signals := ofKind(evs, model.EventSignal)
	require.Len(t, signals, 1)
	var dec struct {
		Action     strategy.Action      `json:"action"`
		Conditions []strategy.Condition `json:"conditions"`
	}
	require.NoError(t, json.Unmarshal(signals[0].Payload, &dec))
	assert.Equal(t, strategy.ActionBuy, dec.Action)
	fired := strategy.Decision{Conditions: dec.Conditions}.Fired()
	assert.ElementsMatch(t, []string{"ema_cross_up", "rsi_below_overbought", "macd_above_signal"}, fired)

	opened := ofKind(evs, model.EventPositionOpened)
	require.Len(t, opened, 1)
	op := decodePosition(t, opened[0])
	assert.Equal(t, 96.0, op.EntryPrice)
	assert.InDelta(t, 9500.0/96, op.Size, 1e-9)
	assert.InDelta(t, 94.08, op.StopLoss, 1e-9)
	assert.InDelta(t, 99.84, op.TakeProfit, 1e-9)

	closed := ofKind(evs, model.EventPositionClosed)
	require.Len(t, closed, 1)
	cp := decodePosition(t, closed[0])
	assert.Equal(t, model.StatusClosed, cp.Status)
	assert.Equal(t, ReasonShutdown, cp.ExitReason)
	assert.Equal(t, 97.0, cp.ExitPrice)
	assert.InDelta(t, 9500.0/96, cp.RealizedPnL, 1e-6)

	assert.InDelta(t, 10000+9500.0/96, h.ledger.Capital(), 1e-6)
	assert.Equal(t, 0, h.ledger.OpenCount())
	assert.Equal(t, strategy.StateFlat, h.engine.Detector().State())

	b, err := os.ReadFile(h.snapPath)
	require.NoError(t, err)
	snap, err := portfolio.DecodeSnapshot(b)
	require.NoError(t, err)
	assert.InDelta(t, 10000+9500.0/96, snap.CurrentCapital, 1e-6)
	require.Len(t, snap.ClosedPositions, 1)
}

func TestEngine_StopLossOnTick(t *testing.T) {
	d := &scriptDialer{conns: []feed.Conn{newConn(false,
		trade(50500, base),
		trade(48900, base.Add(time.Second)),
	)}}
	h := newHarness(t, d, nil)

	// Position carried over from before the engine started.
	_, err := h.mgr.Open(50000, 0.1, 49000, 0, 0, "restored", 0.5)
	require.NoError(t, err)
	h.engine.Detector().SetState(strategy.StateInPosition)

	var evs []model.Event
	done := make(chan struct{})
	go func() { evs = collect(h.engine); close(done) }()
	require.ErrorIs(t, h.engine.Run(context.Background()), feed.ErrReconnectExhausted)
	<-done

	closed := ofKind(evs, model.EventPositionClosed)
	require.Len(t, closed, 1)
	p := decodePosition(t, closed[0])
	assert.Equal(t, model.StatusStoppedOut, p.Status)
	assert.Equal(t, position.ReasonStopLoss, p.ExitReason)
	assert.Equal(t, 48900.0, p.ExitPrice)
	assert.Equal(t, 50500.0, p.HighestPrice)

	assert.InDelta(t, 9890.0, h.ledger.Capital(), 1e-6)
	assert.Equal(t, strategy.StateFlat, h.engine.Detector().State())

	warn := h.notifier.levels(notification.AlertWarning)
	require.Len(t, warn, 1)
	assert.Equal(t, "stop loss hit", warn[0].Title)
	assert.Equal(t, "BTCUSDT", warn[0].Fields["symbol"])
}

// A tick for a window that already closed is dropped before it can mark
// positions, so it neither stops them out nor becomes the shutdown price.
func TestEngine_StaleTickDoesNotMarkPositions(t *testing.T) {
	d := &scriptDialer{conns: []feed.Conn{newConn(false,
		trade(50100, base.Add(time.Minute+5*time.Second)),
		trade(50200, base.Add(2*time.Minute+time.Second)),
		trade(48000, base.Add(30*time.Second)),
	)}}
	health := metrics.NewHealthStatus()
	h := newHarness(t, d, func(_ *Config, deps *Deps) { deps.Health = health })

	_, err := h.mgr.Open(50000, 0.1, 49000, 0, 0, "restored", 0.5)
	require.NoError(t, err)
	h.engine.Detector().SetState(strategy.StateInPosition)

	var evs []model.Event
	done := make(chan struct{})
	go func() { evs = collect(h.engine); close(done) }()
	require.ErrorIs(t, h.engine.Run(context.Background()), feed.ErrReconnectExhausted)
	<-done

	assert.Equal(t, uint64(1), h.engine.Buffer().Dropped())
	last, ok := h.engine.Buffer().LastPrice()
	require.True(t, ok)
	assert.Equal(t, 50200.0, last)

	closed := ofKind(evs, model.EventPositionClosed)
	require.Len(t, closed, 1)
	p := decodePosition(t, closed[0])
	assert.Equal(t, model.StatusClosed, p.Status)
	assert.Equal(t, ReasonShutdown, p.ExitReason)
	assert.Equal(t, 50200.0, p.ExitPrice)
	assert.Equal(t, 50200.0, p.HighestPrice)
	assert.InDelta(t, 10020.0, h.ledger.Capital(), 1e-6)
	assert.Empty(t, h.notifier.levels(notification.AlertWarning))

	require.NotNil(t, health.Risk)
	assert.Equal(t, 1, health.Risk.DailyTrades)
}

func TestEngine_ReconnectExhaustionIsFatalOnce(t *testing.T) {
	d := &scriptDialer{}
	h := newHarness(t, d, nil)

	var evs []model.Event
	done := make(chan struct{})
	go func() { evs = collect(h.engine); close(done) }()

	err := h.engine.Run(context.Background())
	require.ErrorIs(t, err, feed.ErrReconnectExhausted)
	<-done

	assert.Len(t, ofKind(evs, model.EventFeedFatal), 1)
	crit := h.notifier.levels(notification.AlertCritical)
	require.Len(t, crit, 1)
	assert.Equal(t, "feed lost", crit[0].Title)

	_, err = os.Stat(h.snapPath)
	require.NoError(t, err, "snapshot written on fatal exit")
}

func TestEngine_StopCancelsRun(t *testing.T) {
	d := &scriptDialer{conns: []feed.Conn{newConn(true, trade(50000, base))}}
	h := newHarness(t, d, nil)

	errc := make(chan error, 1)
	go func() { errc <- h.engine.Run(context.Background()) }()
	go func() {
		for range h.engine.Events() {
		}
	}()

	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, 5*time.Millisecond)
	h.engine.Stop()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	h.engine.Stop()

	require.Error(t, h.engine.Run(context.Background()), "engine is single use")
}

type fakeKlines struct {
	ks  []binance.Kline
	err error
}

func (f fakeKlines) Klines(context.Context, string, string, int) ([]binance.Kline, error) {
	return f.ks, f.err
}

type fakeCandles struct{ cs []model.Candle }

func (f fakeCandles) WriteCandles(context.Context, string, []model.Candle) error { return nil }
func (f fakeCandles) ReadCandles(context.Context, string, int) ([]model.Candle, error) {
	return f.cs, nil
}

func TestEngine_SeedFromKlinesSkipsFormingCandle(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Minute)
	var ks []binance.Kline
	for _, off := range []int{-4, -3, -2, 0} {
		open := now.Add(time.Duration(off) * time.Minute)
		ks = append(ks, binance.Kline{OpenTime: open, CloseTime: open.Add(time.Minute - time.Millisecond),
			Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3})
	}

	h := newHarness(t, &scriptDialer{}, func(c *Config, d *Deps) {
		c.KlineInterval = "1m"
		c.SeedLimit = 200
		d.Klines = fakeKlines{ks: ks}
		d.Candles = fakeCandles{cs: []model.Candle{{Start: base, End: base.Add(time.Minute), Close: 1}}}
	})
	go func() {
		for range h.engine.Events() {
		}
	}()
	_ = h.engine.Run(context.Background())

	seeded := h.engine.Buffer().ClosedCandles(10)
	require.Len(t, seeded, 3)
	assert.True(t, seeded[0].Start.Equal(now.Add(-4*time.Minute)))
	assert.True(t, seeded[2].End.Equal(now.Add(-time.Minute)))
}

func TestEngine_SeedFallsBackToCandleStore(t *testing.T) {
	stored := []model.Candle{
		{Start: base, End: base.Add(time.Minute), Close: 1, Closed: true},
		{Start: base.Add(time.Minute), End: base.Add(2 * time.Minute), Close: 2, Closed: true},
	}
	h := newHarness(t, &scriptDialer{}, func(c *Config, d *Deps) {
		c.KlineInterval = "1m"
		c.SeedLimit = 200
		d.Klines = fakeKlines{err: errors.New("binance down")}
		d.Candles = fakeCandles{cs: stored}
	})
	go func() {
		for range h.engine.Events() {
		}
	}()
	_ = h.engine.Run(context.Background())

	assert.Len(t, h.engine.Buffer().ClosedCandles(10), 2)
}

func TestNew_RequiresFeedAndPositions(t *testing.T) {
	_, err := New(Config{PositionSizePct: 0.5, Indicators: indicator.DefaultParams()}, Deps{})
	require.Error(t, err)
}
