// Package engine is the single owner of the trading state. It drains ticks
// from the feed, builds candles, evaluates the strategy on every closed
// candle, drives position exits on every tick, and publishes the results as
// model.Events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"btcstream/internal/bus"
	"btcstream/internal/indicator"
	"btcstream/internal/logger"
	"btcstream/internal/marketdata/agg"
	"btcstream/internal/marketdata/feed"
	"btcstream/internal/metrics"
	"btcstream/internal/model"
	"btcstream/internal/notification"
	"btcstream/internal/position"
	"btcstream/internal/sentiment"
	"btcstream/internal/strategy"
	"btcstream/internal/tracing"
	"btcstream/pkg/binance"
)

// ReasonShutdown is the exit reason for positions closed when the engine stops.
const ReasonShutdown = "Engine shutdown"

// KlineSource loads historical candles for the startup seed.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// SentimentSource supplies the Fear & Greed reading used to scale confidence.
type SentimentSource interface {
	Current(ctx context.Context) (sentiment.Reading, error)
}

// Config for the Engine.
type Config struct {
	Symbol        string
	Interval      time.Duration
	KlineInterval string // Binance interval name for the seed, "" skips the REST seed
	SeedLimit     int

	TickQueue  int
	MaxTicks   int
	MaxCandles int
	EventQueue int // capacity of Events(), default 1024

	Indicators indicator.Params
	Thresholds strategy.Thresholds

	PositionSizePct float64 // fraction of available capital per entry
	StopLossPct     float64
	TakeProfitPct   float64
	TrailingPct     float64

	SnapshotPath    string
	ShutdownTimeout time.Duration // bound on persisting the final snapshot, default 5s
}

func (c *Config) defaults() {
	if c.EventQueue <= 0 {
		c.EventQueue = 1024
	}
	if c.TickQueue <= 0 {
		c.TickQueue = 1000
	}
	if c.MaxTicks <= 0 {
		c.MaxTicks = 1000
	}
	if c.MaxCandles <= 0 {
		c.MaxCandles = 500
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Deps are the collaborators the engine drives. Feed and Positions are
// required; everything else may be nil.
type Deps struct {
	Feed      *feed.Manager
	Positions *position.Manager
	Detector  *strategy.Detector // default: NewDetector(cfg.Thresholds, nil)

	Klines    KlineSource
	Candles   model.CandleStore // seed fallback when Klines fails
	Sentiment SentimentSource
	Snapshots []model.SnapshotStore

	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Notifier notification.Notifier
	Logger   *slog.Logger
}

// Engine wires feed, aggregation, strategy and positions together. All
// trading state is touched only from the Run goroutine.
type Engine struct {
	cfg   Config
	feed  *feed.Manager
	pos   *position.Manager
	det   *strategy.Detector
	buf   *agg.Buffer
	queue *bus.TickQueue
	out   chan model.Event

	klines    KlineSource
	candles   model.CandleStore
	sentiment SentimentSource
	snapshots []model.SnapshotStore
	prom      *metrics.Metrics
	health    *metrics.HealthStatus
	notifier  notification.Notifier
	log       *slog.Logger

	fatalSent bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// New creates an Engine. It installs its metrics hooks on the feed manager.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.defaults()
	if deps.Feed == nil || deps.Positions == nil {
		return nil, errors.New("engine: feed and positions are required")
	}
	if err := cfg.Indicators.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.PositionSizePct <= 0 || cfg.PositionSizePct > 1 {
		return nil, fmt.Errorf("engine: position size %.4f must be in (0, 1]", cfg.PositionSizePct)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier(deps.Logger)
	}
	if deps.Detector == nil {
		deps.Detector = strategy.NewDetector(cfg.Thresholds, nil)
	}

	e := &Engine{
		cfg:       cfg,
		feed:      deps.Feed,
		pos:       deps.Positions,
		det:       deps.Detector,
		buf:       agg.New(agg.Config{Interval: cfg.Interval, MaxTicks: cfg.MaxTicks, MaxCandles: cfg.MaxCandles}),
		queue:     bus.NewTickQueue(cfg.TickQueue),
		out:       make(chan model.Event, cfg.EventQueue),
		klines:    deps.Klines,
		candles:   deps.Candles,
		sentiment: deps.Sentiment,
		snapshots: deps.Snapshots,
		prom:      deps.Metrics,
		health:    deps.Health,
		notifier:  deps.Notifier,
		log:       deps.Logger.With(slog.String("component", "engine"), slog.String("symbol", cfg.Symbol)),
		done:      make(chan struct{}),
	}
	e.installHooks()
	if e.pos.Ledger().OpenCount() > 0 {
		e.det.SetState(strategy.StateInPosition)
	}
	return e, nil
}

func (e *Engine) installHooks() {
	if e.prom != nil {
		e.queue.OnDrop = func() { e.prom.DroppedTicks.WithLabelValues("queue").Inc() }
		e.feed.OnReconnect = func(int) { e.prom.Reconnects.Inc() }
		e.feed.OnProtocolError = func(error) { e.prom.ProtocolErrors.Inc() }
		e.feed.OnDegraded = func(time.Duration) { e.prom.DegradedTotal.Inc() }
	}
	e.feed.OnStateChange = func(_, to feed.State) {
		if e.prom != nil {
			e.prom.FeedState.Set(float64(to))
		}
		if e.health != nil {
			e.health.SetFeedState(to.String(), to == feed.StateConnected)
		}
	}
}

// Events delivers everything the engine publishes. The channel is closed when
// Run returns. Events are dropped, not blocked on, when nobody reads.
func (e *Engine) Events() <-chan model.Event { return e.out }

// Buffer exposes the candle buffer for read-only inspection.
func (e *Engine) Buffer() *agg.Buffer { return e.buf }

// Detector exposes the signal detector state.
func (e *Engine) Detector() *strategy.Detector { return e.det }

// Run seeds the candle buffer, starts the feed and processes ticks until ctx
// is cancelled, Stop is called or the feed gives up. On every exit path open
// positions are closed at the last price and the ledger snapshot is
// persisted. Returns feed.ErrReconnectExhausted (wrapped) if the feed failed.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer close(e.done)
	defer cancel()
	defer close(e.out)

	e.seed(ctx)
	e.observeLedger()

	feedErr := make(chan error, 1)
	go func() {
		feedErr <- e.feed.Start(ctx, func(t model.Tick) { e.queue.Push(t) })
	}()

	e.log.Info("engine started",
		slog.Duration("interval", e.cfg.Interval),
		slog.Int("seeded_candles", len(e.buf.ClosedCandles(e.cfg.MaxCandles))),
		slog.Float64("capital", e.pos.Ledger().Capital()))

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case t := <-e.queue.C():
			e.onTick(ctx, t)
		case fe := <-e.feed.Events():
			e.onFeedEvent(ctx, fe)
		case err := <-feedErr:
			if err == nil {
				break loop
			}
			for drained := false; !drained; {
				select {
				case t := <-e.queue.C():
					e.onTick(ctx, t)
				case fe := <-e.feed.Events():
					e.onFeedEvent(ctx, fe)
				default:
					drained = true
				}
			}
			if errors.Is(err, feed.ErrReconnectExhausted) && !e.fatalSent {
				e.onFeedEvent(ctx, feed.Event{Kind: feed.EventFatal, Time: time.Now(), Err: err})
			}
			runErr = err
			break loop
		}
	}

	e.feed.Stop()
	e.shutdown(ctx)
	return runErr
}

// Stop cancels Run and waits for shutdown handling to finish. Safe to call
// more than once and before Run.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, started := e.cancel, e.started
	e.mu.Unlock()
	if !started || cancel == nil {
		return
	}
	cancel()
	<-e.done
}

// seed loads history from Binance, falling back to the candle store.
func (e *Engine) seed(ctx context.Context) {
	var candles []model.Candle
	if e.klines != nil && e.cfg.KlineInterval != "" && e.cfg.SeedLimit > 0 {
		ks, err := e.klines.Klines(ctx, e.cfg.Symbol, e.cfg.KlineInterval, e.cfg.SeedLimit)
		if err != nil {
			e.log.Warn("kline seed failed", slog.Any("error", err))
		} else {
			candles = klinesToCandles(ks, e.cfg.Interval, time.Now())
		}
	}
	if len(candles) == 0 && e.candles != nil && e.cfg.SeedLimit > 0 {
		cs, err := e.candles.ReadCandles(ctx, e.cfg.Symbol, e.cfg.SeedLimit)
		if err != nil {
			e.log.Warn("candle store seed failed", slog.Any("error", err))
		} else {
			candles = cs
		}
	}
	if len(candles) == 0 {
		return
	}
	n := e.buf.Seed(candles)
	e.log.Info("candle buffer seeded", slog.Int("candles", n))
}

// klinesToCandles keeps only windows that have ended by now; Binance returns
// the forming candle last.
func klinesToCandles(ks []binance.Kline, interval time.Duration, now time.Time) []model.Candle {
	out := make([]model.Candle, 0, len(ks))
	for _, k := range ks {
		end := k.OpenTime.Add(interval)
		if end.After(now) {
			continue
		}
		out = append(out, model.Candle{
			Start:  k.OpenTime.UTC(),
			End:    end.UTC(),
			Open:   k.Open,
			High:   k.High,
			Low:    k.Low,
			Close:  k.Close,
			Volume: k.Volume,
			Trades: k.Trades,
			Closed: true,
		})
	}
	return out
}

func (e *Engine) onTick(ctx context.Context, t model.Tick) {
	if e.prom != nil {
		e.prom.TicksTotal.Inc()
	}
	candle, accepted := e.buf.Add(t)
	if !accepted {
		if e.prom != nil {
			e.prom.DroppedTicks.WithLabelValues("buffer").Inc()
		}
		return
	}
	if e.health != nil {
		e.health.SetLastTickTime(t.Time)
	}

	closed, err := e.pos.Update(t.Price)
	for _, p := range closed {
		e.onClosed(ctx, p)
	}
	if err != nil {
		e.log.Error("position update failed", slog.Any("error", err))
	}

	if candle != nil {
		e.onCandle(ctx, *candle)
	}
}

func (e *Engine) onCandle(ctx context.Context, c model.Candle) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "engine.candle",
		trace.WithAttributes(
			attribute.String("symbol", e.cfg.Symbol),
			attribute.Int64("candle.start_ms", c.Start.UnixMilli()),
		))
	defer span.End()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(e.cfg.Symbol, c.Start))
	log := logger.FromContext(ctx, e.log)

	if e.prom != nil {
		e.prom.CandlesTotal.Inc()
		defer func() { e.prom.CandleProcessDur.Observe(time.Since(start).Seconds()) }()
	}
	e.publish(model.EventCandleClosed, c.End, c)

	series := indicator.Compute(e.buf.ClosedCandles(e.cfg.MaxCandles), e.cfg.Indicators)
	prev, cur, err := series.Latest()
	if err != nil {
		log.Debug("indicators warming up", slog.Int("candles", series.Len()))
		return
	}
	e.publish(model.EventIndicatorSnapshot, c.End, cur)

	in := strategy.Input{Prev: prev, Cur: cur, Price: c.Close}
	if e.sentiment != nil {
		// A stale reading comes back with an error and is still usable.
		if r, err := e.sentiment.Current(ctx); err == nil || !r.Time.IsZero() {
			in.Sentiment = &r
		}
	}
	dec := e.det.Evaluate(in)
	span.SetAttributes(attribute.String("signal.action", string(dec.Action)))
	if e.prom != nil {
		e.prom.SignalsTotal.WithLabelValues(string(dec.Action)).Inc()
	}

	switch dec.Action {
	case strategy.ActionBuy:
		e.publish(model.EventSignal, c.End, dec)
		e.enter(ctx, log, dec)
	case strategy.ActionSell:
		e.publish(model.EventSignal, c.End, dec)
		e.exit(ctx, log, dec)
	default:
		log.Debug("no signal", slog.String("reason", dec.Reason))
	}

	for _, p := range e.pos.Ledger().Open() {
		e.publish(model.EventPositionUpdated, c.End, p.Clone())
	}
	e.syncState()
	e.observeLedger()
}

// fillPrice is the latest accepted tick price, falling back to the
// decision's candle close before any tick has been seen.
func (e *Engine) fillPrice(dec strategy.Decision) float64 {
	if price, ok := e.buf.LastPrice(); ok {
		return price
	}
	return dec.Price
}

func (e *Engine) enter(ctx context.Context, log *slog.Logger, dec strategy.Decision) {
	price := e.fillPrice(dec)
	value := e.pos.Ledger().Available() * e.cfg.PositionSizePct
	var stop, tp float64
	if e.cfg.StopLossPct > 0 {
		stop = price * (1 - e.cfg.StopLossPct)
	}
	if e.cfg.TakeProfitPct > 0 {
		tp = price * (1 + e.cfg.TakeProfitPct)
	}
	p, err := e.pos.Open(price, value/price, stop, tp, e.cfg.TrailingPct, dec.Reason, dec.Confidence)
	if err != nil {
		log.Warn("entry rejected", slog.Any("error", err), slog.Float64("price", price))
		return
	}
	p.Sentiment = dec.Sentiment
	if e.prom != nil {
		e.prom.PositionsOpened.Inc()
	}
	e.publish(model.EventPositionOpened, p.EntryTime, p.Clone())
}

func (e *Engine) exit(ctx context.Context, log *slog.Logger, dec strategy.Decision) {
	price := e.fillPrice(dec)
	for _, p := range e.pos.Ledger().Open() {
		if err := e.pos.Close(p, price, model.StatusClosed, dec.Reason); err != nil {
			log.Error("exit failed", slog.String("trade_id", p.TradeID), slog.Any("error", err))
			continue
		}
		e.onClosed(ctx, p)
	}
}

func (e *Engine) onClosed(ctx context.Context, p *model.Position) {
	if e.prom != nil {
		e.prom.PositionsClosed.WithLabelValues(p.Status.String()).Inc()
	}
	e.publish(model.EventPositionClosed, p.ExitTime, p.Clone())
	e.syncState()
	e.observeLedger()

	if p.Status == model.StatusStoppedOut {
		e.alert(ctx, notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "stop loss hit",
			Message: fmt.Sprintf("%s closed at %.2f", p.TradeID, p.ExitPrice),
			Fields: map[string]string{
				"pnl":     fmt.Sprintf("%.2f", p.RealizedPnL),
				"pnl_pct": fmt.Sprintf("%.2f", p.RealizedPnLPct),
			},
		})
	}
}

// syncState keeps the detector aligned with what the ledger actually holds.
func (e *Engine) syncState() {
	if e.pos.Ledger().OpenCount() > 0 {
		e.det.SetState(strategy.StateInPosition)
	} else {
		e.det.SetState(strategy.StateFlat)
	}
}

func (e *Engine) observeLedger() {
	l := e.pos.Ledger()
	if e.health != nil {
		e.health.SetRisk(l.RiskStatus())
	}
	if e.prom == nil {
		return
	}
	e.prom.Capital.Set(l.Capital())
	var u float64
	for _, p := range l.Open() {
		u += p.UnrealizedPnL
	}
	e.prom.UnrealizedPnL.Set(u)
}

func (e *Engine) onFeedEvent(ctx context.Context, fe feed.Event) {
	switch fe.Kind {
	case feed.EventDegraded:
		e.publish(model.EventFeedDegraded, fe.Time, feedPayload(fe))
		e.alert(ctx, notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "feed degraded",
			Message: fmt.Sprintf("no trades for %s", fe.Silence.Round(time.Second)),
		})
	case feed.EventFatal:
		if e.fatalSent {
			return
		}
		e.fatalSent = true
		e.publish(model.EventFeedFatal, fe.Time, feedPayload(fe))
		msg := "reconnect attempts exhausted"
		if fe.Err != nil {
			msg = fe.Err.Error()
		}
		e.alert(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "feed lost",
			Message: msg,
			Fields:  map[string]string{"attempts": fmt.Sprint(fe.Attempt)},
		})
	default:
		e.log.Debug("feed event", slog.String("kind", fe.Kind.String()), slog.Int("attempt", fe.Attempt))
	}
}

type feedEventPayload struct {
	Kind      string `json:"kind"`
	Attempt   int    `json:"attempt,omitempty"`
	SilenceMS int64  `json:"silence_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

func feedPayload(fe feed.Event) feedEventPayload {
	p := feedEventPayload{Kind: fe.Kind.String(), Attempt: fe.Attempt, SilenceMS: fe.Silence.Milliseconds()}
	if fe.Err != nil {
		p.Error = fe.Err.Error()
	}
	return p
}

func (e *Engine) alert(ctx context.Context, a notification.Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	if a.Fields == nil {
		a.Fields = map[string]string{}
	}
	a.Fields["symbol"] = e.cfg.Symbol
	if err := e.notifier.Send(ctx, a); err != nil {
		e.log.Warn("alert delivery failed", slog.String("title", a.Title), slog.Any("error", err))
	}
}

func (e *Engine) publish(kind model.EventKind, ts time.Time, payload any) {
	ev, err := model.NewEvent(kind, e.cfg.Symbol, ts, payload)
	if err != nil {
		e.log.Error("encode event", slog.String("kind", string(kind)), slog.Any("error", err))
		return
	}
	select {
	case e.out <- ev:
	default:
		e.log.Warn("event queue full, dropping event", slog.String("kind", string(kind)))
	}
}
