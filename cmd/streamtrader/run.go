package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"btcstream/internal/bus"
	"btcstream/internal/engine"
	"btcstream/internal/gateway"
	"btcstream/internal/logger"
	"btcstream/internal/marketdata/feed"
	"btcstream/internal/metrics"
	"btcstream/internal/model"
	"btcstream/internal/notification"
	"btcstream/internal/portfolio"
	"btcstream/internal/position"
	"btcstream/internal/sentiment"
	redisstore "btcstream/internal/store/redis"
	sqlitestore "btcstream/internal/store/sqlite"
	"btcstream/internal/tracing"
	"btcstream/pkg/binance"
)

var restore bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream trades, build candles and paper trade until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runTrader(ctx)
	},
}

func init() {
	runCmd.Flags().BoolVar(&restore, "restore", false, "resume the ledger from the latest saved snapshot")
}

func runTrader(ctx context.Context) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.Init("streamtrader", level)

	shutdownTracing, err := tracing.Init(tracing.Config{Enabled: cfg.Tracing, Service: "streamtrader"})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.New(reg)
	health := metrics.NewHealthStatus()
	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr, health, reg, log)
		metricsSrv.Start()
	}

	// ---- Stores ----
	var (
		sinks     = map[string]model.EventSink{}
		snapshots []model.SnapshotStore
		candles   model.CandleStore
		sqlPing   metrics.Pinger
		redisPing metrics.Pinger
	)

	var sqlStore *sqlitestore.Store
	if cfg.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("sqlite dir: %w", err)
		}
		sqlStore, err = sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath}, log)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		sinks["sqlite"] = sqlStore
		snapshots = append(snapshots, sqlStore)
		candles = sqlStore
		sqlPing = sqlStore
	}

	var redisPub *redisstore.BufferedPublisher
	if cfg.Redis.Addr != "" {
		pub, err := redisstore.New(redisstore.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Prefix:       cfg.Redis.Prefix,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		}, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without it", slog.Any("error", err))
		} else {
			defer pub.Close()
			cb := redisstore.NewCircuitBreaker(cfg.Redis.BreakerFailures, cfg.Redis.BreakerReset)
			cb.OnStateChange = func(_, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			redisPub = redisstore.NewBufferedPublisher(pub, cb, cfg.Redis.BufferSize)
			redisPub.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
			sinks["redis"] = redisPub
			snapshots = append(snapshots, redisPub)
			redisPing = pub
		}
	}
	health.StartLivenessChecker(ctx, redisPing, sqlPing, 10*time.Second)

	// ---- Event gateway ----
	var (
		hub        *gateway.Hub
		gatewaySrv *gateway.Server
	)
	if cfg.GatewayAddr != "" {
		var snapStore model.SnapshotStore
		if len(snapshots) > 0 {
			snapStore = snapshots[0]
		}
		hub = gateway.NewHub(log)
		gatewaySrv = gateway.NewServer(cfg.GatewayAddr, hub, snapStore)
		gatewaySrv.Start()
		sinks["gateway"] = hub
	}

	// ---- Ledger & positions ----
	ledgerCfg := portfolio.Config{InitialCapital: cfg.Trading.InitialCapital, Limits: cfg.Trading.Risk}
	ledger, err := openLedger(ctx, ledgerCfg, snapshots, log)
	if err != nil {
		return err
	}
	positions := position.New(position.Config{Symbol: cfg.Symbol, MaxPositions: cfg.Trading.MaxPositions}, ledger, log)

	// ---- Feed & external sources ----
	bn := binance.NewClient(binance.Config{RestURL: cfg.Feed.RestURL, StreamURL: cfg.Feed.StreamURL})
	fm := feed.New(feed.Config{
		URL:                  bn.TradeStreamURL(cfg.Symbol),
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Feed.ReconnectDelay,
		HeartbeatInterval:    cfg.Feed.HeartbeatInterval,
		ConnectTimeout:       cfg.Feed.ConnectTimeout,
	}, feed.WSDialer{PingInterval: cfg.Feed.PingInterval, PongTimeout: cfg.Feed.PongTimeout}, log)

	var fng engine.SentimentSource
	if cfg.Sentiment.Enabled {
		fng = sentiment.NewClient(sentiment.Config{URL: cfg.Sentiment.URL, CacheTTL: cfg.Sentiment.CacheTTL}, log)
	}

	notifiers := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.TelegramToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}

	eng, err := engine.New(engine.Config{
		Symbol:          cfg.Symbol,
		Interval:        cfg.Interval,
		KlineInterval:   cfg.KlineInterval(),
		SeedLimit:       cfg.Buffer.SeedLimit,
		TickQueue:       cfg.Buffer.TickQueue,
		MaxTicks:        cfg.Buffer.MaxTicks,
		MaxCandles:      cfg.Buffer.MaxCandles,
		Indicators:      cfg.Indicators,
		Thresholds:      cfg.Thresholds,
		PositionSizePct: cfg.Trading.PositionSizePct,
		StopLossPct:     cfg.Trading.StopLossPct,
		TakeProfitPct:   cfg.Trading.TakeProfitPct,
		TrailingPct:     cfg.Trading.TrailingPct,
		SnapshotPath:    cfg.SnapshotPath,
	}, engine.Deps{
		Feed:      fm,
		Positions: positions,
		Klines:    bn,
		Candles:   candles,
		Sentiment: fng,
		Snapshots: snapshots,
		Metrics:   prom,
		Health:    health,
		Notifier:  notifiers,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	// ---- Event fan-out ----
	// The fan-out and sinks outlive ctx so shutdown events still reach them;
	// they stop when the engine closes its event channel.
	bg := context.WithoutCancel(ctx)
	fanout := bus.NewFanOut(1024)
	fanout.OnDrop = func(sub string, kind model.EventKind) {
		prom.FanoutDropsTotal.WithLabelValues(sub).Inc()
	}
	var wg sync.WaitGroup
	for name, sink := range sinks {
		ch := fanout.Subscribe(name)
		wg.Add(1)
		go func(ch <-chan model.Event, sink model.EventSink, name string) {
			defer wg.Done()
			bus.Drain(bg, ch, sink, log.With(slog.String("sink", name)))
		}(ch, sink, name)
	}
	go fanout.Run(bg, eng.Events())

	// Sampled stats for /metrics and /healthz.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health.SetFeedStats(fm.Stats())
				prom.TickWindowEvict.Set(float64(eng.Buffer().Evicted()))
				prom.ObserveFanout(fanout.ChannelStats())
			}
		}
	}()

	log.Info("streamtrader running",
		slog.String("symbol", cfg.Symbol),
		slog.Duration("interval", cfg.Interval),
		slog.Int("sinks", len(sinks)),
		slog.Bool("sentiment", cfg.Sentiment.Enabled))

	runErr := eng.Run(ctx)
	wg.Wait()

	if redisPub != nil {
		fctx, cancel := context.WithTimeout(bg, 3*time.Second)
		if n := redisPub.Flush(fctx); n > 0 {
			log.Info("flushed buffered redis writes", slog.Int("count", n))
		}
		cancel()
	}
	if gatewaySrv != nil {
		sctx, cancel := context.WithTimeout(bg, 3*time.Second)
		if err := gatewaySrv.Stop(sctx); err != nil {
			log.Warn("gateway shutdown", slog.Any("error", err))
		}
		cancel()
		hub.Close()
	}
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(bg, 3*time.Second)
		if err := metricsSrv.Stop(sctx); err != nil {
			log.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancel()
	}

	if errors.Is(runErr, feed.ErrReconnectExhausted) {
		log.Error("feed lost, exiting", slog.Any("error", runErr))
	}
	return runErr
}

// openLedger starts a fresh ledger, or with --restore resumes from the first
// snapshot found in the snapshot file, then each store in order.
func openLedger(ctx context.Context, lc portfolio.Config, stores []model.SnapshotStore, log *slog.Logger) (*portfolio.Ledger, error) {
	if !restore {
		return portfolio.New(lc, log)
	}
	data, src := latestSnapshot(ctx, stores, log)
	if data == nil {
		log.Info("no snapshot to restore, starting fresh")
		return portfolio.New(lc, log)
	}
	snap, err := portfolio.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("restore from %s: %w", src, err)
	}
	ledger, err := portfolio.FromSnapshot(snap, lc, log)
	if err != nil {
		return nil, fmt.Errorf("restore from %s: %w", src, err)
	}
	log.Info("ledger restored", slog.String("source", src),
		slog.Float64("capital", ledger.Capital()), slog.Int("open", ledger.OpenCount()))
	return ledger, nil
}

func latestSnapshot(ctx context.Context, stores []model.SnapshotStore, log *slog.Logger) ([]byte, string) {
	if cfg.SnapshotPath != "" {
		if b, err := os.ReadFile(cfg.SnapshotPath); err == nil {
			return b, cfg.SnapshotPath
		}
	}
	for _, s := range stores {
		b, err := s.ReadLatestSnapshotJSON(ctx)
		if err != nil {
			log.Warn("read snapshot", slog.String("store", fmt.Sprintf("%T", s)), slog.Any("error", err))
			continue
		}
		if b != nil {
			return b, fmt.Sprintf("%T", s)
		}
	}
	return nil, ""
}
