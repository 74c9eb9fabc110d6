// Package metrics exposes Prometheus metrics and a /healthz endpoint for
// the trading engine.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"btcstream/internal/bus"
	"btcstream/internal/marketdata/feed"
	"btcstream/internal/portfolio"
)

// Metrics holds all Prometheus metrics of the engine.
type Metrics struct {
	TicksTotal     prometheus.Counter
	DroppedTicks   *prometheus.CounterVec // labels: stage=queue|buffer
	ProtocolErrors prometheus.Counter
	Reconnects     prometheus.Counter
	FeedState      prometheus.Gauge // feed.State value
	DegradedTotal  prometheus.Counter

	CandlesTotal     prometheus.Counter
	CandleProcessDur prometheus.Histogram
	SignalsTotal     *prometheus.CounterVec // labels: action

	PositionsOpened prometheus.Counter
	PositionsClosed *prometheus.CounterVec // labels: status
	Capital         prometheus.Gauge
	UnrealizedPnL   prometheus.Gauge

	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber
	FanoutSaturation *prometheus.GaugeVec   // labels: subscriber, 0-100
	TickWindowEvict  prometheus.Gauge

	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamtrader_ticks_total",
			Help: "Trades received from the feed",
		}),
		DroppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamtrader_dropped_ticks_total",
			Help: "Ticks dropped by the inbound queue or rejected by the candle buffer",
		}, []string{"stage"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamtrader_protocol_errors_total",
			Help: "Malformed feed messages skipped",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamtrader_reconnects_total",
			Help: "Feed reconnection attempts",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamtrader_feed_state",
			Help: "Feed state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
		}),
		DegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamtrader_feed_degraded_total",
			Help: "Heartbeat checks that found the feed silent",
		}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamtrader_candles_total",
			Help: "Candles closed",
		}),
		CandleProcessDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamtrader_candle_process_duration_seconds",
			Help:    "Indicator recompute and signal evaluation latency per closed candle",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamtrader_signals_total",
			Help: "Detector decisions by action",
		}, []string{"action"}),
		PositionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamtrader_positions_opened_total",
			Help: "Positions opened",
		}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamtrader_positions_closed_total",
			Help: "Positions closed by terminal status",
		}, []string{"status"}),
		Capital: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamtrader_capital",
			Help: "Current ledger capital",
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamtrader_unrealized_pnl",
			Help: "Unrealized P&L across open positions",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamtrader_fanout_drops_total",
			Help: "Events dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		FanoutSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtrader_fanout_channel_saturation_pct",
			Help: "Fill percentage of each fan-out subscriber channel",
		}, []string{"subscriber"}),
		TickWindowEvict: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamtrader_tick_window_evicted",
			Help: "Ticks pushed out of the bounded tick window since start",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamtrader_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamtrader_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamtrader_redis_buffered_writes_total",
			Help: "Events buffered locally while Redis was unavailable",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.ProtocolErrors,
		m.Reconnects,
		m.FeedState,
		m.DegradedTotal,
		m.CandlesTotal,
		m.CandleProcessDur,
		m.SignalsTotal,
		m.PositionsOpened,
		m.PositionsClosed,
		m.Capital,
		m.UnrealizedPnL,
		m.FanoutDropsTotal,
		m.FanoutSaturation,
		m.TickWindowEvict,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)
	return m
}

// ObserveFanout records the fill percentage of every fan-out subscriber channel.
func (m *Metrics) ObserveFanout(stats []bus.ChannelStat) {
	for _, s := range stats {
		if s.Cap > 0 {
			m.FanoutSaturation.WithLabelValues(s.Name).Set(float64(s.Len) / float64(s.Cap) * 100)
		}
	}
}

// Pinger is a dependency that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus is the process health reported on /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	FeedState      string
	FeedConnected  bool
	LastTickTime   time.Time
	RedisEnabled   bool
	RedisConnected bool
	SQLiteEnabled  bool
	SQLiteOK       bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	Feed *feed.Stats
	Risk *portfolio.RiskStatus
}

// NewHealthStatus returns a health status with no dependencies enabled.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), FeedState: "disconnected"}
}

func (h *HealthStatus) SetFeedState(state string, connected bool) {
	h.mu.Lock()
	h.FeedState = state
	h.FeedConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// SetFeedStats records the latest connection counters of the feed.
func (h *HealthStatus) SetFeedStats(s feed.Stats) {
	h.mu.Lock()
	h.Feed = &s
	h.mu.Unlock()
}

// SetRisk records the latest ledger risk counters.
func (h *HealthStatus) SetRisk(r portfolio.RiskStatus) {
	h.mu.Lock()
	h.Risk = &r
	h.mu.Unlock()
}

func ping(ctx context.Context, p Pinger) (bool, float64) {
	start := time.Now()
	err := p.Ping(ctx)
	return err == nil, float64(time.Since(start).Microseconds()) / 1000.0
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	ok, ms := ping(ctx, p)
	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = ok
	h.RedisLatencyMs = ms
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, p Pinger) {
	ok, ms := ping(ctx, p)
	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = ok
	h.SQLiteLatencyMs = ms
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker pings the given dependencies every interval until
// ctx is cancelled. Nil dependencies are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, redis, sqlite Pinger, interval time.Duration) {
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if redis != nil {
			h.CheckRedis(checkCtx, redis)
		}
		if sqlite != nil {
			h.CheckSQLite(checkCtx, sqlite)
		}
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// ServeHTTP handles /healthz. The feed must be connected and every enabled
// dependency reachable for a 200.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	redisOK := !h.RedisEnabled || h.RedisConnected
	sqliteOK := !h.SQLiteEnabled || h.SQLiteOK

	overall := "healthy"
	code := http.StatusOK
	if !h.FeedConnected || !redisOK || !sqliteOK {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}
	if h.FeedState == "failed" {
		overall = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedState       string  `json:"feed_state"`
		FeedConnected   bool    `json:"feed_connected"`
		LastTickTime    string  `json:"last_tick_time,omitempty"`
		TickAge         string  `json:"tick_age,omitempty"`
		RedisConnected  *bool   `json:"redis_connected,omitempty"`
		RedisLatencyMs  float64 `json:"redis_latency_ms,omitempty"`
		SQLiteOK        *bool   `json:"sqlite_ok,omitempty"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms,omitempty"`
		LastCheckAt     string  `json:"last_check_at,omitempty"`

		Feed *feed.Stats           `json:"feed,omitempty"`
		Risk *portfolio.RiskStatus `json:"risk,omitempty"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedState:       h.FeedState,
		FeedConnected:   h.FeedConnected,
		TickAge:         tickAge,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Feed:            h.Feed,
		Risk:            h.Risk,
	}
	if !h.LastTickTime.IsZero() {
		status.LastTickTime = h.LastTickTime.Format(time.RFC3339)
	}
	if !h.LastCheckAt.IsZero() {
		status.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	if h.RedisEnabled {
		v := h.RedisConnected
		status.RedisConnected = &v
	}
	if h.SQLiteEnabled {
		v := h.SQLiteOK
		status.SQLiteOK = &v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server. gatherer defaults to the
// default gatherer when nil.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:  logger.With(slog.String("component", "metrics")),
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", slog.Any("error", err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
