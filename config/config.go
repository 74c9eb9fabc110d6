package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"btcstream/internal/indicator"
	"btcstream/internal/portfolio"
	"btcstream/internal/strategy"
)

// Config holds all application configuration. Values are resolved as
// defaults, then the optional YAML file, then environment variables.
type Config struct {
	Symbol   string        `yaml:"symbol"`
	Interval time.Duration `yaml:"interval"`

	Feed       FeedConfig          `yaml:"feed"`
	Buffer     BufferConfig        `yaml:"buffer"`
	Indicators indicator.Params    `yaml:"indicators"`
	Thresholds strategy.Thresholds `yaml:"thresholds"`
	Trading    TradingConfig       `yaml:"trading"`
	Sentiment  SentimentConfig     `yaml:"sentiment"`

	// Infrastructure. An empty Redis.Addr or SQLitePath disables that sink;
	// an empty MetricsAddr or GatewayAddr disables that server.
	Redis        RedisConfig `yaml:"redis"`
	SQLitePath   string      `yaml:"sqlite_path"`
	SnapshotPath string      `yaml:"snapshot_path"`
	MetricsAddr  string      `yaml:"metrics_addr"`
	GatewayAddr  string      `yaml:"gateway_addr"`
	LogLevel     string      `yaml:"log_level"`
	Tracing      bool        `yaml:"tracing"`

	Notify NotifyConfig `yaml:"notify"`
}

type FeedConfig struct {
	RestURL              string        `yaml:"rest_url"`
	StreamURL            string        `yaml:"stream_url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
}

type BufferConfig struct {
	TickQueue  int `yaml:"tick_queue"`
	MaxTicks   int `yaml:"max_ticks"`
	MaxCandles int `yaml:"max_candles"`
	SeedLimit  int `yaml:"seed_limit"` // klines requested at startup
}

type TradingConfig struct {
	InitialCapital  float64              `yaml:"initial_capital"`
	MaxPositions    int                  `yaml:"max_positions"`
	PositionSizePct float64              `yaml:"position_size_pct"` // fraction of available capital per entry
	StopLossPct     float64              `yaml:"stop_loss_pct"`
	TakeProfitPct   float64              `yaml:"take_profit_pct"`
	TrailingPct     float64              `yaml:"trailing_pct"`
	Risk            portfolio.RiskLimits `yaml:"risk"`
}

type SentimentConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	Prefix          string        `yaml:"prefix"`
	StreamMaxLen    int64         `yaml:"stream_max_len"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
	BufferSize      int           `yaml:"buffer_size"`
}

type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Symbol:   "BTCUSDT",
		Interval: time.Minute,
		Feed: FeedConfig{
			RestURL:              "https://api.binance.com",
			StreamURL:            "wss://stream.binance.com:9443/ws",
			MaxReconnectAttempts: 10,
			ReconnectDelay:       5 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			ConnectTimeout:       10 * time.Second,
			PingInterval:         20 * time.Second,
			PongTimeout:          10 * time.Second,
		},
		Buffer: BufferConfig{
			TickQueue:  1000,
			MaxTicks:   1000,
			MaxCandles: 500,
			SeedLimit:  200,
		},
		Indicators: indicator.DefaultParams(),
		Thresholds: strategy.DefaultThresholds(),
		Trading: TradingConfig{
			InitialCapital:  10000,
			MaxPositions:    1,
			PositionSizePct: 0.95,
			StopLossPct:     0.02,
			TakeProfitPct:   0.04,
			TrailingPct:     0.02,
			Risk:            portfolio.DefaultRiskLimits(),
		},
		Sentiment: SentimentConfig{
			Enabled:  true,
			URL:      "https://api.alternative.me/fng/",
			CacheTTL: time.Hour,
		},
		Redis: RedisConfig{
			Prefix:          "btcstream",
			StreamMaxLen:    10000,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
			BufferSize:      1000,
		},
		SQLitePath:   "data/btcstream.db",
		SnapshotPath: "data/portfolio_snapshot.json",
		MetricsAddr:  ":9090",
		GatewayAddr:  ":8080",
		LogLevel:     "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("STREAMTRADER_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Symbol = strings.ToUpper(getEnv("SYMBOL", c.Symbol))
	c.Interval = getDuration("INTERVAL", c.Interval)

	c.Feed.RestURL = getEnv("BINANCE_REST_URL", c.Feed.RestURL)
	c.Feed.StreamURL = getEnv("BINANCE_STREAM_URL", c.Feed.StreamURL)
	c.Feed.MaxReconnectAttempts = getInt("MAX_RECONNECT_ATTEMPTS", c.Feed.MaxReconnectAttempts)
	c.Feed.ReconnectDelay = getDuration("RECONNECT_DELAY", c.Feed.ReconnectDelay)
	c.Feed.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", c.Feed.HeartbeatInterval)
	c.Feed.ConnectTimeout = getDuration("CONNECT_TIMEOUT", c.Feed.ConnectTimeout)

	c.Trading.InitialCapital = getFloat("INITIAL_CAPITAL", c.Trading.InitialCapital)
	c.Trading.MaxPositions = getInt("MAX_POSITIONS", c.Trading.MaxPositions)
	c.Trading.TrailingPct = getFloat("TRAILING_STOP_PCT", c.Trading.TrailingPct)

	c.Sentiment.Enabled = getBool("SENTIMENT_ENABLED", c.Sentiment.Enabled)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Prefix = getEnv("REDIS_PREFIX", c.Redis.Prefix)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.SnapshotPath = getEnv("SNAPSHOT_PATH", c.SnapshotPath)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.GatewayAddr = getEnv("GATEWAY_ADDR", c.GatewayAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Tracing = getBool("TRACING_ENABLED", c.Tracing)

	c.Notify.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if c.Interval < time.Second {
		errs = append(errs, fmt.Errorf("interval must be >= 1s, got %s", c.Interval))
	}
	if err := c.Indicators.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"reconnect_delay":    c.Feed.ReconnectDelay,
		"heartbeat_interval": c.Feed.HeartbeatInterval,
		"connect_timeout":    c.Feed.ConnectTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("feed.%s must be positive", name))
		}
	}
	if c.Feed.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("feed.max_reconnect_attempts must be >= 1"))
	}
	t := c.Trading
	if t.InitialCapital <= 0 {
		errs = append(errs, fmt.Errorf("trading.initial_capital must be positive, got %v", t.InitialCapital))
	}
	if t.MaxPositions < 1 {
		errs = append(errs, errors.New("trading.max_positions must be >= 1"))
	}
	if t.PositionSizePct <= 0 || t.PositionSizePct > 1 {
		errs = append(errs, fmt.Errorf("trading.position_size_pct must be in (0, 1], got %v", t.PositionSizePct))
	}
	if t.StopLossPct < 0 || t.StopLossPct >= 1 {
		errs = append(errs, fmt.Errorf("trading.stop_loss_pct must be in [0, 1), got %v", t.StopLossPct))
	}
	if t.TakeProfitPct < 0 {
		errs = append(errs, fmt.Errorf("trading.take_profit_pct must be >= 0, got %v", t.TakeProfitPct))
	}
	if t.TrailingPct < 0 || t.TrailingPct >= 1 {
		errs = append(errs, fmt.Errorf("trading.trailing_pct must be in [0, 1), got %v", t.TrailingPct))
	}
	if c.Buffer.MaxCandles < c.Indicators.Warmup()+1 {
		errs = append(errs, fmt.Errorf("buffer.max_candles (%d) must exceed indicator warmup (%d)",
			c.Buffer.MaxCandles, c.Indicators.Warmup()))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, errors.New("notify: telegram_token and telegram_chat_id must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// StreamURL returns the trade stream for the configured symbol.
func (c *Config) StreamURL() string {
	return strings.TrimRight(c.Feed.StreamURL, "/") + "/" + strings.ToLower(c.Symbol) + "@trade"
}

// KlineInterval maps Interval onto a Binance kline interval string such as
// "1m" or "1h". Intervals Binance does not offer return "".
func (c *Config) KlineInterval() string {
	switch c.Interval {
	case time.Minute:
		return "1m"
	case 3 * time.Minute:
		return "3m"
	case 5 * time.Minute:
		return "5m"
	case 15 * time.Minute:
		return "15m"
	case 30 * time.Minute:
		return "30m"
	case time.Hour:
		return "1h"
	case 4 * time.Hour:
		return "4h"
	case 24 * time.Hour:
		return "1d"
	}
	return ""
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return d
}
