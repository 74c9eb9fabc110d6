// Package redis publishes engine events to Redis streams and pub/sub, and
// keeps the latest ledger snapshot under a well-known key.
//
// Layout, for the default prefix "btcstream":
//
//	btcstream:<kind>           stream per event kind, trimmed with MAXLEN ~
//	btcstream:events           pub/sub channel carrying every event
//	btcstream:ledger:latest    latest ledger snapshot JSON
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"btcstream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultPrefix       = "btcstream"
	defaultStreamMaxLen = 10000
)

// Config configures the Redis publisher.
type Config struct {
	Addr         string // e.g. "localhost:6379"
	Password     string
	DB           int
	Prefix       string // key prefix; default "btcstream"
	StreamMaxLen int64  // approximate per-stream cap; default 10000
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = defaultStreamMaxLen
	}
}

// Keys builds the Redis key names for a prefix.
type Keys struct{ Prefix string }

func (k Keys) Stream(kind model.EventKind) string { return k.Prefix + ":" + string(kind) }
func (k Keys) Channel() string                    { return k.Prefix + ":events" }
func (k Keys) Ledger() string                     { return k.Prefix + ":ledger:latest" }

// Publisher writes events and snapshots to Redis. Errors are returned to the
// caller so a circuit breaker can observe them.
type Publisher struct {
	client *goredis.Client
	keys   Keys
	maxLen int64
	log    *slog.Logger
}

// New connects to Redis and pings it.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	p := NewWithClient(client, cfg, logger)
	p.log.Info("connected", slog.String("addr", cfg.Addr))
	return p, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, cfg Config, logger *slog.Logger) *Publisher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client: client,
		keys:   Keys{Prefix: cfg.Prefix},
		maxLen: cfg.StreamMaxLen,
		log:    logger.With(slog.String("component", "redis")),
	}
}

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Ping checks connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish appends ev to its kind's stream and publishes it on the events
// channel in one pipeline.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event %s: %w", ev.ID, err)
	}

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.keys.Stream(ev.Kind),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":   ev.ID,
			"data": string(data),
		},
	})
	pipe.Publish(ctx, p.keys.Channel(), string(data))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", ev.Kind, err)
	}
	return nil
}

// SaveSnapshotJSON stores the latest ledger snapshot.
func (p *Publisher) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if err := p.client.Set(ctx, p.keys.Ledger(), string(data), 0).Err(); err != nil {
		return fmt.Errorf("redis: save snapshot: %w", err)
	}
	return nil
}

// ReadLatestSnapshotJSON returns the latest ledger snapshot, or nil if none.
func (p *Publisher) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	data, err := p.client.Get(ctx, p.keys.Ledger()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read snapshot: %w", err)
	}
	return data, nil
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
