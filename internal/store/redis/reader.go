package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"btcstream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Reader reads back what the Publisher wrote, for the CLI and for
// downstream consumers.
type Reader struct {
	client *goredis.Client
	keys   Keys
	log    *slog.Logger
}

// NewReader creates a Reader over client using the given key prefix.
func NewReader(client *goredis.Client, prefix string, logger *slog.Logger) *Reader {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		client: client,
		keys:   Keys{Prefix: prefix},
		log:    logger.With(slog.String("component", "redis-reader")),
	}
}

// Recent returns up to n events of kind, oldest first.
func (r *Reader) Recent(ctx context.Context, kind model.EventKind, n int64) ([]model.Event, error) {
	stream := r.keys.Stream(kind)
	msgs, err := r.client.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: xrevrange %s: %w", stream, err)
	}

	out := make([]model.Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		ev, ok := r.decode(msgs[i].Values["data"])
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe forwards every event published on the events channel to out
// until ctx is cancelled.
func (r *Reader) Subscribe(ctx context.Context, out chan<- model.Event) error {
	sub := r.client.Subscribe(ctx, r.keys.Channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", r.keys.Channel(), err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, ok := r.decode(msg.Payload)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *Reader) decode(v interface{}) (model.Event, bool) {
	data, ok := v.(string)
	if !ok {
		return model.Event{}, false
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		r.log.Warn("skipping undecodable event", slog.Any("error", err))
		return model.Event{}, false
	}
	return ev, true
}
