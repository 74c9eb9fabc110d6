package model

import "context"

// EventSink consumes engine events (Redis streams, SQLite journal, logs).
// Implementations must not block the engine for long; slow sinks should
// buffer internally.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// SnapshotStore persists ledger snapshots as raw JSON.
// Using []byte keeps model free of a portfolio import.
type SnapshotStore interface {
	SaveSnapshotJSON(ctx context.Context, data []byte) error

	// ReadLatestSnapshotJSON returns nil, nil if no snapshot exists.
	ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error)
}

// CandleStore persists closed candles and reads them back for seeding.
type CandleStore interface {
	WriteCandles(ctx context.Context, symbol string, candles []Candle) error
	ReadCandles(ctx context.Context, symbol string, limit int) ([]Candle, error)
}
