package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"btcstream/internal/model"
)

// ReadCandles returns the most recent limit closed candles for symbol,
// oldest first.
func (s *Store) ReadCandles(ctx context.Context, symbol string, limit int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_ms, end_ms, open, high, low, close, volume, trades FROM (
			SELECT * FROM candles WHERE symbol = ? ORDER BY start_ms DESC LIMIT ?
		) ORDER BY start_ms ASC
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		var start, end int64
		if err := rows.Scan(&start, &end, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return nil, fmt.Errorf("sqlite: scan candle: %w", err)
		}
		c.Start = time.UnixMilli(start).UTC()
		c.End = time.UnixMilli(end).UTC()
		c.Closed = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// Trades returns the last limit journaled trades, newest first.
func (s *Store) Trades(ctx context.Context, limit int) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM trades ORDER BY exit_time DESC, trade_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query trades: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan trade: %w", err)
		}
		var p model.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("sqlite: decode trade: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadLatestSnapshotJSON returns the newest ledger snapshot, or nil if none.
func (s *Store) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM ledger_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read snapshot: %w", err)
	}
	return []byte(data), nil
}
