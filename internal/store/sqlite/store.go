// Package sqlite persists the trade journal, closed candles and ledger
// snapshots in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"btcstream/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const keepSnapshots = 50

// Config configures the store.
type Config struct {
	DBPath string // e.g. "data/btcstream.db"
}

// Store is the SQLite persistence layer. It implements model.EventSink
// (closed candles and closed positions), model.CandleStore and
// model.SnapshotStore.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens or creates the database in WAL mode and applies the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	s := &Store{db: db, log: logger.With(slog.String("component", "sqlite"))}
	s.log.Info("opened database", slog.String("path", cfg.DBPath))
	return s, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol   TEXT    NOT NULL,
			start_ms INTEGER NOT NULL,
			end_ms   INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			volume   REAL    NOT NULL,
			trades   INTEGER NOT NULL,
			PRIMARY KEY (symbol, start_ms)
		);

		CREATE TABLE IF NOT EXISTS trades (
			trade_id     TEXT PRIMARY KEY,
			symbol       TEXT NOT NULL,
			status       TEXT NOT NULL,
			entry_time   INTEGER NOT NULL,
			entry_price  REAL NOT NULL,
			exit_time    INTEGER NOT NULL,
			exit_price   REAL NOT NULL,
			size         REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			realized_pct REAL NOT NULL,
			entry_reason TEXT,
			exit_reason  TEXT,
			data         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);

		CREATE TABLE IF NOT EXISTS ledger_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Publish persists the events the store cares about and ignores the rest.
func (s *Store) Publish(ctx context.Context, ev model.Event) error {
	switch ev.Kind {
	case model.EventCandleClosed:
		var c model.Candle
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			return fmt.Errorf("sqlite: decode candle event %s: %w", ev.ID, err)
		}
		return s.WriteCandles(ctx, ev.Symbol, []model.Candle{c})
	case model.EventPositionClosed:
		var p model.Position
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("sqlite: decode position event %s: %w", ev.ID, err)
		}
		return s.RecordTrade(ctx, p)
	}
	return nil
}

// WriteCandles upserts closed candles in one transaction.
func (s *Store) WriteCandles(ctx context.Context, symbol string, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, start_ms, end_ms, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite: prepare candles: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, symbol, c.Start.UnixMilli(), c.End.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: insert candle %d: %w", c.Start.UnixMilli(), err)
		}
	}
	return tx.Commit()
}

// RecordTrade journals a closed position. Re-recording the same trade
// replaces the row.
func (s *Store) RecordTrade(ctx context.Context, p model.Position) error {
	if !p.Status.Terminal() {
		return fmt.Errorf("sqlite: trade %s is still %s", p.TradeID, p.Status)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("sqlite: encode trade %s: %w", p.TradeID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades (trade_id, symbol, status, entry_time, entry_price, exit_time, exit_price,
			size, realized_pnl, realized_pct, entry_reason, exit_reason, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TradeID, p.Symbol, p.Status.String(),
		p.EntryTime.UnixMilli(), p.EntryPrice,
		p.ExitTime.UnixMilli(), p.ExitPrice,
		p.Size, p.RealizedPnL, p.RealizedPnLPct,
		p.EntryReason, p.ExitReason, string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert trade %s: %w", p.TradeID, err)
	}
	return nil
}

// SaveSnapshotJSON stores a ledger snapshot and prunes old ones.
func (s *Store) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_snapshots (data, created_at) VALUES (?, ?)`,
		string(data), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("sqlite: insert snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_snapshots WHERE id NOT IN (SELECT id FROM ledger_snapshots ORDER BY id DESC LIMIT ?)`,
		keepSnapshots); err != nil {
		s.log.Warn("prune snapshots failed", slog.Any("error", err))
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
