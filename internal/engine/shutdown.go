package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// shutdown closes open positions at the last seen price and persists the
// ledger snapshot to the file and every snapshot store.
func (e *Engine) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()

	if price, ok := e.buf.LastPrice(); ok {
		closed, err := e.pos.CloseAll(price, ReasonShutdown)
		for _, p := range closed {
			e.onClosed(ctx, p)
		}
		if err != nil {
			e.log.Error("close positions on shutdown", slog.Any("error", err))
		}
	} else if n := e.pos.Ledger().OpenCount(); n > 0 {
		e.log.Warn("no price seen, leaving positions open", slog.Int("open", n))
	}

	data, err := e.pos.Ledger().MarshalSnapshot()
	if err != nil {
		e.log.Error("encode ledger snapshot", slog.Any("error", err))
		return
	}
	if e.cfg.SnapshotPath != "" {
		if err := writeFileAtomic(e.cfg.SnapshotPath, data); err != nil {
			e.log.Error("write snapshot file", slog.String("path", e.cfg.SnapshotPath), slog.Any("error", err))
		} else {
			e.log.Info("snapshot written", slog.String("path", e.cfg.SnapshotPath))
		}
	}
	for _, s := range e.snapshots {
		if err := s.SaveSnapshotJSON(ctx, data); err != nil {
			e.log.Error("save snapshot", slog.String("store", fmt.Sprintf("%T", s)), slog.Any("error", err))
		}
	}

	sum := e.pos.Ledger().Summary()
	e.log.Info("engine stopped",
		slog.Float64("capital", sum.CurrentCapital),
		slog.Float64("total_return_pct", sum.TotalReturnPct),
		slog.Int("closed_positions", sum.ClosedPositions),
		slog.Float64("win_rate", sum.WinRate))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
