package portfolio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"btcstream/internal/model"

	"github.com/shopspring/decimal"
)

// Ratio is a float that encodes +Inf as the JSON string "inf".
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(r), 1) {
		return []byte(`"inf"`), nil
	}
	if math.IsNaN(float64(r)) || math.IsInf(float64(r), -1) {
		return nil, fmt.Errorf("portfolio: ratio %v is not encodable", float64(r))
	}
	return strconv.AppendFloat(nil, float64(r), 'f', -1, 64), nil
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte(`"inf"`)) {
		*r = Ratio(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("portfolio: decode ratio: %w", err)
	}
	*r = Ratio(f)
	return nil
}

// Snapshot is the persisted form of the ledger.
type Snapshot struct {
	InitialCapital  float64          `json:"initial_capital"`
	CurrentCapital  float64          `json:"current_capital"`
	TotalReturnPct  float64          `json:"total_return_pct"`
	OpenPositions   []model.Position `json:"open_positions"`
	ClosedPositions []model.Position `json:"closed_positions"`
	WinRate         float64          `json:"win_rate"`
	ProfitFactor    Ratio            `json:"profit_factor"`
	Time            time.Time        `json:"time"`
}

// Snapshot captures the ledger. Positions are copied.
func (l *Ledger) Snapshot() Snapshot {
	s := l.Summary()
	snap := Snapshot{
		InitialCapital:  s.InitialCapital,
		CurrentCapital:  s.CurrentCapital,
		TotalReturnPct:  s.TotalReturnPct,
		OpenPositions:   make([]model.Position, 0, len(l.open)),
		ClosedPositions: make([]model.Position, 0, len(l.closed)),
		WinRate:         s.WinRate,
		ProfitFactor:    s.ProfitFactor,
		Time:            l.now().UTC(),
	}
	for _, p := range l.open {
		snap.OpenPositions = append(snap.OpenPositions, p.Clone())
	}
	for _, p := range l.closed {
		snap.ClosedPositions = append(snap.ClosedPositions, p.Clone())
	}
	return snap
}

// MarshalSnapshot encodes the ledger snapshot as indented JSON.
func (l *Ledger) MarshalSnapshot() ([]byte, error) {
	b, err := json.MarshalIndent(l.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("portfolio: encode snapshot: %w", err)
	}
	return b, nil
}

// FromSnapshot rebuilds a ledger. Current capital is recomputed from the
// closed positions; a mismatch with the stored value is logged.
func FromSnapshot(snap Snapshot, cfg Config, logger *slog.Logger) (*Ledger, error) {
	cfg.InitialCapital = snap.InitialCapital
	l, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	for i := range snap.ClosedPositions {
		p := snap.ClosedPositions[i]
		if !p.Status.Terminal() {
			return nil, fmt.Errorf("portfolio: snapshot closed position %s has status %s", p.TradeID, p.Status)
		}
		l.capital = l.capital.Add(decimal.NewFromFloat(p.RealizedPnL))
		if l.capital.GreaterThan(l.peak) {
			l.peak = l.capital
		}
		l.closed = append(l.closed, &p)
	}
	for i := range snap.OpenPositions {
		p := snap.OpenPositions[i]
		if p.Status != model.StatusOpen {
			return nil, fmt.Errorf("portfolio: snapshot open position %s has status %s", p.TradeID, p.Status)
		}
		l.open = append(l.open, &p)
	}
	if got := l.capital.InexactFloat64(); math.Abs(got-snap.CurrentCapital) > 1e-6 {
		l.log.Warn("snapshot capital differs from closed positions",
			slog.Float64("stored", snap.CurrentCapital),
			slog.Float64("derived", got),
		)
	}
	return l, nil
}

// DecodeSnapshot parses a snapshot produced by MarshalSnapshot.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("portfolio: decode snapshot: %w", err)
	}
	return s, nil
}
