// Package portfolio is the ledger of the paper-trading account.
//
// The Ledger owns the open and closed position sets and the account capital.
// Capital moves only when a position closes, so current capital always equals
// initial capital plus the realized P&L of every closed position. Statistics
// (win rate, profit factor, averages) are derived from the stored positions
// on demand rather than kept as running totals.
package portfolio

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"btcstream/internal/model"

	"github.com/shopspring/decimal"
)

// ErrUnknownPosition is returned when a position is not in the expected set.
var ErrUnknownPosition = errors.New("portfolio: unknown position")

// Config configures a Ledger.
type Config struct {
	InitialCapital float64
	Limits         RiskLimits
	Location       *time.Location // day boundary for daily counters; default UTC
}

// Ledger tracks capital and positions. It is not safe for concurrent use;
// the engine goroutine owns it.
type Ledger struct {
	initial decimal.Decimal
	capital decimal.Decimal
	peak    decimal.Decimal

	open   []*model.Position
	closed []*model.Position

	risk daily
	lim  RiskLimits
	loc  *time.Location
	log  *slog.Logger
	now  func() time.Time
}

// New creates a Ledger with the given starting capital.
func New(cfg Config, logger *slog.Logger) (*Ledger, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("portfolio: initial capital must be positive, got %v", cfg.InitialCapital)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := decimal.NewFromFloat(cfg.InitialCapital)
	l := &Ledger{
		initial: c,
		capital: c,
		peak:    c,
		lim:     cfg.Limits,
		loc:     cfg.Location,
		log:     logger.With(slog.String("component", "ledger")),
		now:     time.Now,
	}
	l.risk.day = l.today()
	return l, nil
}

// InitialCapital returns the starting capital.
func (l *Ledger) InitialCapital() float64 { return l.initial.InexactFloat64() }

// Capital returns the current capital.
func (l *Ledger) Capital() float64 { return l.capital.InexactFloat64() }

// CapitalDecimal returns the current capital without float rounding.
func (l *Ledger) CapitalDecimal() decimal.Decimal { return l.capital }

// Committed returns the entry value held by open positions.
func (l *Ledger) Committed() float64 {
	sum := decimal.Zero
	for _, p := range l.open {
		sum = sum.Add(decimal.NewFromFloat(p.Value))
	}
	return sum.InexactFloat64()
}

// Available returns capital not committed to open positions.
func (l *Ledger) Available() float64 {
	return l.capital.Sub(decimal.NewFromFloat(l.Committed())).InexactFloat64()
}

// Open returns the open positions. The slice is a copy; the positions are
// the ledger's own and must only be mutated by the owning goroutine.
func (l *Ledger) Open() []*model.Position {
	out := make([]*model.Position, len(l.open))
	copy(out, l.open)
	return out
}

// Closed returns the closed positions in close order.
func (l *Ledger) Closed() []*model.Position {
	out := make([]*model.Position, len(l.closed))
	copy(out, l.closed)
	return out
}

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int { return len(l.open) }

// OnOpen records a newly opened position.
func (l *Ledger) OnOpen(pos *model.Position) error {
	if pos.Status != model.StatusOpen {
		return fmt.Errorf("portfolio: open %s: status is %s", pos.TradeID, pos.Status)
	}
	for _, p := range l.open {
		if p.TradeID == pos.TradeID {
			return fmt.Errorf("portfolio: open %s: already open", pos.TradeID)
		}
	}
	l.rollDay()
	l.open = append(l.open, pos)
	l.risk.trades++
	return nil
}

// OnClose moves a terminal position from the open to the closed set and
// books its realized P&L.
func (l *Ledger) OnClose(pos *model.Position) error {
	if !pos.Status.Terminal() {
		return fmt.Errorf("portfolio: close %s: status is %s", pos.TradeID, pos.Status)
	}
	idx := -1
	for i, p := range l.open {
		if p.TradeID == pos.TradeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s is not open", ErrUnknownPosition, pos.TradeID)
	}
	l.rollDay()

	pnl := decimal.NewFromFloat(pos.RealizedPnL)
	l.capital = l.capital.Add(pnl)
	if l.capital.GreaterThan(l.peak) {
		l.peak = l.capital
	}
	l.risk.pnl = l.risk.pnl.Add(pnl)

	l.open = append(l.open[:idx], l.open[idx+1:]...)
	l.closed = append(l.closed, pos)

	l.log.Info("position booked",
		slog.String("trade_id", pos.TradeID),
		slog.String("status", pos.Status.String()),
		slog.Float64("realized_pnl", pos.RealizedPnL),
		slog.String("capital", l.capital.StringFixed(2)),
	)
	return nil
}

func (l *Ledger) today() string {
	return l.now().In(l.loc).Format(time.DateOnly)
}

// rollDay resets the daily counters when the date has advanced.
func (l *Ledger) rollDay() {
	if d := l.today(); d != l.risk.day {
		l.risk = daily{day: d}
	}
}
