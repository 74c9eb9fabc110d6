// Package position manages the lifecycle of long positions: opening against
// available capital, tracking price extremes with a ratcheting trailing stop,
// resolving stop-loss and take-profit exits, and closing into the ledger.
package position

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"btcstream/internal/model"
	"btcstream/internal/portfolio"

	"github.com/oklog/ulid/v2"
)

const (
	ReasonStopLoss   = "Stop loss triggered"
	ReasonTakeProfit = "Take profit target reached"
)

// Config for the Manager.
type Config struct {
	Symbol       string
	MaxPositions int // default: 1
}

// Manager applies position transitions and books them in the ledger.
// Every method completes its transition before returning. It is not safe
// for concurrent use; the engine goroutine owns it.
type Manager struct {
	cfg     Config
	ledger  *portfolio.Ledger
	log     *slog.Logger
	now     func() time.Time
	entropy io.Reader
}

// New creates a Manager over ledger.
func New(cfg Config, ledger *portfolio.Ledger, logger *slog.Logger) *Manager {
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		ledger:  ledger,
		log:     logger.With(slog.String("component", "position")),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// SetClock replaces the time source for entry and exit timestamps.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Ledger returns the ledger the manager books into.
func (m *Manager) Ledger() *portfolio.Ledger { return m.ledger }

// Open opens a long position. trailingPct is a fraction (0.02 = 2%); zero
// disables trailing, as does a zero stop or take-profit for those exits.
func (m *Manager) Open(entry, size, stop, tp, trailingPct float64, reason string, confidence float64) (*model.Position, error) {
	switch {
	case entry <= 0 || size <= 0:
		return nil, fmt.Errorf("%w: entry %.2f and size %.8f must be positive", ErrInvalidOrder, entry, size)
	case stop < 0 || (stop > 0 && stop >= entry):
		return nil, fmt.Errorf("%w: stop %.2f must be below entry %.2f", ErrInvalidOrder, stop, entry)
	case tp < 0 || (tp > 0 && tp <= entry):
		return nil, fmt.Errorf("%w: take-profit %.2f must be above entry %.2f", ErrInvalidOrder, tp, entry)
	case trailingPct < 0 || trailingPct >= 1:
		return nil, fmt.Errorf("%w: trailing %.4f must be in [0, 1)", ErrInvalidOrder, trailingPct)
	}

	if m.ledger.OpenCount() >= m.cfg.MaxPositions {
		return nil, fmt.Errorf("%w: %d open", ErrMaxPositionsReached, m.ledger.OpenCount())
	}
	value := entry * size
	if avail := m.ledger.Available(); value > avail {
		return nil, &CapitalError{Required: value, Available: avail}
	}
	if ok, why := m.ledger.CanOpen(); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRiskLimit, why)
	}

	now := m.now()
	pos := &model.Position{
		TradeID:      "TRADE_" + ulid.MustNew(ulid.Timestamp(now), m.entropy).String(),
		Symbol:       m.cfg.Symbol,
		EntryTime:    now,
		EntryPrice:   entry,
		Size:         size,
		Value:        value,
		StopLoss:     stop,
		TakeProfit:   tp,
		TrailingPct:  trailingPct,
		CurrentStop:  stop,
		HighestPrice: entry,
		LowestPrice:  entry,
		CurrentPrice: entry,
		Status:       model.StatusOpen,
		EntryReason:  reason,
		Confidence:   confidence,
	}
	if err := m.ledger.OnOpen(pos); err != nil {
		return nil, fmt.Errorf("position: open: %w", err)
	}

	m.log.Info("position opened",
		slog.String("trade_id", pos.TradeID),
		slog.Float64("entry", entry),
		slog.Float64("size", size),
		slog.Float64("stop_loss", stop),
		slog.Float64("take_profit", tp),
		slog.Float64("confidence", confidence),
		slog.String("reason", reason),
	)
	return pos, nil
}

// OnPriceUpdate marks the position to price, tracks extremes and ratchets
// the trailing stop. The stop only ever moves up.
func (m *Manager) OnPriceUpdate(pos *model.Position, price float64) error {
	if pos.Status.Terminal() {
		return &StateError{TradeID: pos.TradeID, Status: pos.Status, Op: "update"}
	}
	if price <= 0 {
		return fmt.Errorf("%w: price %.2f must be positive", ErrInvalidOrder, price)
	}

	pos.CurrentPrice = price
	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}
	if pos.LowestPrice == 0 || price < pos.LowestPrice {
		pos.LowestPrice = price
	}
	pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Size
	pos.UnrealizedPnLPct = (price - pos.EntryPrice) / pos.EntryPrice * 100

	if pos.TrailingPct > 0 {
		if cand := pos.HighestPrice * (1 - pos.TrailingPct); cand > pos.CurrentStop {
			pos.CurrentStop = cand
			m.log.Debug("trailing stop raised",
				slog.String("trade_id", pos.TradeID),
				slog.Float64("stop", cand),
			)
		}
	}
	return nil
}

// CloseCheck reports which exit, if any, the current price triggers. The
// stop is checked before take-profit and at most one exit is reported.
func (m *Manager) CloseCheck(pos *model.Position) (model.Status, bool) {
	if pos.Status.Terminal() {
		return pos.Status, false
	}
	if stop := pos.EffectiveStop(); stop > 0 && pos.CurrentPrice <= stop {
		return model.StatusStoppedOut, true
	}
	if pos.TakeProfit > 0 && pos.CurrentPrice >= pos.TakeProfit {
		return model.StatusTookProfit, true
	}
	return model.StatusOpen, false
}

// Close books the exit. Closing a position that is already terminal returns
// a *StateError and changes nothing.
func (m *Manager) Close(pos *model.Position, exit float64, status model.Status, reason string) error {
	if pos.Status.Terminal() {
		return &StateError{TradeID: pos.TradeID, Status: pos.Status, Op: "close"}
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: close status %s is not terminal", ErrInvalidOrder, status)
	}

	closed := *pos
	closed.ExitTime = m.now()
	closed.ExitPrice = exit
	closed.ExitReason = reason
	closed.CurrentPrice = exit
	closed.RealizedPnL = (exit - pos.EntryPrice) * pos.Size
	closed.RealizedPnLPct = (exit - pos.EntryPrice) / pos.EntryPrice * 100
	closed.UnrealizedPnL = 0
	closed.UnrealizedPnLPct = 0
	closed.Status = status

	// Apply to the live record only once the ledger accepted the close.
	prev := *pos
	*pos = closed
	if err := m.ledger.OnClose(pos); err != nil {
		*pos = prev
		return fmt.Errorf("position: close: %w", err)
	}

	m.log.Info("position closed",
		slog.String("trade_id", pos.TradeID),
		slog.String("status", status.String()),
		slog.Float64("exit", exit),
		slog.Float64("realized_pnl", pos.RealizedPnL),
		slog.Duration("held", pos.Duration(pos.ExitTime)),
		slog.String("reason", reason),
	)
	return nil
}

// Update runs one price through every open position and closes those whose
// stop or take-profit it triggers. It returns the positions it closed.
func (m *Manager) Update(price float64) ([]*model.Position, error) {
	var closed []*model.Position
	for _, pos := range m.ledger.Open() {
		if err := m.OnPriceUpdate(pos, price); err != nil {
			return closed, err
		}
		status, hit := m.CloseCheck(pos)
		if !hit {
			continue
		}
		reason := ReasonTakeProfit
		if status == model.StatusStoppedOut {
			reason = ReasonStopLoss
		}
		if err := m.Close(pos, price, status, reason); err != nil {
			return closed, err
		}
		closed = append(closed, pos)
	}
	return closed, nil
}

// CloseAll closes every open position at price with StatusClosed.
func (m *Manager) CloseAll(price float64, reason string) ([]*model.Position, error) {
	var closed []*model.Position
	for _, pos := range m.ledger.Open() {
		if err := m.OnPriceUpdate(pos, price); err != nil {
			return closed, err
		}
		if err := m.Close(pos, price, model.StatusClosed, reason); err != nil {
			return closed, err
		}
		closed = append(closed, pos)
	}
	return closed, nil
}
