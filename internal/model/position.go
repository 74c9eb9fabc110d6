package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a position. Open moves to exactly one
// terminal status and never back.
type Status int

const (
	StatusOpen Status = iota
	StatusClosed
	StatusStoppedOut
	StatusTookProfit
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	case StatusStoppedOut:
		return "STOPPED_OUT"
	case StatusTookProfit:
		return "TOOK_PROFIT"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusOpen }

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "OPEN":
		*s = StatusOpen
	case "CLOSED":
		*s = StatusClosed
	case "STOPPED_OUT":
		*s = StatusStoppedOut
	case "TOOK_PROFIT":
		*s = StatusTookProfit
	default:
		return fmt.Errorf("unknown position status %q", b)
	}
	return nil
}

// Position is a single long position on the traded symbol.
type Position struct {
	TradeID    string    `json:"trade_id"`
	Symbol     string    `json:"symbol"`
	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`
	Size       float64   `json:"size"`
	Value      float64   `json:"value"` // entry_price * size

	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	TrailingPct float64 `json:"trailing_pct"` // fraction, 0.02 = 2%
	CurrentStop float64 `json:"current_stop"`

	HighestPrice float64 `json:"highest_price"`
	LowestPrice  float64 `json:"lowest_price"`
	CurrentPrice float64 `json:"current_price"`

	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
	RealizedPnL      float64 `json:"realized_pnl"`
	RealizedPnLPct   float64 `json:"realized_pnl_pct"`

	Status      Status    `json:"status"`
	EntryReason string    `json:"entry_reason"`
	ExitReason  string    `json:"exit_reason,omitempty"`
	ExitTime    time.Time `json:"exit_time,omitempty"`
	ExitPrice   float64   `json:"exit_price,omitempty"`
	Confidence  float64   `json:"confidence"`
	Sentiment   int       `json:"fear_greed_value,omitempty"`
}

// EffectiveStop is the tighter of the fixed stop-loss and the trailing stop.
func (p *Position) EffectiveStop() float64 {
	if p.CurrentStop > p.StopLoss {
		return p.CurrentStop
	}
	return p.StopLoss
}

// Duration is how long the position was (or has been) held.
func (p *Position) Duration(now time.Time) time.Duration {
	if p.Status.Terminal() && !p.ExitTime.IsZero() {
		return p.ExitTime.Sub(p.EntryTime)
	}
	return now.Sub(p.EntryTime)
}

// Clone returns a copy safe to hand to other goroutines.
func (p *Position) Clone() Position {
	return *p
}
