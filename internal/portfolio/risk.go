package portfolio

import (
	"github.com/shopspring/decimal"
)

// RiskLimits are account-level guards checked before every entry.
// A zero value disables the corresponding check.
type RiskLimits struct {
	MaxDailyLoss   float64 `yaml:"max_daily_loss" json:"max_daily_loss"` // in quote currency
	MaxDailyTrades int     `yaml:"max_daily_trades" json:"max_daily_trades"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"` // 0-100, from peak capital
}

// DefaultRiskLimits returns conservative default limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxDailyLoss:   500,
		MaxDailyTrades: 10,
		MaxDrawdownPct: 20,
	}
}

// daily holds the counters that reset when the date changes.
type daily struct {
	day    string
	pnl    decimal.Decimal
	trades int
}

// CanOpen checks the risk limits for a new entry. It returns false with a
// reason when an entry must be refused.
func (l *Ledger) CanOpen() (bool, string) {
	l.rollDay()

	if l.lim.MaxDailyTrades > 0 && l.risk.trades >= l.lim.MaxDailyTrades {
		return false, "max daily trades reached"
	}
	if l.lim.MaxDailyLoss > 0 && l.risk.pnl.LessThanOrEqual(decimal.NewFromFloat(-l.lim.MaxDailyLoss)) {
		return false, "max daily loss reached"
	}
	if l.lim.MaxDrawdownPct > 0 && l.drawdownPct() >= l.lim.MaxDrawdownPct {
		return false, "max drawdown exceeded"
	}
	return true, ""
}

// RiskStatus is the current state of the risk counters.
type RiskStatus struct {
	Day         string     `json:"day"`
	DailyPnL    float64    `json:"daily_pnl"`
	DailyTrades int        `json:"daily_trades"`
	Capital     float64    `json:"capital"`
	PeakCapital float64    `json:"peak_capital"`
	DrawdownPct float64    `json:"drawdown_pct"`
	Limits      RiskLimits `json:"limits"`
}

// RiskStatus returns the current risk counters.
func (l *Ledger) RiskStatus() RiskStatus {
	l.rollDay()
	return RiskStatus{
		Day:         l.risk.day,
		DailyPnL:    l.risk.pnl.InexactFloat64(),
		DailyTrades: l.risk.trades,
		Capital:     l.Capital(),
		PeakCapital: l.peak.InexactFloat64(),
		DrawdownPct: l.drawdownPct(),
		Limits:      l.lim,
	}
}

func (l *Ledger) drawdownPct() float64 {
	if !l.peak.IsPositive() {
		return 0
	}
	return l.peak.Sub(l.capital).Div(l.peak).InexactFloat64() * 100
}
