package portfolio

import (
	"math"

	"btcstream/internal/model"
)

// Summary is the derived view of the ledger.
type Summary struct {
	InitialCapital  float64 `json:"initial_capital"`
	CurrentCapital  float64 `json:"current_capital"`
	TotalReturn     float64 `json:"total_return"`
	TotalReturnPct  float64 `json:"total_return_pct"`
	OpenPositions   int     `json:"open_positions"`
	ClosedPositions int     `json:"closed_positions"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"` // percent of closed positions
	ProfitFactor    Ratio   `json:"profit_factor"`
	TotalRealized   float64 `json:"total_realized_pnl"`
	AvgWin          float64 `json:"avg_win"`
	AvgLoss         float64 `json:"avg_loss"` // magnitude
	LargestWin      float64 `json:"largest_win"`
	LargestLoss     float64 `json:"largest_loss"` // magnitude
	OpenUnrealized  float64 `json:"open_unrealized_pnl"`
	DailyPnL        float64 `json:"daily_pnl"`
	DailyTrades     int     `json:"daily_trades"`
	DrawdownPct     float64 `json:"drawdown_pct"`
}

// Summary derives statistics from the stored positions.
func (l *Ledger) Summary() Summary {
	l.rollDay()
	st := stats(l.closed)

	s := Summary{
		InitialCapital:  l.InitialCapital(),
		CurrentCapital:  l.Capital(),
		OpenPositions:   len(l.open),
		ClosedPositions: len(l.closed),
		WinningTrades:   st.wins,
		LosingTrades:    st.losses,
		WinRate:         st.winRate(),
		ProfitFactor:    st.profitFactor(),
		TotalRealized:   st.grossWin - st.grossLoss,
		LargestWin:      st.largestWin,
		LargestLoss:     st.largestLoss,
		OpenUnrealized:  unrealized(l.open),
		DailyPnL:        l.risk.pnl.InexactFloat64(),
		DailyTrades:     l.risk.trades,
		DrawdownPct:     l.drawdownPct(),
	}
	ret := l.capital.Sub(l.initial)
	s.TotalReturn = ret.InexactFloat64()
	s.TotalReturnPct = ret.Div(l.initial).InexactFloat64() * 100
	if st.wins > 0 {
		s.AvgWin = st.grossWin / float64(st.wins)
	}
	if st.losses > 0 {
		s.AvgLoss = st.grossLoss / float64(st.losses)
	}
	return s
}

// tally is the win/loss breakdown of a set of closed positions. A trade that
// realized exactly zero counts as a loss.
type tally struct {
	wins, losses int
	grossWin     float64
	grossLoss    float64 // magnitude
	largestWin   float64
	largestLoss  float64 // magnitude
}

func stats(closed []*model.Position) tally {
	var t tally
	for _, p := range closed {
		pnl := p.RealizedPnL
		if pnl > 0 {
			t.wins++
			t.grossWin += pnl
			t.largestWin = math.Max(t.largestWin, pnl)
			continue
		}
		t.losses++
		t.grossLoss += -pnl
		t.largestLoss = math.Max(t.largestLoss, -pnl)
	}
	return t
}

func (t tally) winRate() float64 {
	n := t.wins + t.losses
	if n == 0 {
		return 0
	}
	return float64(t.wins) / float64(n) * 100
}

// profitFactor is gross win over gross loss, +Inf when nothing was lost
// but something was won, and 0 with no wins.
func (t tally) profitFactor() Ratio {
	if t.grossLoss == 0 {
		if t.grossWin > 0 {
			return Ratio(math.Inf(1))
		}
		return 0
	}
	return Ratio(t.grossWin / t.grossLoss)
}

func unrealized(open []*model.Position) float64 {
	var sum float64
	for _, p := range open {
		sum += p.UnrealizedPnL
	}
	return sum
}
