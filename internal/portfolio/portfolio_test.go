package portfolio

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"btcstream/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newLedger(t *testing.T, capital float64, lim RiskLimits) *Ledger {
	t.Helper()
	l, err := New(Config{InitialCapital: capital, Limits: lim}, discard())
	require.NoError(t, err)
	return l
}

var seq int

// book opens and immediately closes a position with the given P&L.
func book(t *testing.T, l *Ledger, pnl float64) *model.Position {
	t.Helper()
	seq++
	p := &model.Position{
		TradeID:    fmt.Sprintf("T%04d", seq),
		EntryPrice: 100,
		Size:       1,
		Value:      100,
		Status:     model.StatusOpen,
	}
	require.NoError(t, l.OnOpen(p))
	p.Status = model.StatusClosed
	p.ExitPrice = 100 + pnl
	p.RealizedPnL = pnl
	require.NoError(t, l.OnClose(p))
	return p
}

func TestNew_RejectsNonPositiveCapital(t *testing.T) {
	_, err := New(Config{InitialCapital: 0}, nil)
	require.Error(t, err)
}

func TestLedger_CapitalFollowsClosedPositions(t *testing.T) {
	l := newLedger(t, 10000, RiskLimits{})
	book(t, l, 200)
	book(t, l, -100)
	book(t, l, 0.1)
	book(t, l, 0.2)
	assert.Equal(t, "10100.30", l.CapitalDecimal().StringFixed(2))
	assert.True(t, l.CapitalDecimal().Sub(l.initial).Equal(decimal.RequireFromString("100.3")))
}

func TestLedger_AvailableExcludesCommitted(t *testing.T) {
	l := newLedger(t, 10000, RiskLimits{})
	require.NoError(t, l.OnOpen(&model.Position{TradeID: "a", Value: 4000, Status: model.StatusOpen}))
	assert.InDelta(t, 6000.0, l.Available(), 1e-9)
	assert.InDelta(t, 4000.0, l.Committed(), 1e-9)
	assert.Equal(t, 1, l.OpenCount())
}

func TestLedger_OnCloseRejectsUnknownAndOpen(t *testing.T) {
	l := newLedger(t, 10000, RiskLimits{})
	p := &model.Position{TradeID: "x", Status: model.StatusOpen}
	require.Error(t, l.OnClose(p))

	p.Status = model.StatusClosed
	require.ErrorIs(t, l.OnClose(p), ErrUnknownPosition)

	require.Error(t, l.OnOpen(p), "terminal positions cannot be opened")
}

func TestSummary_Derived(t *testing.T) {
	l := newLedger(t, 10000, RiskLimits{})
	book(t, l, 300)
	book(t, l, 100)
	book(t, l, -200)
	book(t, l, 0)

	s := l.Summary()
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 2, s.LosingTrades)
	assert.InDelta(t, 50.0, s.WinRate, 1e-9)
	assert.InDelta(t, 2.0, float64(s.ProfitFactor), 1e-9)
	assert.InDelta(t, 200.0, s.AvgWin, 1e-9)
	assert.InDelta(t, 100.0, s.AvgLoss, 1e-9)
	assert.InDelta(t, 300.0, s.LargestWin, 1e-9)
	assert.InDelta(t, 200.0, s.LargestLoss, 1e-9)
	assert.InDelta(t, 200.0, s.TotalRealized, 1e-9)
	assert.InDelta(t, 2.0, s.TotalReturnPct, 1e-9)
	assert.Equal(t, 4, s.ClosedPositions)
}

func TestSummary_ProfitFactorEdges(t *testing.T) {
	l := newLedger(t, 10000, RiskLimits{})
	assert.Equal(t, Ratio(0), l.Summary().ProfitFactor)

	book(t, l, 50)
	assert.True(t, math.IsInf(float64(l.Summary().ProfitFactor), 1))

	book(t, l, -25)
	assert.InDelta(t, 2.0, float64(l.Summary().ProfitFactor), 1e-9)
}

func TestSummary_OpenUnrealized(t *testing.T) {
	l := newLedger(t, 10000, RiskLimits{})
	require.NoError(t, l.OnOpen(&model.Position{TradeID: "a", Value: 100, UnrealizedPnL: 12.5, Status: model.StatusOpen}))
	require.NoError(t, l.OnOpen(&model.Position{TradeID: "b", Value: 100, UnrealizedPnL: -2.5, Status: model.StatusOpen}))
	assert.InDelta(t, 10.0, l.Summary().OpenUnrealized, 1e-9)
}

func TestRatio_JSON(t *testing.T) {
	b, err := json.Marshal(Ratio(math.Inf(1)))
	require.NoError(t, err)
	assert.Equal(t, `"inf"`, string(b))

	var r Ratio
	require.NoError(t, json.Unmarshal([]byte(`"inf"`), &r))
	assert.True(t, math.IsInf(float64(r), 1))

	require.NoError(t, json.Unmarshal([]byte(`1.5`), &r))
	assert.Equal(t, Ratio(1.5), r)

	_, err = json.Marshal(Ratio(math.NaN()))
	assert.Error(t, err)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		pnls []float64
	}{
		{"mixed", []float64{120, -40, 15.5, -0.25, 0}},
		{"only wins", []float64{10, 20}},
		{"empty", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := newLedger(t, 10000, RiskLimits{})
			for _, p := range tc.pnls {
				book(t, l, p)
			}
			require.NoError(t, l.OnOpen(&model.Position{TradeID: "open-1", Value: 500, Status: model.StatusOpen}))

			b, err := l.MarshalSnapshot()
			require.NoError(t, err)

			var raw map[string]any
			require.NoError(t, json.Unmarshal(b, &raw))
			for _, k := range []string{"initial_capital", "current_capital", "total_return_pct",
				"open_positions", "closed_positions", "win_rate", "profit_factor"} {
				assert.Contains(t, raw, k)
			}

			snap, err := DecodeSnapshot(b)
			require.NoError(t, err)
			back, err := FromSnapshot(snap, Config{}, discard())
			require.NoError(t, err)

			want, got := l.Summary(), back.Summary()
			assert.Equal(t, want.WinRate, got.WinRate)
			assert.Equal(t, want.ProfitFactor, got.ProfitFactor)
			assert.True(t, l.CapitalDecimal().Equal(back.CapitalDecimal()))
			assert.Equal(t, 1, back.OpenCount())
			assert.Len(t, back.Closed(), len(tc.pnls))
		})
	}
}

func TestFromSnapshot_RejectsInconsistentStatus(t *testing.T) {
	snap := Snapshot{
		InitialCapital:  1000,
		ClosedPositions: []model.Position{{TradeID: "x", Status: model.StatusOpen}},
	}
	_, err := FromSnapshot(snap, Config{}, discard())
	require.Error(t, err)
}

func TestRisk_DailyLossAndLazyReset(t *testing.T) {
	l := newLedger(t, 10000, RiskLimits{MaxDailyLoss: 100})
	day := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day }
	l.rollDay()

	book(t, l, -60)
	ok, _ := l.CanOpen()
	assert.True(t, ok)

	book(t, l, -40)
	ok, why := l.CanOpen()
	assert.False(t, ok)
	assert.Equal(t, "max daily loss reached", why)

	day = day.Add(24 * time.Hour)
	ok, _ = l.CanOpen()
	assert.True(t, ok, "counters reset on the next day")
	st := l.RiskStatus()
	assert.Equal(t, "2024-03-02", st.Day)
	assert.Zero(t, st.DailyPnL)
	assert.Zero(t, st.DailyTrades)
}

func TestRisk_DailyTrades(t *testing.T) {
	l := newLedger(t, 10000, RiskLimits{MaxDailyTrades: 2})
	book(t, l, 1)
	ok, _ := l.CanOpen()
	assert.True(t, ok)
	book(t, l, 1)
	ok, why := l.CanOpen()
	assert.False(t, ok)
	assert.Equal(t, "max daily trades reached", why)
}

func TestRisk_Drawdown(t *testing.T) {
	l := newLedger(t, 1000, RiskLimits{MaxDrawdownPct: 10})
	book(t, l, 1000) // peak 2000
	book(t, l, -150)
	ok, _ := l.CanOpen()
	assert.True(t, ok)
	book(t, l, -50) // 1800, 10% off peak
	ok, why := l.CanOpen()
	assert.False(t, ok)
	assert.Equal(t, "max drawdown exceeded", why)
	assert.InDelta(t, 10.0, l.RiskStatus().DrawdownPct, 1e-9)
	assert.InDelta(t, 2000.0, l.RiskStatus().PeakCapital, 1e-9)
}
