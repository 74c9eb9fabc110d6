package strategy

import (
	"testing"

	"btcstream/internal/indicator"
	"btcstream/internal/sentiment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(fast, slow, rsi, macd, signal, hist float64) indicator.Snapshot {
	return indicator.Snapshot{
		EMAFast:    indicator.Some(fast),
		EMASlow:    indicator.Some(slow),
		RSI:        indicator.Some(rsi),
		MACD:       indicator.Some(macd),
		MACDSignal: indicator.Some(signal),
		MACDHist:   indicator.Some(hist),
	}
}

func TestDetector_EntryRequiresAllConditions(t *testing.T) {
	prev := snap(99, 100, 50, 1, 0.5, 0.5)
	cases := []struct {
		name  string
		cur   indicator.Snapshot
		want  Action
		fired []string
	}{
		{"all hold", snap(101, 100, 45, 2, 1, 1), ActionBuy,
			[]string{"ema_cross_up", "rsi_below_overbought", "macd_above_signal"}},
		{"no cross", snap(99.5, 100, 45, 2, 1, 1), ActionNone,
			[]string{"rsi_below_overbought", "macd_above_signal"}},
		{"overbought", snap(101, 100, 75, 2, 1, 1), ActionNone,
			[]string{"ema_cross_up", "macd_above_signal"}},
		{"macd below signal", snap(101, 100, 45, 0.5, 1, -0.5), ActionNone,
			[]string{"ema_cross_up", "rsi_below_overbought"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDetector(DefaultThresholds(), nil)
			dec := d.Evaluate(Input{Prev: prev, Cur: tc.cur, Price: 50000})
			assert.Equal(t, tc.want, dec.Action)
			assert.Equal(t, tc.fired, dec.Fired())
			assert.Len(t, dec.Conditions, 3)
			assert.NotEmpty(t, dec.Reason)
			assert.Equal(t, StateFlat, d.State(), "Evaluate does not change state")
		})
	}
}

func TestDetector_CrossNeedsPreviousAtOrBelow(t *testing.T) {
	d := NewDetector(DefaultThresholds(), nil)
	// Already above on the previous candle: not a cross.
	dec := d.Evaluate(Input{Prev: snap(101, 100, 50, 1, 0.5, 0.5), Cur: snap(102, 100, 45, 2, 1, 1)})
	assert.Equal(t, ActionNone, dec.Action)

	// Equal on the previous candle counts.
	dec = d.Evaluate(Input{Prev: snap(100, 100, 50, 1, 0.5, 0.5), Cur: snap(102, 100, 45, 2, 1, 1)})
	assert.Equal(t, ActionBuy, dec.Action)
}

func TestDetector_ExitOnAnyCondition(t *testing.T) {
	prev := snap(101, 100, 60, 2, 1, 1)
	cases := []struct {
		name  string
		cur   indicator.Snapshot
		want  Action
		fired []string
	}{
		{"hold", snap(102, 100, 60, 2, 1, 1), ActionNone, nil},
		{"cross down", snap(99, 100, 60, 2, 1, 1), ActionSell, []string{"ema_cross_down"}},
		{"rsi hot", snap(102, 100, 85, 2, 1, 1), ActionSell, []string{"rsi_above_exit"}},
		{"macd weak", snap(102, 100, 60, 0.5, 1, -0.5), ActionSell, []string{"macd_below_signal"}},
		{"everything", snap(99, 100, 85, 0.5, 1, -0.5), ActionSell,
			[]string{"ema_cross_down", "rsi_above_exit", "macd_below_signal"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDetector(DefaultThresholds(), nil)
			d.SetState(StateInPosition)
			dec := d.Evaluate(Input{Prev: prev, Cur: tc.cur})
			assert.Equal(t, tc.want, dec.Action)
			assert.Equal(t, tc.fired, dec.Fired())
			assert.Equal(t, StateInPosition, dec.State)
		})
	}
}

func TestDetector_FlatNeverExitsAndInPositionNeverEnters(t *testing.T) {
	entry := Input{Prev: snap(99, 100, 50, 1, 0.5, 0.5), Cur: snap(101, 100, 45, 2, 1, 1)}
	d := NewDetector(DefaultThresholds(), nil)
	d.SetState(StateInPosition)
	assert.NotEqual(t, ActionBuy, d.Evaluate(entry).Action)

	exit := Input{Prev: snap(101, 100, 60, 2, 1, 1), Cur: snap(99, 100, 85, 0.5, 1, -0.5)}
	d.SetState(StateFlat)
	assert.NotEqual(t, ActionSell, d.Evaluate(exit).Action)
}

func TestDetector_UndefinedInputsMeanNoSignal(t *testing.T) {
	d := NewDetector(DefaultThresholds(), nil)
	cur := snap(101, 100, 45, 2, 1, 1)
	cur.MACDSignal = indicator.Value{}

	dec := d.Evaluate(Input{Prev: snap(99, 100, 50, 1, 0.5, 0.5), Cur: cur})
	assert.Equal(t, ActionNone, dec.Action)
	assert.Contains(t, dec.Reason, "insufficient data")
	assert.Empty(t, dec.Conditions)
}

func TestDetector_SentimentScalesConfidenceOnly(t *testing.T) {
	entry := Input{Prev: snap(99, 100, 50, 1, 0.5, 0.5), Cur: snap(101, 100, 60, 2, 1, 0.4)}
	d := NewDetector(DefaultThresholds(), nil)

	base := d.Evaluate(entry)
	require.Equal(t, ActionBuy, base.Action)
	assert.InDelta(t, 0.5, base.BaseScore, 1e-12)
	assert.InDelta(t, 0.5, base.Confidence, 1e-12)

	entry.Sentiment = &sentiment.Reading{Value: 80} // extreme greed
	greedy := d.Evaluate(entry)
	assert.Equal(t, ActionBuy, greedy.Action)
	assert.InDelta(t, 0.25, greedy.Confidence, 1e-12)
	assert.Equal(t, 80, greedy.Sentiment)

	entry.Sentiment = &sentiment.Reading{Value: 10} // extreme fear, clamped
	fearful := d.Evaluate(entry)
	assert.InDelta(t, 0.75, fearful.Confidence, 1e-12)

	// Sentiment cannot create a signal.
	none := Input{Prev: snap(101, 100, 50, 1, 0.5, 0.5), Cur: snap(102, 100, 45, 2, 1, 1),
		Sentiment: &sentiment.Reading{Value: 5}}
	assert.Equal(t, ActionNone, d.Evaluate(none).Action)
}

func TestDetector_ConfidenceClamped(t *testing.T) {
	entry := Input{Prev: snap(99, 100, 50, 1, 0.5, 0.5), Cur: snap(101, 100, 40, 2, 1, 1),
		Sentiment: &sentiment.Reading{Value: 10}}
	dec := NewDetector(DefaultThresholds(), nil).Evaluate(entry)
	assert.InDelta(t, 1.0, dec.BaseScore, 1e-12)
	assert.Equal(t, 1.0, dec.Confidence)
}

func TestDetector_CustomScorer(t *testing.T) {
	scorer := func(Decision, indicator.Snapshot, indicator.Snapshot) float64 { return 0.9 }
	d := NewDetector(DefaultThresholds(), scorer)
	d.SetState(StateInPosition)
	dec := d.Evaluate(Input{Prev: snap(101, 100, 60, 2, 1, 1), Cur: snap(99, 100, 60, 2, 1, 1)})
	assert.Equal(t, ActionSell, dec.Action)
	assert.InDelta(t, 0.9, dec.Confidence, 1e-12)
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Overbought: 30, Oversold: 70, Exit: 80}.Validate())
	assert.Error(t, Thresholds{Overbought: 70, Oversold: 30, Exit: 60}.Validate())
}
