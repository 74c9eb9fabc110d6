package strategy

import (
	"fmt"

	"btcstream/internal/indicator"
	"btcstream/internal/sentiment"
)

// Thresholds are the RSI levels used by the detector.
type Thresholds struct {
	Overbought float64 `yaml:"rsi_overbought" json:"rsi_overbought"` // entry requires RSI below this
	Oversold   float64 `yaml:"rsi_oversold" json:"rsi_oversold"`
	Exit       float64 `yaml:"rsi_exit" json:"rsi_exit"` // RSI above this forces an exit
}

// DefaultThresholds returns 70 / 30 / 80.
func DefaultThresholds() Thresholds {
	return Thresholds{Overbought: 70, Oversold: 30, Exit: 80}
}

// Validate checks 0 < oversold < overbought <= exit <= 100.
func (t Thresholds) Validate() error {
	if !(t.Oversold > 0 && t.Oversold < t.Overbought && t.Overbought <= t.Exit && t.Exit <= 100) {
		return fmt.Errorf("strategy: thresholds must satisfy 0 < oversold(%.1f) < overbought(%.1f) <= exit(%.1f) <= 100",
			t.Oversold, t.Overbought, t.Exit)
	}
	return nil
}

// Scorer assigns the base confidence of a structurally valid decision.
// It is the pluggable business policy; it never changes the action.
type Scorer func(d Decision, prev, cur indicator.Snapshot) float64

// DefaultScorer rates entries at 0.5, plus 0.25 when RSI is below 50 and
// 0.25 when the MACD histogram is rising. Exits score the fraction of exit
// conditions that fired.
func DefaultScorer(d Decision, prev, cur indicator.Snapshot) float64 {
	switch d.Action {
	case ActionBuy:
		s := 0.5
		if cur.RSI.Valid && cur.RSI.V < 50 {
			s += 0.25
		}
		if prev.MACDHist.Valid && cur.MACDHist.Valid && cur.MACDHist.V > prev.MACDHist.V {
			s += 0.25
		}
		return s
	case ActionSell:
		return float64(len(d.Fired())) / float64(len(d.Conditions))
	}
	return 0
}

// Input is everything the detector looks at for one closed candle.
type Input struct {
	Prev      indicator.Snapshot
	Cur       indicator.Snapshot
	Price     float64
	Sentiment *sentiment.Reading // optional
}

// Detector is the per-symbol Flat/InPosition state machine. It is not safe
// for concurrent use; the engine owns it.
type Detector struct {
	th     Thresholds
	state  State
	scorer Scorer
}

// NewDetector creates a Detector in the Flat state. A nil scorer uses DefaultScorer.
func NewDetector(th Thresholds, scorer Scorer) *Detector {
	if scorer == nil {
		scorer = DefaultScorer
	}
	return &Detector{th: th, scorer: scorer}
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// SetState syncs the detector with the position manager, e.g. after an entry
// was rejected or a position was stopped out.
func (d *Detector) SetState(s State) { d.state = s }

// Evaluate decides on one newly closed candle. It does not change state;
// the caller applies the decision and then calls SetState.
func (d *Detector) Evaluate(in Input) Decision {
	dec := Decision{
		Action:     ActionNone,
		State:      d.state,
		Time:       in.Cur.Time,
		Price:      in.Price,
		Multiplier: 1,
	}
	if !in.Prev.EMAFast.Valid || !in.Prev.EMASlow.Valid || !in.Cur.Ready() {
		dec.Reason = indicator.ErrInsufficientData.Error()
		return dec
	}

	p, c := in.Prev, in.Cur
	switch d.state {
	case StateFlat:
		crossUp := p.EMAFast.V <= p.EMASlow.V && c.EMAFast.V > c.EMASlow.V
		rsiOK := c.RSI.V < d.th.Overbought
		macdOK := c.MACD.V > c.MACDSignal.V
		dec.Conditions = []Condition{
			{Name: "ema_cross_up", Fired: crossUp,
				Detail: fmt.Sprintf("EMA fast %.2f->%.2f vs slow %.2f->%.2f", p.EMAFast.V, c.EMAFast.V, p.EMASlow.V, c.EMASlow.V)},
			{Name: "rsi_below_overbought", Fired: rsiOK,
				Detail: fmt.Sprintf("RSI %.2f < %.0f", c.RSI.V, d.th.Overbought)},
			{Name: "macd_above_signal", Fired: macdOK,
				Detail: fmt.Sprintf("MACD %.4f > signal %.4f", c.MACD.V, c.MACDSignal.V)},
		}
		if crossUp && rsiOK && macdOK {
			dec.Action = ActionBuy
			dec.Reason = "entry: " + traceString(dec.Conditions, false)
		} else {
			dec.Reason = "no entry: " + traceString(dec.Conditions, false)
		}

	case StateInPosition:
		crossDown := p.EMAFast.V >= p.EMASlow.V && c.EMAFast.V < c.EMASlow.V
		rsiHot := c.RSI.V > d.th.Exit
		macdWeak := c.MACD.V < c.MACDSignal.V
		dec.Conditions = []Condition{
			{Name: "ema_cross_down", Fired: crossDown,
				Detail: fmt.Sprintf("EMA fast %.2f->%.2f vs slow %.2f->%.2f", p.EMAFast.V, c.EMAFast.V, p.EMASlow.V, c.EMASlow.V)},
			{Name: "rsi_above_exit", Fired: rsiHot,
				Detail: fmt.Sprintf("RSI %.2f > %.0f", c.RSI.V, d.th.Exit)},
			{Name: "macd_below_signal", Fired: macdWeak,
				Detail: fmt.Sprintf("MACD %.4f < signal %.4f", c.MACD.V, c.MACDSignal.V)},
		}
		if crossDown || rsiHot || macdWeak {
			dec.Action = ActionSell
			dec.Reason = "exit: " + traceString(dec.Conditions, true)
		} else {
			dec.Reason = "hold: " + traceString(dec.Conditions, false)
		}
	}

	if dec.Action == ActionNone {
		return dec
	}

	dec.BaseScore = d.scorer(dec, p, c)
	if in.Sentiment != nil {
		dec.Sentiment = in.Sentiment.Value
		if dec.Action == ActionBuy {
			dec.Multiplier = in.Sentiment.BuyMultiplier()
		} else {
			dec.Multiplier = in.Sentiment.SellMultiplier()
		}
	}
	dec.Confidence = clamp01(dec.BaseScore * dec.Multiplier)
	return dec
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
