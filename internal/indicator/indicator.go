// Package indicator computes causal technical indicators over closing prices.
//
// Every function here is pure: it takes the full ordered series and returns a
// slice of the same length, where element i depends only on inputs[0..i].
// Leading elements without enough history are Value{Valid: false}; callers
// must treat them as "no signal", never as zero.
package indicator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInsufficientData is returned when a value is requested before the
// series holds enough history.
var ErrInsufficientData = errors.New("indicator: insufficient data")

// Value is an optional float. The zero Value is undefined.
type Value struct {
	V     float64
	Valid bool
}

// Some wraps a defined value.
func Some(v float64) Value { return Value{V: v, Valid: true} }

func (v Value) String() string {
	if !v.Valid {
		return "undefined"
	}
	return fmt.Sprintf("%.4f", v.V)
}

// MarshalJSON encodes undefined values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid || math.IsNaN(v.V) || math.IsInf(v.V, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v.V, 'g', -1, 64), nil
}

// UnmarshalJSON accepts a number or null.
func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Value{}
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("indicator: bad value %q: %w", b, err)
	}
	*v = Some(f)
	return nil
}

// Params configures the indicator set used by the signal detector.
type Params struct {
	EMAFast    int `yaml:"ema_fast" json:"ema_fast"`
	EMASlow    int `yaml:"ema_slow" json:"ema_slow"`
	RSIPeriod  int `yaml:"rsi_period" json:"rsi_period"`
	MACDFast   int `yaml:"macd_fast" json:"macd_fast"`
	MACDSlow   int `yaml:"macd_slow" json:"macd_slow"`
	MACDSignal int `yaml:"macd_signal" json:"macd_signal"`
}

// DefaultParams returns EMA 20/50, RSI 14 and MACD 12/26/9.
func DefaultParams() Params {
	return Params{
		EMAFast:    20,
		EMASlow:    50,
		RSIPeriod:  14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
	}
}

// Validate checks that periods are positive and fast < slow.
func (p Params) Validate() error {
	for name, n := range map[string]int{
		"ema_fast": p.EMAFast, "ema_slow": p.EMASlow, "rsi_period": p.RSIPeriod,
		"macd_fast": p.MACDFast, "macd_slow": p.MACDSlow, "macd_signal": p.MACDSignal,
	} {
		if n < 1 {
			return fmt.Errorf("indicator: %s must be >= 1, got %d", name, n)
		}
	}
	if p.EMAFast >= p.EMASlow {
		return fmt.Errorf("indicator: ema_fast (%d) must be < ema_slow (%d)", p.EMAFast, p.EMASlow)
	}
	if p.MACDFast >= p.MACDSlow {
		return fmt.Errorf("indicator: macd_fast (%d) must be < macd_slow (%d)", p.MACDFast, p.MACDSlow)
	}
	return nil
}

// Warmup is the number of closes needed before every indicator is defined.
func (p Params) Warmup() int {
	n := p.EMASlow
	if p.RSIPeriod+1 > n {
		n = p.RSIPeriod + 1
	}
	if m := p.MACDSlow + p.MACDSignal - 1; m > n {
		n = m
	}
	return n
}

func defined(in []float64) []Value {
	out := make([]Value, len(in))
	for i, v := range in {
		out[i] = Some(v)
	}
	return out
}
