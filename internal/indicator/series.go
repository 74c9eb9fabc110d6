package indicator

import (
	"time"

	"btcstream/internal/model"
)

// Series is the full indicator set over a candle window.
type Series struct {
	Times      []time.Time
	EMAFast    []Value
	EMASlow    []Value
	RSI        []Value
	MACD       []Value
	MACDSignal []Value
	MACDHist   []Value
}

// Compute recomputes every indicator over the whole candle window.
func Compute(candles []model.Candle, p Params) Series {
	closes := model.Closes(candles)
	times := make([]time.Time, len(candles))
	for i := range candles {
		times[i] = candles[i].End
	}
	m := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	return Series{
		Times:      times,
		EMAFast:    EMA(closes, p.EMAFast),
		EMASlow:    EMA(closes, p.EMASlow),
		RSI:        RSI(closes, p.RSIPeriod),
		MACD:       m.Line,
		MACDSignal: m.Signal,
		MACDHist:   m.Hist,
	}
}

// Len returns the number of candles the series covers.
func (s Series) Len() int { return len(s.Times) }

// At returns the snapshot for candle index i.
func (s Series) At(i int) Snapshot {
	return Snapshot{
		Index:      i,
		Time:       s.Times[i],
		EMAFast:    s.EMAFast[i],
		EMASlow:    s.EMASlow[i],
		RSI:        s.RSI[i],
		MACD:       s.MACD[i],
		MACDSignal: s.MACDSignal[i],
		MACDHist:   s.MACDHist[i],
	}
}

// Latest returns the last two snapshots (previous, current). It fails with
// ErrInsufficientData when fewer than two candles exist.
func (s Series) Latest() (prev, cur Snapshot, err error) {
	n := s.Len()
	if n < 2 {
		return Snapshot{}, Snapshot{}, ErrInsufficientData
	}
	return s.At(n - 2), s.At(n - 1), nil
}

// Snapshot is the indicator state at one candle.
type Snapshot struct {
	Index      int       `json:"index"`
	Time       time.Time `json:"time"`
	EMAFast    Value     `json:"ema_fast"`
	EMASlow    Value     `json:"ema_slow"`
	RSI        Value     `json:"rsi"`
	MACD       Value     `json:"macd"`
	MACDSignal Value     `json:"macd_signal"`
	MACDHist   Value     `json:"macd_hist"`
}

// Ready reports whether every indicator is defined.
func (s Snapshot) Ready() bool {
	return s.EMAFast.Valid && s.EMASlow.Valid && s.RSI.Valid &&
		s.MACD.Valid && s.MACDSignal.Valid
}

// Map returns the snapshot keyed by indicator name.
func (s Snapshot) Map() map[string]Value {
	return map[string]Value{
		"ema_fast":    s.EMAFast,
		"ema_slow":    s.EMASlow,
		"rsi":         s.RSI,
		"macd":        s.MACD,
		"macd_signal": s.MACDSignal,
		"macd_hist":   s.MACDHist,
	}
}
