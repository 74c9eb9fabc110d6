package model

import (
	"encoding/json"
	"time"
)

// Candle is an OHLCV aggregate over the half-open window [Start, End).
// A candle is mutable while Closed is false and immutable afterwards.
type Candle struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Trades int       `json:"trades"`
	Closed bool      `json:"closed"`
}

// Contains reports whether t falls inside the candle window.
func (c *Candle) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Closes extracts closing prices in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].Close
	}
	return out
}
