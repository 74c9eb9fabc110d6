package indicator

// MACDSeries holds the three MACD outputs, aligned with the input closes.
type MACDSeries struct {
	Line   []Value
	Signal []Value
	Hist   []Value
}

// MACD computes line = EMA(fast) - EMA(slow), signal = EMA(line, signal) and
// hist = line - signal. The line is undefined for the first slow-1 closes and
// the signal for a further signal-1.
func MACD(closes []float64, fast, slow, signal int) MACDSeries {
	f := EMA(closes, fast)
	s := EMA(closes, slow)

	line := make([]Value, len(closes))
	for i := range closes {
		if f[i].Valid && s[i].Valid {
			line[i] = Some(f[i].V - s[i].V)
		}
	}

	sig := emaOf(line, signal)
	hist := make([]Value, len(closes))
	for i := range closes {
		if line[i].Valid && sig[i].Valid {
			hist[i] = Some(line[i].V - sig[i].V)
		}
	}
	return MACDSeries{Line: line, Signal: sig, Hist: hist}
}
