package indicator

// SMA is the simple moving average of the last period closes.
// The first period-1 values are undefined.
func SMA(closes []float64, period int) []Value {
	out := make([]Value, len(closes))
	if period < 1 {
		return out
	}
	var sum float64
	for i, c := range closes {
		sum += c
		if i >= period {
			sum -= closes[i-period]
		}
		if i >= period-1 {
			out[i] = Some(sum / float64(period))
		}
	}
	return out
}
