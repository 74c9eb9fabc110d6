package indicator

// EMA is the exponential moving average of closes with multiplier 2/(period+1),
// seeded with the SMA of the first period closes. The first period-1 values
// are undefined.
func EMA(closes []float64, period int) []Value {
	return emaOf(defined(closes), period)
}

// emaOf smooths a series that may start with undefined values. Seeding
// begins at the first defined element; an undefined element after that
// restarts the seed.
func emaOf(in []Value, period int) []Value {
	out := make([]Value, len(in))
	if period < 1 {
		return out
	}
	k := 2.0 / float64(period+1)

	var (
		count int
		sum   float64
		cur   float64
	)
	for i, v := range in {
		if !v.Valid {
			count, sum = 0, 0
			continue
		}
		count++
		if count < period {
			sum += v.V
			continue
		}
		if count == period {
			sum += v.V
			cur = sum / float64(period)
		} else {
			cur = v.V*k + cur*(1-k)
		}
		out[i] = Some(cur)
	}
	return out
}
