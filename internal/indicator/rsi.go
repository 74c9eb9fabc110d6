package indicator

// neutralRSI is reported when the window has no losses.
const neutralRSI = 50.0

// RSI is the relative strength index over period close-to-close changes,
// using simple averages of gains and losses in the window. The first period
// values are undefined (period changes need period+1 closes). When the
// average loss is zero the value is the neutral 50 instead of a division
// by zero.
func RSI(closes []float64, period int) []Value {
	out := make([]Value, len(closes))
	if period < 1 || len(closes) <= period {
		return out
	}

	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}

	var gainSum, lossSum float64
	for i := 1; i < len(closes); i++ {
		gainSum += gains[i]
		lossSum += losses[i]
		if i > period {
			gainSum -= gains[i-period]
			lossSum -= losses[i-period]
		}
		if i < period {
			continue
		}
		avgGain := gainSum / float64(period)
		avgLoss := lossSum / float64(period)
		if avgLoss <= 1e-12 {
			out[i] = Some(neutralRSI)
			continue
		}
		rs := avgGain / avgLoss
		out[i] = Some(100 - 100/(1+rs))
	}
	return out
}
