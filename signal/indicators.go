package signal

import "tradeflow/models"

// rsi computes the relative strength index from average gain and loss
// over the trailing period. ok is false when every delta in the period
// is zero, which leaves the index undefined.
func rsi(closes []float64, period int) (float64, bool) {
	if len(closes) < 2 {
		return 0, false
	}
	start := len(closes) - period - 1
	if start < 0 {
		start = 0
	}

	var gain, loss float64
	n := 0
	for i := start + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
		n++
	}

	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 0, false
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// sma averages the trailing window of closes.
func sma(closes []float64, window int) (float64, bool) {
	if len(closes) < window || window <= 0 {
		return 0, false
	}
	var sum float64
	for _, c := range closes[len(closes)-window:] {
		sum += c
	}
	return sum / float64(window), true
}

// smoothedVWAP computes the cumulative volume-weighted average price
// over the candles and returns its trailing smoothing-window mean.
func smoothedVWAP(candles []models.Candle, smooth int) (float64, bool) {
	if len(candles) < smooth || smooth <= 0 {
		return 0, false
	}

	vwaps := make([]float64, 0, len(candles))
	var cumVol, cumPV float64
	for _, c := range candles {
		cumVol += c.Volume
		cumPV += c.Close * c.Volume
		if cumVol == 0 {
			// No volume yet, VWAP undefined at this point.
			vwaps = append(vwaps, c.Close)
			continue
		}
		vwaps = append(vwaps, cumPV/cumVol)
	}

	var sum float64
	for _, v := range vwaps[len(vwaps)-smooth:] {
		sum += v
	}
	return sum / float64(smooth), true
}
