package regime

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"

	"upbit-trading-bot/internal/upbit"
)

const indicatorPeriod = 14

func closes(candles []upbit.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func chanToSlice(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// ema returns the EMA series of the closes for the given period, empty when
// the window is too short.
func ema(candles []upbit.Candle, period int) []float64 {
	if len(candles) < period {
		return nil
	}
	ind := trend.NewEmaWithPeriod[float64](period)
	return chanToSlice(ind.Compute(sliceToChan(closes(candles))))
}

// rsi returns the latest RSI value, 50 when the window is too short.
func rsi(candles []upbit.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50
	}
	ind := momentum.NewRsiWithPeriod[float64](period)
	values := chanToSlice(ind.Compute(sliceToChan(closes(candles))))
	if len(values) == 0 {
		return 50
	}
	return values[len(values)-1]
}

// adxAtr computes the ADX and ATR over the candle window with Wilder
// smoothing. Returns zeros when fewer than 2*period candles are available.
func adxAtr(candles []upbit.Candle, period int) (adx, atr float64) {
	n := len(candles)
	if n < period*2 {
		return 0, 0
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = math.Max(candles[i].High-candles[i].Low,
			math.Max(math.Abs(candles[i].High-candles[i-1].Close),
				math.Abs(candles[i].Low-candles[i-1].Close)))

		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	adxValues := smoothWilder(dx, period)
	return adxValues[n-1], smoothTR[n-1]
}

// atrPercent expresses the ATR relative to the last close, in percent.
func atrPercent(candles []upbit.Candle, atr float64) float64 {
	if len(candles) == 0 {
		return 0
	}
	last := candles[len(candles)-1].Close
	if last <= 0 {
		return 0
	}
	return atr / last * 100
}

// smoothWilder seeds with a simple average of the first period values and
// then applies Wilder's recursive smoothing.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
