package strategy

import (
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/volatility"

	"upbit-trading-bot/internal/upbit"
)

func closesChan(candles []upbit.Candle) chan float64 {
	ch := make(chan float64, len(candles))
	for _, c := range candles {
		ch <- c.Close
	}
	close(ch)
	return ch
}

// rsiLast returns the latest RSI value; ok is false when the window is too
// short to produce one.
func rsiLast(candles []upbit.Candle, period int) (float64, bool) {
	if len(candles) < period+1 {
		return 0, false
	}
	ind := momentum.NewRsiWithPeriod[float64](period)
	var last float64
	ok := false
	for v := range ind.Compute(closesChan(candles)) {
		last = v
		ok = true
	}
	return last, ok
}

// bollinger returns the latest lower, middle and upper band values.
func bollinger(candles []upbit.Candle, period int) (lower, middle, upper float64, ok bool) {
	if len(candles) < period {
		return 0, 0, 0, false
	}
	ind := volatility.NewBollingerBandsWithPeriod[float64](period)
	lowerCh, middleCh, upperCh := ind.Compute(closesChan(candles))
	for l := range lowerCh {
		lower = l
		middle = <-middleCh
		upper = <-upperCh
		ok = true
	}
	return lower, middle, upper, ok
}
