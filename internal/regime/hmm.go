package regime

import (
	"math"

	"upbit-trading-bot/internal/upbit"
)

// Observation discretization: 5 return buckets x 3 volatility buckets x
// 3 volume buckets = 45 symbols.
const (
	returnBuckets = 5
	volBuckets    = 3
	volumeBuckets = 3
	numObs        = returnBuckets * volBuckets * volumeBuckets

	hmmWindow    = 40
	volLookback  = 10
	numStates    = 4
	stateBull    = 0
	stateBear    = 1
	stateSide    = 2
	stateHighVol = 3
)

// HiddenDetector runs a Viterbi pass over discretized candle observations
// with fixed transition and emission matrices seeded from domain priors.
// It falls back to the indicator-based detector when the candle window is
// shorter than hmmWindow.
type HiddenDetector struct {
	fallback *SimpleDetector

	logTrans [numStates][numStates]float64
	logEmit  [numStates][numObs]float64
	logInit  [numStates]float64
}

// NewHiddenDetector creates the hidden-state detector.
func NewHiddenDetector() *HiddenDetector {
	d := &HiddenDetector{fallback: NewSimpleDetector()}
	d.seedMatrices()
	return d
}

// Regimes persist; self-transition dominates.
var transPriors = [numStates][numStates]float64{
	stateBull:    {0.85, 0.02, 0.08, 0.05},
	stateBear:    {0.02, 0.85, 0.08, 0.05},
	stateSide:    {0.06, 0.06, 0.82, 0.06},
	stateHighVol: {0.08, 0.08, 0.14, 0.70},
}

// Per-feature emission priors, indexed [state][bucket].
var (
	returnPriors = [numStates][returnBuckets]float64{
		stateBull:    {0.04, 0.12, 0.28, 0.34, 0.22},
		stateBear:    {0.22, 0.34, 0.28, 0.12, 0.04},
		stateSide:    {0.05, 0.20, 0.50, 0.20, 0.05},
		stateHighVol: {0.25, 0.15, 0.10, 0.15, 0.35},
	}
	volPriors = [numStates][volBuckets]float64{
		stateBull:    {0.40, 0.45, 0.15},
		stateBear:    {0.35, 0.45, 0.20},
		stateSide:    {0.60, 0.32, 0.08},
		stateHighVol: {0.05, 0.25, 0.70},
	}
	volumePriors = [numStates][volumeBuckets]float64{
		stateBull:    {0.20, 0.45, 0.35},
		stateBear:    {0.25, 0.45, 0.30},
		stateSide:    {0.45, 0.40, 0.15},
		stateHighVol: {0.10, 0.30, 0.60},
	}
)

func (d *HiddenDetector) seedMatrices() {
	for s := 0; s < numStates; s++ {
		d.logInit[s] = math.Log(1.0 / numStates)
		for t := 0; t < numStates; t++ {
			d.logTrans[s][t] = math.Log(transPriors[s][t])
		}
		for r := 0; r < returnBuckets; r++ {
			for v := 0; v < volBuckets; v++ {
				for u := 0; u < volumeBuckets; u++ {
					obs := (r*volBuckets+v)*volumeBuckets + u
					p := returnPriors[s][r] * volPriors[s][v] * volumePriors[s][u]
					d.logEmit[s][obs] = math.Log(p)
				}
			}
		}
	}
}

// Detect classifies the most recent hmmWindow candles. ADX and ATR% are
// reported alongside for parity with the indicator-based detector.
func (d *HiddenDetector) Detect(candles []upbit.Candle) Analysis {
	if len(candles) < hmmWindow+1 {
		return d.fallback.Detect(candles)
	}

	obs := observe(candles[len(candles)-hmmWindow-1:])
	state, confidence := d.viterbi(obs)

	adx, atr := adxAtr(candles, indicatorPeriod)
	return Analysis{
		Regime:     stateRegime(state),
		ADX:        adx,
		ATRPercent: atrPercent(candles, atr),
		Confidence: confidence,
	}
}

func stateRegime(state int) string {
	switch state {
	case stateBull:
		return Bull
	case stateBear:
		return Bear
	case stateHighVol:
		return HighVol
	default:
		return Sideways
	}
}

// observe discretizes each candle transition into one of numObs symbols.
func observe(candles []upbit.Candle) []int {
	obs := make([]int, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		r := bucketReturn(candleReturn(candles[i-1], candles[i]))
		v := bucketVol(rollingVol(candles[:i+1]))
		u := bucketVolume(relativeVolume(candles[:i+1]))
		obs = append(obs, (r*volBuckets+v)*volumeBuckets+u)
	}
	return obs
}

func candleReturn(prev, cur upbit.Candle) float64 {
	if prev.Close <= 0 {
		return 0
	}
	return (cur.Close - prev.Close) / prev.Close * 100
}

func bucketReturn(r float64) int {
	switch {
	case r < -0.5:
		return 0
	case r < -0.1:
		return 1
	case r <= 0.1:
		return 2
	case r <= 0.5:
		return 3
	default:
		return 4
	}
}

// rollingVol is the stddev of the last volLookback returns, in percent.
func rollingVol(candles []upbit.Candle) float64 {
	start := len(candles) - volLookback - 1
	if start < 0 {
		start = 0
	}
	window := candles[start:]
	if len(window) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		returns = append(returns, candleReturn(window[i-1], window[i]))
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

func bucketVol(v float64) int {
	switch {
	case v < 0.5:
		return 0
	case v < 1.5:
		return 1
	default:
		return 2
	}
}

// relativeVolume compares the latest volume against the rolling average.
func relativeVolume(candles []upbit.Candle) float64 {
	start := len(candles) - volLookback - 1
	if start < 0 {
		start = 0
	}
	window := candles[start:]
	if len(window) == 0 {
		return 1
	}
	var sum float64
	for _, c := range window {
		sum += c.Volume
	}
	avg := sum / float64(len(window))
	if avg <= 0 {
		return 1
	}
	return window[len(window)-1].Volume / avg
}

func bucketVolume(ratio float64) int {
	switch {
	case ratio < 0.8:
		return 0
	case ratio <= 1.2:
		return 1
	default:
		return 2
	}
}

// viterbi returns the most likely final state for the observation sequence
// and a confidence derived from the margin over the runner-up path.
func (d *HiddenDetector) viterbi(obs []int) (int, float64) {
	if len(obs) == 0 {
		return stateSide, 0
	}

	var prev [numStates]float64
	for s := 0; s < numStates; s++ {
		prev[s] = d.logInit[s] + d.logEmit[s][obs[0]]
	}

	for t := 1; t < len(obs); t++ {
		var cur [numStates]float64
		for s := 0; s < numStates; s++ {
			best := math.Inf(-1)
			for p := 0; p < numStates; p++ {
				if v := prev[p] + d.logTrans[p][s]; v > best {
					best = v
				}
			}
			cur[s] = best + d.logEmit[s][obs[t]]
		}
		prev = cur
	}

	best, second := stateSide, math.Inf(-1)
	bestScore := math.Inf(-1)
	for s := 0; s < numStates; s++ {
		if prev[s] > bestScore {
			second = bestScore
			bestScore = prev[s]
			best = s
		} else if prev[s] > second {
			second = prev[s]
		}
	}

	// Margin over the runner-up, squashed into [0,1].
	confidence := 1.0
	if !math.IsInf(second, -1) {
		confidence = clamp01(1 - math.Exp(second-bestScore))
	}
	return best, confidence
}
