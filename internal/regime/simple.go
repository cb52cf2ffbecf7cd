package regime

import (
	"upbit-trading-bot/internal/upbit"
)

// Thresholds for the indicator-based detector.
const (
	adxTrendThreshold  = 25.0
	atrHighVolPercent  = 2.0
	confidenceADXScale = 50.0
)

// SimpleDetector classifies on ADX strength, EMA direction and ATR%.
type SimpleDetector struct{}

// NewSimpleDetector creates the indicator-based detector.
func NewSimpleDetector() *SimpleDetector {
	return &SimpleDetector{}
}

// Detect maps ADX and ATR% onto a regime. A strong ADX with price above the
// EMA reads BULL, below reads BEAR; an elevated ATR% reads HIGH_VOL; anything
// else is SIDEWAYS. Confidence is the ADX normalized against 50.
func (d *SimpleDetector) Detect(candles []upbit.Candle) Analysis {
	adx, atr := adxAtr(candles, indicatorPeriod)
	atrPct := atrPercent(candles, atr)

	analysis := Analysis{
		Regime:     Sideways,
		ADX:        adx,
		ATRPercent: atrPct,
		Confidence: clamp01(adx / confidenceADXScale),
	}
	if len(candles) < indicatorPeriod*2 {
		return analysis
	}

	if adx >= adxTrendThreshold {
		emaValues := ema(candles, indicatorPeriod)
		last := candles[len(candles)-1].Close
		if len(emaValues) > 0 && last >= emaValues[len(emaValues)-1] {
			analysis.Regime = Bull
		} else {
			analysis.Regime = Bear
		}
		return analysis
	}

	if atrPct >= atrHighVolPercent {
		analysis.Regime = HighVol
	}
	return analysis
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
