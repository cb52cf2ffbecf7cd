// Package regime classifies each market's current dynamics into one of four
// regimes with a confidence score. Two interchangeable detectors exist: an
// indicator-based one built on ADX and ATR thresholds, and a hidden-state one
// running a Viterbi pass over discretized observations.
package regime

import (
	"upbit-trading-bot/internal/upbit"
)

// Regime labels.
const (
	Bull     = "BULL"
	Bear     = "BEAR"
	Sideways = "SIDEWAYS"
	HighVol  = "HIGH_VOL"
)

// Detector types selectable through the settings store.
const (
	DetectorSimple = "simple"
	DetectorHidden = "hidden"
)

// Analysis is the result of one detection pass.
type Analysis struct {
	Regime     string  `json:"regime"`
	ADX        float64 `json:"adx"`
	ATRPercent float64 `json:"atr_percent"`
	Confidence float64 `json:"confidence"`
}

// Detector classifies a candle window. Implementations are pure functions of
// their input and safe for concurrent use.
type Detector interface {
	Detect(candles []upbit.Candle) Analysis
}

// New returns the detector for a configured type, defaulting to the
// indicator-based one for unknown values.
func New(detectorType string) Detector {
	switch detectorType {
	case DetectorHidden:
		return NewHiddenDetector()
	default:
		return NewSimpleDetector()
	}
}
