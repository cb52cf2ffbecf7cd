package strategy

import (
	"context"
	"fmt"

	"upbit-trading-bot/internal/regime"
	"upbit-trading-bot/internal/upbit"
)

const (
	breakoutLookback  = 20
	breakoutVolumeMin = 1.3
)

// BreakoutEngine buys when price pushes through the recent range high on
// elevated volume, and sells on a close back under the range midpoint. Works
// best in trending regimes; the selector routes BULL markets here.
type BreakoutEngine struct{}

// NewBreakoutEngine creates a breakout engine.
func NewBreakoutEngine() *BreakoutEngine {
	return &BreakoutEngine{}
}

func (e *BreakoutEngine) Code() string { return CodeBreakout }

func (e *BreakoutEngine) Analyze(_ context.Context, market string, candles []upbit.Candle, price float64, reg regime.Analysis) Signal {
	if len(candles) < breakoutLookback+1 {
		return Hold(market, CodeBreakout, "insufficient candles")
	}

	// Range over the lookback window, excluding the live candle.
	window := candles[len(candles)-breakoutLookback-1 : len(candles)-1]
	high, low := window[0].High, window[0].Low
	var volSum float64
	for _, c := range window {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
		volSum += c.Volume
	}
	avgVolume := volSum / float64(len(window))
	lastVolume := candles[len(candles)-1].Volume
	mid := (high + low) / 2

	if price > high && avgVolume > 0 && lastVolume/avgVolume >= breakoutVolumeMin {
		confidence := 70.0
		if reg.Regime == regime.Bull {
			confidence += 15
		}
		confidence += clampFloat((lastVolume/avgVolume-breakoutVolumeMin)*10, 0, 15)
		return Signal{
			Market:     market,
			Action:     ActionBuy,
			Confidence: confidence,
			Price:      price,
			Reason:     fmt.Sprintf("breakout above %.2f on %.1fx volume", high, lastVolume/avgVolume),
			Strategy:   CodeBreakout,
		}
	}

	if price < mid {
		return Signal{
			Market:     market,
			Action:     ActionSell,
			Confidence: 65,
			Price:      price,
			Reason:     fmt.Sprintf("close below range midpoint %.2f", mid),
			Strategy:   CodeBreakout,
		}
	}

	return Hold(market, CodeBreakout, "no breakout")
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
