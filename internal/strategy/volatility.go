package strategy

import (
	"context"
	"fmt"

	"upbit-trading-bot/internal/regime"
	"upbit-trading-bot/internal/upbit"
)

const (
	survivalRSIPeriod   = 14
	survivalBandPeriod  = 20
	survivalRSIOversold = 30.0
	survivalRSIOverheat = 70.0
)

// VolatilitySurvivalEngine trades mean reversion in violent markets: it buys
// only deep RSI oversold prints at the lower Bollinger band and exits fast on
// any overheat. The selector routes HIGH_VOL markets here.
type VolatilitySurvivalEngine struct{}

// NewVolatilitySurvivalEngine creates a volatility survival engine.
func NewVolatilitySurvivalEngine() *VolatilitySurvivalEngine {
	return &VolatilitySurvivalEngine{}
}

func (e *VolatilitySurvivalEngine) Code() string { return CodeVolatilitySurvival }

func (e *VolatilitySurvivalEngine) Analyze(_ context.Context, market string, candles []upbit.Candle, price float64, reg regime.Analysis) Signal {
	rsi, ok := rsiLast(candles, survivalRSIPeriod)
	if !ok {
		return Hold(market, CodeVolatilitySurvival, "insufficient candles")
	}
	lower, _, upper, bandsOK := bollinger(candles, survivalBandPeriod)

	if rsi <= survivalRSIOversold && (!bandsOK || price <= lower) {
		confidence := 60 + clampFloat(survivalRSIOversold-rsi, 0, 20)
		if reg.Regime == regime.HighVol {
			confidence += 10
		}
		return Signal{
			Market:     market,
			Action:     ActionBuy,
			Confidence: confidence,
			Price:      price,
			Reason:     fmt.Sprintf("oversold rsi %.1f at lower band", rsi),
			Strategy:   CodeVolatilitySurvival,
		}
	}

	if rsi >= survivalRSIOverheat || (bandsOK && price >= upper) {
		return Signal{
			Market:     market,
			Action:     ActionSell,
			Confidence: 60 + clampFloat(rsi-survivalRSIOverheat, 0, 25),
			Price:      price,
			Reason:     fmt.Sprintf("overheated rsi %.1f", rsi),
			Strategy:   CodeVolatilitySurvival,
		}
	}

	return Hold(market, CodeVolatilitySurvival, "no extreme")
}
