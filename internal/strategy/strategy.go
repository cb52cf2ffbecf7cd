// Package strategy holds the pluggable trading engines and the selector that
// picks one engine per market per tick from the detected regime.
package strategy

import (
	"context"
	"time"

	"upbit-trading-bot/internal/regime"
	"upbit-trading-bot/internal/upbit"
)

// Signal actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Strategy codes.
const (
	CodeBreakout           = "BREAKOUT"
	CodeDCA                = "DCA"
	CodeGrid               = "GRID"
	CodeVolatilitySurvival = "VOLATILITY_SURVIVAL"
)

// Strategy families group engines by their natural monitoring cadence.
const (
	FamilyScalping = "SCALPING"
	FamilyIntraday = "INTRADAY"
	FamilyMultiday = "MULTIDAY"
)

// FamilyFor maps a strategy code onto its monitor family.
func FamilyFor(code string) string {
	switch code {
	case CodeVolatilitySurvival:
		return FamilyScalping
	case CodeDCA:
		return FamilyMultiday
	default:
		return FamilyIntraday
	}
}

// MarketFallback reports whether a strategy resubmits as a market order when
// its limit order expires unfilled. Scalping entries are short-lived enough
// that paying the spread beats missing the move; slower families skip the
// tick instead.
func MarketFallback(code string) bool {
	return FamilyFor(code) == FamilyScalping
}

// FamilyInterval is the monitor cadence for a family.
func FamilyInterval(family string) time.Duration {
	switch family {
	case FamilyScalping:
		return time.Second
	case FamilyMultiday:
		return 5 * time.Minute
	default:
		return 30 * time.Second
	}
}

// Signal is the ephemeral output of one analysis pass. Confidence is 0..100.
type Signal struct {
	Market     string  `json:"market"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Price      float64 `json:"price"`
	Reason     string  `json:"reason"`
	Strategy   string  `json:"strategy"`
}

// Hold builds a HOLD signal.
func Hold(market, code, reason string) Signal {
	return Signal{Market: market, Action: ActionHold, Reason: reason, Strategy: code}
}

// Engine analyzes one market on each tick. Engines are stateless per call
// except where they persist session state through the settings store.
type Engine interface {
	Code() string
	Analyze(ctx context.Context, market string, candles []upbit.Candle, price float64, reg regime.Analysis) Signal
}

// FillAware engines are told about their own fills so they can update
// persisted session state (last-buy timestamps, filled grid levels).
type FillAware interface {
	OnFill(ctx context.Context, market, side string, price float64)
}
