package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/regime"
	"upbit-trading-bot/internal/settings"
	"upbit-trading-bot/internal/upbit"
)

const (
	dcaInterval   = 24 * time.Hour
	dcaDipPercent = 1.0
	dcaLookback   = 30
	dcaLastBuyKey = "dca.last_buy_time."
	dcaTimeLayout = time.RFC3339
)

// DCAEngine accumulates on a fixed cadence during down markets, buying only
// when price sits below its recent average. The per-market last-buy timestamp
// is persisted through the settings store and restored on startup.
type DCAEngine struct {
	store *settings.Store
	now   func() time.Time
}

// NewDCAEngine creates a dollar-cost-averaging engine.
func NewDCAEngine(store *settings.Store) *DCAEngine {
	return &DCAEngine{store: store, now: time.Now}
}

func (e *DCAEngine) Code() string { return CodeDCA }

func (e *DCAEngine) Analyze(ctx context.Context, market string, candles []upbit.Candle, price float64, reg regime.Analysis) Signal {
	if len(candles) < dcaLookback {
		return Hold(market, CodeDCA, "insufficient candles")
	}

	if last, ok := e.lastBuy(ctx, market); ok {
		if e.now().Sub(last) < dcaInterval {
			return Hold(market, CodeDCA, "accumulation interval not elapsed")
		}
	}

	var sum float64
	for _, c := range candles[len(candles)-dcaLookback:] {
		sum += c.Close
	}
	avg := sum / dcaLookback
	if avg <= 0 {
		return Hold(market, CodeDCA, "invalid average price")
	}
	dip := (avg - price) / avg * 100
	if dip < dcaDipPercent {
		return Hold(market, CodeDCA, "price not below recent average")
	}

	confidence := 55 + clampFloat(dip*5, 0, 25)
	if reg.Regime == regime.Bear {
		confidence += 10
	}
	return Signal{
		Market:     market,
		Action:     ActionBuy,
		Confidence: confidence,
		Price:      price,
		Reason:     fmt.Sprintf("accumulating %.1f%% below %d-candle average", dip, dcaLookback),
		Strategy:   CodeDCA,
	}
}

// OnFill persists the last-buy timestamp after a BUY fill.
func (e *DCAEngine) OnFill(ctx context.Context, market, side string, _ float64) {
	if side != upbit.SideBid {
		return
	}
	key := dcaLastBuyKey + market
	if err := e.store.Set(ctx, key, e.now().Format(dcaTimeLayout)); err != nil {
		log.Warn().Err(err).Str("market", market).Msg("dca last-buy persist failed")
	}
}

func (e *DCAEngine) lastBuy(ctx context.Context, market string) (time.Time, bool) {
	raw, ok := e.store.Get(ctx, dcaLastBuyKey+market)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(dcaTimeLayout, raw)
	if err != nil {
		log.Warn().Err(err).Str("market", market).Msg("dca last-buy parse failed")
		return time.Time{}, false
	}
	return t, true
}
