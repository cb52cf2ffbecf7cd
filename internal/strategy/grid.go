package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/regime"
	"upbit-trading-bot/internal/settings"
	"upbit-trading-bot/internal/upbit"
)

const (
	gridLevels      = 5
	gridStepPercent = 0.8
	gridStateKey    = "grid.state."
)

// gridState is the persisted per-market snapshot: the base price the grid was
// anchored at and which buy levels are currently filled.
type gridState struct {
	BasePrice  float64      `json:"base_price"`
	Filled     map[int]bool `json:"filled"`
	AnchoredAt time.Time    `json:"anchored_at"`
}

// GridEngine ladders buy levels below an anchor price and sells one step
// above the deepest filled level. The grid snapshot is persisted through the
// settings store so restarts keep filled levels.
type GridEngine struct {
	store *settings.Store
	now   func() time.Time
}

// NewGridEngine creates a grid engine.
func NewGridEngine(store *settings.Store) *GridEngine {
	return &GridEngine{store: store, now: time.Now}
}

func (e *GridEngine) Code() string { return CodeGrid }

func (e *GridEngine) Analyze(ctx context.Context, market string, candles []upbit.Candle, price float64, _ regime.Analysis) Signal {
	if price <= 0 {
		return Hold(market, CodeGrid, "invalid price")
	}
	if len(candles) < gridLevels {
		return Hold(market, CodeGrid, "insufficient candles")
	}

	st, ok := e.load(ctx, market)
	if !ok {
		st = &gridState{
			BasePrice:  price,
			Filled:     make(map[int]bool),
			AnchoredAt: e.now(),
		}
		e.save(ctx, market, st)
		return Hold(market, CodeGrid, fmt.Sprintf("grid anchored at %.2f", price))
	}

	// Re-anchor when price escapes the grid upward with nothing filled.
	upperBound := st.BasePrice * (1 + gridStepPercent*gridLevels/100)
	if price > upperBound && !anyFilled(st) {
		st.BasePrice = price
		st.AnchoredAt = e.now()
		e.save(ctx, market, st)
		return Hold(market, CodeGrid, fmt.Sprintf("grid re-anchored at %.2f", price))
	}

	// Sell one step above the shallowest filled level.
	if level, ok := shallowestFilled(st); ok {
		target := levelPrice(st.BasePrice, level-1)
		if price >= target {
			return Signal{
				Market:     market,
				Action:     ActionSell,
				Confidence: 70,
				Price:      price,
				Reason:     fmt.Sprintf("grid take at level %d target %.2f", level, target),
				Strategy:   CodeGrid,
			}
		}
	}

	// Buy the deepest triggered level that is still open.
	for level := gridLevels; level >= 1; level-- {
		if st.Filled[level] {
			continue
		}
		trigger := levelPrice(st.BasePrice, level)
		if price <= trigger {
			return Signal{
				Market:     market,
				Action:     ActionBuy,
				Confidence: 60 + float64(level)*4,
				Price:      price,
				Reason:     fmt.Sprintf("grid buy at level %d below %.2f", level, trigger),
				Strategy:   CodeGrid,
			}
		}
	}

	return Hold(market, CodeGrid, "between grid levels")
}

// OnFill marks the traded grid level. A BUY fills the level matching its
// price; a SELL clears the shallowest filled level.
func (e *GridEngine) OnFill(ctx context.Context, market, side string, price float64) {
	st, ok := e.load(ctx, market)
	if !ok {
		return
	}
	if side == upbit.SideBid {
		level := nearestLevel(st.BasePrice, price)
		if level >= 1 && level <= gridLevels {
			st.Filled[level] = true
		}
	} else {
		if level, ok := shallowestFilled(st); ok {
			delete(st.Filled, level)
		}
	}
	e.save(ctx, market, st)
}

func levelPrice(base float64, level int) float64 {
	return base * (1 - gridStepPercent*float64(level)/100)
}

func nearestLevel(base, price float64) int {
	if base <= 0 {
		return 0
	}
	drop := (base - price) / base * 100
	level := int(drop/gridStepPercent + 0.5)
	return level
}

func anyFilled(st *gridState) bool {
	return len(st.Filled) > 0
}

func shallowestFilled(st *gridState) (int, bool) {
	best := 0
	for level := range st.Filled {
		if best == 0 || level < best {
			best = level
		}
	}
	return best, best != 0
}

func (e *GridEngine) load(ctx context.Context, market string) (*gridState, bool) {
	raw, ok := e.store.Get(ctx, gridStateKey+market)
	if !ok {
		return nil, false
	}
	var st gridState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		log.Warn().Err(err).Str("market", market).Msg("grid state parse failed")
		return nil, false
	}
	if st.Filled == nil {
		st.Filled = make(map[int]bool)
	}
	return &st, true
}

func (e *GridEngine) save(ctx context.Context, market string, st *gridState) {
	raw, err := json.Marshal(st)
	if err != nil {
		log.Error().Err(err).Str("market", market).Msg("grid state marshal failed")
		return
	}
	if err := e.store.Set(ctx, gridStateKey+market, string(raw)); err != nil {
		log.Warn().Err(err).Str("market", market).Msg("grid state persist failed")
	}
}
