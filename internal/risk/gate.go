// Package risk implements the composite admission gate every order flows
// through: trading toggle, circuit breaker, market condition, daily loss
// limit, position cap, cross-engine conflict and cooldowns, short-circuiting
// on the first veto.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/settings"
	"upbit-trading-bot/internal/upbit"
)

// Deny reasons, in gate order.
const (
	DenyTradingDisabled = "TRADING_DISABLED"
	DenyCircuitBreaker  = "CIRCUIT_BREAKER"
	DenyMarketCondition = "MARKET_CONDITION"
	DenyAPIErrors       = "API_ERRORS"
	DenyDailyLossLimit  = "DAILY_LOSS_LIMIT"
	DenyPositionLimit   = "POSITION_LIMIT"
	DenyAlreadyHolding  = "ALREADY_HOLDING"
	DenyHoldingTooShort = "HOLDING_TOO_SHORT"
	DenyTradeCooldown   = "TRADE_COOLDOWN"
)

// Default thresholds; the numeric ones are overridable through settings.
const (
	maxSpreadPercent      = 0.5
	minDepthMultiple      = 3.0
	volatilityWarnPercent = 2.0
	maxAPIErrorsPerMinute = 5

	defaultDailyLossLimit    = -30000.0
	defaultMaxPositions      = 6
	defaultMinHoldingSeconds = 300
	defaultBuyCooldownSec    = 300
	defaultSellCooldownSec   = 60
	defaultMinHoldingValue   = 5000.0

	warnThrottle = 10 * time.Minute
)

// Decision is the gate's verdict for one order.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func deny(reason, message string) Decision {
	return Decision{Reason: reason, Message: message}
}

func allow() Decision {
	return Decision{Allowed: true}
}

// Repository is the database slice the gate reads.
type Repository interface {
	RealizedPnlSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
	CountOpenPositions(ctx context.Context) (int, error)
	HasOpenPosition(ctx context.Context, mkt string) (bool, error)
}

// Notifier delivers throttled operator warnings.
type Notifier interface {
	SendWarning(market, message string)
}

// Gate is the composite admission control. Safe for concurrent use.
type Gate struct {
	store    *settings.Store
	breaker  *circuit.Breaker
	adapter  *market.Adapter
	repo     Repository
	notifier Notifier
	location *time.Location
	now      func() time.Time

	mu           sync.Mutex
	lastBuyDone  map[string]time.Time
	lastSellDone map[string]time.Time
	lastWarnAt   map[string]time.Time
	lossLatchDay string
}

// NewGate creates the risk gate. notifier may be nil.
func NewGate(store *settings.Store, breaker *circuit.Breaker, adapter *market.Adapter, repo Repository, notifier Notifier, loc *time.Location) *Gate {
	return &Gate{
		store:        store,
		breaker:      breaker,
		adapter:      adapter,
		repo:         repo,
		notifier:     notifier,
		location:     loc,
		now:          time.Now,
		lastBuyDone:  make(map[string]time.Time),
		lastSellDone: make(map[string]time.Time),
		lastWarnAt:   make(map[string]time.Time),
	}
}

func (g *Gate) midnight() time.Time {
	now := g.now().In(g.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.location)
}

// CanTrade runs the full check pipeline for an order of the given notional
// amount and quantity. Checks short-circuit on the first veto; the veto
// reason is stable for identical state.
func (g *Gate) CanTrade(ctx context.Context, mkt, side string, amount, quantity decimal.Decimal) Decision {
	if !g.store.GetBool(ctx, settings.KeyTradingEnabled, false) {
		return deny(DenyTradingDisabled, "trading is disabled")
	}

	if ok, reason := g.breaker.Allow(mkt); !ok {
		return deny(DenyCircuitBreaker, fmt.Sprintf("circuit breaker open: %s", reason))
	}

	if d := g.checkMarketCondition(ctx, mkt, quantity); !d.Allowed {
		g.warn(mkt, d)
		return d
	}

	if d := g.checkDailyLoss(ctx); !d.Allowed {
		return d
	}

	if side == upbit.SideBid {
		if d := g.checkPositionCap(ctx); !d.Allowed {
			return d
		}
		if d := g.checkAlreadyHolding(ctx, mkt); !d.Allowed {
			return d
		}
		if d := g.checkBuyCooldown(ctx, mkt); !d.Allowed {
			return d
		}
	} else {
		if d := g.checkMinHolding(ctx, mkt); !d.Allowed {
			return d
		}
		if d := g.checkSellCooldown(ctx, mkt); !d.Allowed {
			return d
		}
	}

	return allow()
}

func (g *Gate) checkMarketCondition(ctx context.Context, mkt string, quantity decimal.Decimal) Decision {
	if g.breaker.Snapshot().RecentAPIErrors > maxAPIErrorsPerMinute {
		return deny(DenyAPIErrors, "too many exchange errors in the last minute")
	}

	ob, err := g.adapter.Orderbook(ctx, mkt)
	if err != nil {
		return deny(DenyMarketCondition, "orderbook unavailable")
	}
	bestAsk, bestBid := ob.BestAsk(), ob.BestBid()
	if bestAsk.IsZero() || bestBid.IsZero() {
		return deny(DenyMarketCondition, "empty orderbook")
	}

	spread, _ := bestAsk.Sub(bestBid).Div(bestBid).Mul(decimal.NewFromInt(100)).Float64()
	if spread > maxSpreadPercent {
		return deny(DenyMarketCondition, fmt.Sprintf("spread %.2f%% exceeds %.1f%%", spread, maxSpreadPercent))
	}

	if quantity.IsPositive() {
		var depth decimal.Decimal
		for _, u := range ob.Units {
			depth = depth.Add(u.AskSize).Add(u.BidSize)
		}
		required := quantity.Mul(decimal.NewFromFloat(minDepthMultiple))
		if depth.LessThan(required) {
			return deny(DenyMarketCondition, fmt.Sprintf("orderbook depth below %.0fx order quantity", minDepthMultiple))
		}
	}

	// Elevated volatility warns but never vetoes.
	if vol := g.adapter.Volatility1m(mkt); vol > volatilityWarnPercent {
		log.Warn().Str("market", mkt).Float64("volatility", vol).Msg("elevated 1m volatility")
	}
	return allow()
}

func (g *Gate) checkDailyLoss(ctx context.Context) Decision {
	midnight := g.midnight()
	day := midnight.Format("2006-01-02")

	g.mu.Lock()
	latched := g.lossLatchDay == day
	g.mu.Unlock()
	if latched {
		return deny(DenyDailyLossLimit, "daily loss limit reached, resumes at midnight")
	}

	limit := g.store.GetFloat(ctx, settings.KeyDailyLossLimit, defaultDailyLossLimit)
	pnl, err := g.repo.RealizedPnlSince(ctx, midnight)
	if err != nil {
		log.Warn().Err(err).Msg("daily pnl read failed")
		return allow()
	}
	if value, _ := pnl.Float64(); value <= limit {
		g.mu.Lock()
		g.lossLatchDay = day
		g.mu.Unlock()
		return deny(DenyDailyLossLimit, fmt.Sprintf("realized pnl %.0f breached limit %.0f", value, limit))
	}
	return allow()
}

func (g *Gate) checkPositionCap(ctx context.Context) Decision {
	max := int(g.store.GetInt64(ctx, settings.KeyMaxPositions, defaultMaxPositions))
	open, err := g.repo.CountOpenPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("open position count failed")
		return allow()
	}
	if open >= max {
		return deny(DenyPositionLimit, fmt.Sprintf("open positions %d at cap %d", open, max))
	}
	return allow()
}

// checkAlreadyHolding vetoes a BUY when any engine already has a position on
// the market, or when the account holds more than dust of the coin.
func (g *Gate) checkAlreadyHolding(ctx context.Context, mkt string) Decision {
	holding, err := g.repo.HasOpenPosition(ctx, mkt)
	if err != nil {
		log.Warn().Err(err).Str("market", mkt).Msg("open position lookup failed")
		return allow()
	}
	if holding {
		return deny(DenyAlreadyHolding, "another engine holds this market")
	}

	balance, err := g.adapter.BalanceOf(ctx, market.BaseCurrency(mkt))
	if err != nil {
		return allow()
	}
	price, err := g.adapter.LastPrice(ctx, mkt)
	if err != nil {
		return allow()
	}
	minValue := g.store.GetFloat(ctx, settings.KeyMinHoldingValue, defaultMinHoldingValue)
	value, _ := balance.Available.Add(balance.Locked).Mul(price).Float64()
	if value >= minValue {
		return deny(DenyAlreadyHolding, fmt.Sprintf("account already holds %.0f worth", value))
	}
	return allow()
}

func (g *Gate) checkBuyCooldown(ctx context.Context, mkt string) Decision {
	cooldown := time.Duration(g.store.GetInt64(ctx, settings.KeyBuyCooldownSec, defaultBuyCooldownSec)) * time.Second
	g.mu.Lock()
	lastSell, ok := g.lastSellDone[mkt]
	g.mu.Unlock()
	if ok {
		if elapsed := g.now().Sub(lastSell); elapsed < cooldown {
			return deny(DenyTradeCooldown, fmt.Sprintf("re-buy cooldown, %s remaining", (cooldown - elapsed).Round(time.Second)))
		}
	}
	return allow()
}

func (g *Gate) checkMinHolding(ctx context.Context, mkt string) Decision {
	minHolding := time.Duration(g.store.GetInt64(ctx, settings.KeyMinHoldingSeconds, defaultMinHoldingSeconds)) * time.Second
	g.mu.Lock()
	lastBuy, ok := g.lastBuyDone[mkt]
	g.mu.Unlock()
	if ok {
		if elapsed := g.now().Sub(lastBuy); elapsed < minHolding {
			return deny(DenyHoldingTooShort, fmt.Sprintf("held %s of %s minimum", elapsed.Round(time.Second), minHolding))
		}
	}
	return allow()
}

// checkSellCooldown spaces standalone SELL signals in the same market so a
// flapping engine cannot churn the balance.
func (g *Gate) checkSellCooldown(ctx context.Context, mkt string) Decision {
	cooldown := time.Duration(g.store.GetInt64(ctx, settings.KeySellCooldownSec, defaultSellCooldownSec)) * time.Second
	g.mu.Lock()
	lastSell, ok := g.lastSellDone[mkt]
	g.mu.Unlock()
	if ok {
		if elapsed := g.now().Sub(lastSell); elapsed < cooldown {
			return deny(DenyTradeCooldown, fmt.Sprintf("re-sell cooldown, %s remaining", (cooldown - elapsed).Round(time.Second)))
		}
	}
	return allow()
}

// CanClose is the lightweight gate for exit orders: only the trading toggle
// and minimum holding apply. Risk exits must never be blocked by entry-side
// conditions.
func (g *Gate) CanClose(ctx context.Context, mkt string, force bool) Decision {
	if force {
		return allow()
	}
	return g.checkMinHolding(ctx, mkt)
}

// RecordBuy notes a finalized BUY for the holding-time gate.
func (g *Gate) RecordBuy(mkt string) {
	g.mu.Lock()
	g.lastBuyDone[mkt] = g.now()
	g.mu.Unlock()
}

// RecordSell notes a finalized SELL for the re-buy cooldown gate.
func (g *Gate) RecordSell(mkt string) {
	g.mu.Lock()
	g.lastSellDone[mkt] = g.now()
	g.mu.Unlock()
}

// warn surfaces market-condition and API-error vetoes to operators, at most
// once per market per throttle window.
func (g *Gate) warn(mkt string, d Decision) {
	if g.notifier == nil {
		return
	}
	if d.Reason != DenyMarketCondition && d.Reason != DenyAPIErrors {
		return
	}
	now := g.now()
	g.mu.Lock()
	last, ok := g.lastWarnAt[mkt]
	if ok && now.Sub(last) < warnThrottle {
		g.mu.Unlock()
		return
	}
	g.lastWarnAt[mkt] = now
	g.mu.Unlock()
	g.notifier.SendWarning(mkt, d.Message)
}
