// Package bot is the orchestrator: on every strategy tick it pulls market
// data, detects the regime, selects an engine, runs analysis and carries
// non-hold signals through the executor, opening position rows for
// successful entries.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/metrics"
	"upbit-trading-bot/internal/regime"
	"upbit-trading-bot/internal/settings"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

// Default exit parameters for new positions, overridable through settings.
const (
	defaultStopLossPercent   = -2.0
	defaultTakeProfitPercent = 3.0
	defaultOrderAmount       = 100000.0
)

// Position lifetimes per strategy family.
func positionTimeout(code string) time.Duration {
	switch strategy.FamilyFor(code) {
	case strategy.FamilyScalping:
		return time.Hour
	case strategy.FamilyMultiday:
		return 72 * time.Hour
	default:
		return 6 * time.Hour
	}
}

// Repository is the database slice the bot uses.
type Repository interface {
	CreatePosition(ctx context.Context, p *database.Position) error
	ListOpenPositions(ctx context.Context) ([]*database.Position, error)
	CountOpenPositions(ctx context.Context) (int, error)
	RealizedPnlSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// Cache invalidation after position writes.
type Cache interface {
	Invalidate(ctx context.Context)
}

// Notifier delivers trade notifications. May be nil.
type Notifier interface {
	SendTradeNotification(sig strategy.Signal, result *executor.Result)
}

// MarketState is the per-market slice of the status report.
type MarketState struct {
	Market     string             `json:"market"`
	Regime     *regime.Analysis   `json:"regime,omitempty"`
	Strategy   string             `json:"strategy,omitempty"`
	LastSignal *strategy.Signal   `json:"last_signal,omitempty"`
	Position   *database.Position `json:"position,omitempty"`
}

// Status is the full status report for the API.
type Status struct {
	TradingEnabled bool          `json:"trading_enabled"`
	DryRun         bool          `json:"dry_run"`
	DailyPnl       string        `json:"daily_pnl"`
	OpenPositions  int           `json:"open_positions"`
	Markets        []MarketState `json:"markets"`
}

// Bot drives the strategy tick across all configured markets.
type Bot struct {
	markets  []string
	interval time.Duration
	adapter  *market.Adapter
	store    *settings.Store
	selector *strategy.Selector
	exec     *executor.Executor
	repo     Repository
	cache    Cache
	breaker  *circuit.Breaker
	notifier Notifier
	location *time.Location
	dryRun   bool
	now      func() time.Time

	mu         sync.RWMutex
	lastRegime map[string]regime.Analysis
	lastSignal map[string]strategy.Signal
}

// New creates the orchestrator.
func New(markets []string, interval time.Duration, adapter *market.Adapter, store *settings.Store, selector *strategy.Selector, exec *executor.Executor, repo Repository, cache Cache, breaker *circuit.Breaker, notifier Notifier, loc *time.Location, dryRun bool) *Bot {
	normalized := make([]string, len(markets))
	for i, m := range markets {
		normalized[i] = market.Normalize(m)
	}
	return &Bot{
		markets:    normalized,
		interval:   interval,
		adapter:    adapter,
		store:      store,
		selector:   selector,
		exec:       exec,
		repo:       repo,
		cache:      cache,
		breaker:    breaker,
		notifier:   notifier,
		location:   loc,
		dryRun:     dryRun,
		now:        time.Now,
		lastRegime: make(map[string]regime.Analysis),
		lastSignal: make(map[string]strategy.Signal),
	}
}

// Detector returns the currently configured regime detector.
func (b *Bot) Detector(ctx context.Context) regime.Detector {
	detectorType, _ := b.store.Get(ctx, "regime.detector.type")
	return regime.New(detectorType)
}

// Run ticks every market on the strategy interval until ctx ends.
func (b *Bot) Run(ctx context.Context) {
	log.Info().
		Strs("markets", b.markets).
		Dur("interval", b.interval).
		Bool("dry_run", b.dryRun).
		Msg("strategy loop started")
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tickAll(ctx)
		}
	}
}

func (b *Bot) tickAll(ctx context.Context) {
	for _, mkt := range b.markets {
		if ctx.Err() != nil {
			return
		}
		// One market's failure never halts the others.
		if _, err := b.Tick(ctx, mkt); err != nil {
			log.Warn().Err(err).Str("market", mkt).Msg("strategy tick failed")
		}
	}
	b.updateAssetPeak(ctx)
	b.updatePositionGauge(ctx)
}

// Tick analyzes one market and executes the resulting signal. Returns the
// signal for the manual-trigger API.
func (b *Bot) Tick(ctx context.Context, code string) (*strategy.Signal, error) {
	mkt := market.Normalize(code)

	candles, err := b.adapter.Candles(ctx, mkt)
	if err != nil {
		return nil, err
	}
	price, err := b.adapter.LastPrice(ctx, mkt)
	if err != nil {
		return nil, err
	}
	priceFloat, _ := price.Float64()

	analysis := b.Detector(ctx).Detect(candles)
	engine := b.selector.Select(mkt, analysis)
	if engine == nil {
		return nil, fmt.Errorf("no engine for market %s", mkt)
	}

	signal := engine.Analyze(ctx, mkt, candles, priceFloat, analysis)

	b.mu.Lock()
	b.lastRegime[mkt] = analysis
	b.lastSignal[mkt] = signal
	b.mu.Unlock()

	if signal.Action == strategy.ActionHold {
		return &signal, nil
	}

	b.execute(ctx, signal, analysis)
	return &signal, nil
}

func (b *Bot) execute(ctx context.Context, sig strategy.Signal, analysis regime.Analysis) {
	orderAmount := decimal.NewFromFloat(b.store.GetFloat(ctx, settings.KeyOrderAmount, defaultOrderAmount))

	req := executor.Request{
		Signal:        sig,
		Amount:        orderAmount,
		StrategyGroup: database.GroupCoreEngine,
		RegimeLabel:   analysis.Regime,
	}
	if sig.Action == strategy.ActionBuy {
		req.Side = upbit.SideBid
	} else {
		req.Side = upbit.SideAsk
		quantity, ok := b.sellableQuantity(ctx, sig.Market)
		if !ok {
			return
		}
		req.Quantity = quantity
	}

	result := b.exec.Execute(ctx, req)
	if !result.Success {
		if result.RejectionReason != executor.RejectRiskVeto {
			log.Warn().
				Str("market", sig.Market).
				Str("reason", result.RejectionReason).
				Str("detail", result.Message).
				Msg("signal execution failed")
		}
		return
	}

	if sig.Action == strategy.ActionBuy {
		b.openPosition(ctx, sig, result, orderAmount)
	}
	fillPrice, _ := result.Price.Float64()
	b.NotifyFill(ctx, sig.Strategy, sig.Market, req.Side, fillPrice)
	if b.notifier != nil {
		b.notifier.SendTradeNotification(sig, result)
	}
}

// sellableQuantity reads the coin balance for a standalone SELL signal.
func (b *Bot) sellableQuantity(ctx context.Context, mkt string) (decimal.Decimal, bool) {
	balance, err := b.adapter.BalanceOf(ctx, market.BaseCurrency(mkt))
	if err != nil || !balance.Available.IsPositive() {
		return decimal.Zero, false
	}
	return balance.Available, true
}

func (b *Bot) openPosition(ctx context.Context, sig strategy.Signal, result *executor.Result, orderAmount decimal.Decimal) {
	targetQuantity := result.ExecutedQuantity
	if result.Price.IsPositive() && result.FillRatePercent > 0 {
		targetQuantity = orderAmount.Div(result.Price)
	}
	timeout := positionTimeout(sig.Strategy)
	// An operator-set timeout overrides the per-family default.
	if mins := b.store.GetInt64(ctx, settings.KeyPositionTimeoutMin, 0); mins > 0 {
		timeout = time.Duration(mins) * time.Minute
	}
	now := b.now()
	p := &database.Position{
		ID:                uuid.NewString(),
		Strategy:          sig.Strategy,
		Market:            sig.Market,
		Side:              upbit.SideBid,
		Status:            database.PositionOpen,
		EntryPrice:        result.Price,
		FilledQuantity:    result.ExecutedQuantity,
		TargetQuantity:    targetQuantity,
		StopLossPercent:   b.store.GetFloat(ctx, settings.KeyStopLossPercent, defaultStopLossPercent),
		TakeProfitPercent: b.store.GetFloat(ctx, settings.KeyTakeProfitPercent, defaultTakeProfitPercent),
		TimeoutAt:         now.Add(timeout),
		EntryTime:         now,
	}
	if err := b.repo.CreatePosition(ctx, p); err != nil {
		log.Error().Err(err).Str("market", sig.Market).Msg("position create failed")
		return
	}
	b.cache.Invalidate(ctx)
	log.Info().
		Str("position", p.ID).
		Str("market", p.Market).
		Str("strategy", p.Strategy).
		Str("entry", p.EntryPrice.String()).
		Str("quantity", p.FilledQuantity.String()).
		Bool("partial", result.IsPartialFill).
		Msg("position opened")
}

// NotifyFill forwards fills to fill-aware engines.
func (b *Bot) NotifyFill(ctx context.Context, strategyCode, mkt, side string, price float64) {
	engine := b.selector.Engine(strategyCode)
	if engine == nil {
		return
	}
	if aware, ok := engine.(strategy.FillAware); ok {
		aware.OnFill(ctx, mkt, side, price)
	}
}

// updateAssetPeak feeds the drawdown breaker with the current total asset
// value in quote currency.
func (b *Bot) updateAssetPeak(ctx context.Context) {
	balances, err := b.adapter.Balances(ctx)
	if err != nil {
		return
	}
	total := decimal.Zero
	for _, bal := range balances {
		qty := bal.Available.Add(bal.Locked)
		if !qty.IsPositive() {
			continue
		}
		if bal.Currency == "KRW" {
			total = total.Add(qty)
			continue
		}
		price, err := b.adapter.LastPrice(ctx, "KRW-"+bal.Currency)
		if err != nil {
			continue
		}
		total = total.Add(qty.Mul(price))
	}
	if total.IsPositive() {
		b.breaker.RecordTotalAsset(total)
	}
}

func (b *Bot) updatePositionGauge(ctx context.Context) {
	if count, err := b.repo.CountOpenPositions(ctx); err == nil {
		metrics.PositionsOpen.Set(float64(count))
	}
}

// Status builds the API status report.
func (b *Bot) Status(ctx context.Context) (*Status, error) {
	open, err := b.repo.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	byMarket := make(map[string]*database.Position, len(open))
	for _, p := range open {
		byMarket[p.Market] = p
	}

	now := b.now().In(b.location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, b.location)
	pnl, err := b.repo.RealizedPnlSince(ctx, midnight)
	if err != nil {
		pnl = decimal.Zero
	}

	status := &Status{
		TradingEnabled: b.store.GetBool(ctx, settings.KeyTradingEnabled, false),
		DryRun:         b.dryRun,
		DailyPnl:       pnl.StringFixed(0),
		OpenPositions:  len(open),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, mkt := range b.markets {
		state := MarketState{
			Market:   mkt,
			Strategy: b.selector.Current(mkt),
			Position: byMarket[mkt],
		}
		if analysis, ok := b.lastRegime[mkt]; ok {
			a := analysis
			state.Regime = &a
		}
		if sig, ok := b.lastSignal[mkt]; ok {
			s := sig
			state.LastSignal = &s
		}
		status.Markets = append(status.Markets, state)
	}
	return status, nil
}
