// Package position runs the per-family monitor loops that evaluate stop
// loss, take profit, trailing stops and timeouts for every open position and
// drive close orders through the executor with retry, backoff and
// abandonment semantics.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/settings"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

const (
	closeBackoff     = 15 * time.Second
	maxCloseAttempts = 5
	drainTimeout     = 30 * time.Second

	defaultTrailingTrigger = 1.0
	defaultTrailingOffset  = 0.5
	minOrderValue          = 5000.0
)

// Repository is the database slice the manager uses. The repository is the
// source of truth; positions are re-read before every state transition.
// SetTradePnl books the realized pnl onto the exit trade row so the daily
// loss limit and the optimizer's trade summaries see it.
type Repository interface {
	GetPosition(ctx context.Context, id string) (*database.Position, error)
	UpdatePosition(ctx context.Context, p *database.Position) error
	ListOpenPositions(ctx context.Context) ([]*database.Position, error)
	SetTradePnl(ctx context.Context, orderID string, pnl decimal.Decimal, pnlPercent float64) error
}

// Cache is the open-position cache in front of the repository.
type Cache interface {
	GetOpenPositions(ctx context.Context) ([]*database.Position, bool)
	SetOpenPositions(ctx context.Context, positions []*database.Position)
	Invalidate(ctx context.Context)
}

// Notifier delivers operator notifications for failed and closed positions.
type Notifier interface {
	SendError(market, message string)
	SendSystemNotification(title, body string)
}

// FillNotifier tells fill-aware engines about their own exits.
type FillNotifier interface {
	NotifyFill(ctx context.Context, strategyCode, mkt, side string, price float64)
}

// Manager monitors open positions per strategy family.
type Manager struct {
	repo     Repository
	cache    Cache
	exec     *executor.Executor
	adapter  *market.Adapter
	breaker  *circuit.Breaker
	store    *settings.Store
	notifier Notifier
	fills    FillNotifier
	now      func() time.Time

	closeLocks map[string]*sync.Mutex
	closeMu    sync.Mutex

	inflight sync.WaitGroup
}

// NewManager creates a position manager. notifier and fills may be nil.
func NewManager(repo Repository, cache Cache, exec *executor.Executor, adapter *market.Adapter, breaker *circuit.Breaker, store *settings.Store, notifier Notifier, fills FillNotifier) *Manager {
	return &Manager{
		repo:       repo,
		cache:      cache,
		exec:       exec,
		adapter:    adapter,
		breaker:    breaker,
		store:      store,
		notifier:   notifier,
		fills:      fills,
		now:        time.Now,
		closeLocks: make(map[string]*sync.Mutex),
	}
}

// Run starts one monitor loop per strategy family and blocks until ctx ends,
// then drains in-flight close attempts up to the drain timeout.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, family := range []string{strategy.FamilyScalping, strategy.FamilyIntraday, strategy.FamilyMultiday} {
		wg.Add(1)
		go func(family string) {
			defer wg.Done()
			m.runFamily(ctx, family)
		}(family)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn().Msg("position manager drain timed out")
	}
}

func (m *Manager) runFamily(ctx context.Context, family string) {
	interval := strategy.FamilyInterval(family)
	log.Info().Str("family", family).Dur("interval", interval).Msg("position monitor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, family)
		}
	}
}

// tick evaluates every open position belonging to the family. A single
// position's failure never halts the others.
func (m *Manager) tick(ctx context.Context, family string) {
	positions, err := m.openPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("open position list failed")
		return
	}
	for _, p := range positions {
		if strategy.FamilyFor(p.Strategy) != family {
			continue
		}
		m.evaluate(ctx, p)
	}
}

func (m *Manager) openPositions(ctx context.Context) ([]*database.Position, error) {
	if cached, ok := m.cache.GetOpenPositions(ctx); ok {
		return cached, nil
	}
	positions, err := m.repo.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.SetOpenPositions(ctx, positions)
	return positions, nil
}

// evaluate applies the exit checks in order for one position.
func (m *Manager) evaluate(ctx context.Context, p *database.Position) {
	if !p.EntryPrice.IsPositive() || !p.FilledQuantity.IsPositive() {
		m.markFailed(ctx, p, database.FailInvalidPosition,
			fmt.Sprintf("invalid position: entry=%s quantity=%s", p.EntryPrice, p.FilledQuantity))
		return
	}

	minHolding := time.Duration(m.store.GetInt64(ctx, settings.KeyMinHoldingSeconds, 300)) * time.Second
	if m.now().Sub(p.EntryTime) < minHolding {
		return
	}

	price, err := m.adapter.LastPrice(ctx, p.Market)
	if err != nil || !price.IsPositive() {
		return
	}
	pnlPercent, _ := price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()

	stopLoss := m.store.GetFloat(ctx, settings.KeyStopLossPercent, p.StopLossPercent)
	takeProfit := m.store.GetFloat(ctx, settings.KeyTakeProfitPercent, p.TakeProfitPercent)

	switch {
	case pnlPercent <= stopLoss:
		m.executeClose(ctx, p.ID, database.ExitStopLoss)
	case pnlPercent >= takeProfit:
		m.executeClose(ctx, p.ID, database.ExitTakeProfit)
	case m.trailingTriggered(ctx, p, price, pnlPercent):
		m.executeClose(ctx, p.ID, database.ExitTrailingStop)
	case m.now().After(p.TimeoutAt):
		m.executeClose(ctx, p.ID, database.ExitTimeout)
	}
}

// trailingTriggered arms the trailing stop once pnl crosses the trigger,
// ratchets the running peak, and fires on a retrace of the offset below it.
func (m *Manager) trailingTriggered(ctx context.Context, p *database.Position, price decimal.Decimal, pnlPercent float64) bool {
	trigger := m.store.GetFloat(ctx, "strategy.trailing_trigger_percent", defaultTrailingTrigger)
	offset := m.store.GetFloat(ctx, settings.KeyTrailingPercent, defaultTrailingOffset)

	if !p.TrailingActive {
		if pnlPercent < trigger {
			return false
		}
		p.TrailingActive = true
		p.TrailingPeakPrice = &price
		if err := m.repo.UpdatePosition(ctx, p); err != nil {
			log.Warn().Err(err).Str("position", p.ID).Msg("trailing arm persist failed")
		}
		m.cache.Invalidate(ctx)
		return false
	}

	peak := price
	if p.TrailingPeakPrice != nil {
		peak = *p.TrailingPeakPrice
	}
	if price.GreaterThan(peak) {
		p.TrailingPeakPrice = &price
		if err := m.repo.UpdatePosition(ctx, p); err != nil {
			log.Warn().Err(err).Str("position", p.ID).Msg("trailing peak persist failed")
		}
		m.cache.Invalidate(ctx)
		return false
	}

	retrace, _ := peak.Sub(price).Div(peak).Mul(decimal.NewFromInt(100)).Float64()
	return retrace >= offset
}

func (m *Manager) closeLock(mkt string) *sync.Mutex {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	lock, ok := m.closeLocks[mkt]
	if !ok {
		lock = &sync.Mutex{}
		m.closeLocks[mkt] = lock
	}
	return lock
}

// executeClose drives one close attempt for a position. One close operation
// per market at a time; the position is re-read under the lock so decisions
// use fresh state.
func (m *Manager) executeClose(ctx context.Context, positionID, reason string) {
	m.inflight.Add(1)
	defer m.inflight.Done()

	p, err := m.repo.GetPosition(ctx, positionID)
	if err != nil || p == nil {
		log.Warn().Err(err).Str("position", positionID).Msg("close: position re-read failed")
		return
	}
	if p.IsTerminal() {
		return
	}

	lock := m.closeLock(p.Market)
	lock.Lock()
	defer lock.Unlock()

	p, err = m.repo.GetPosition(ctx, positionID)
	if err != nil || p == nil || p.IsTerminal() {
		return
	}

	if p.Status == database.PositionClosing && p.LastCloseAttemptAt != nil &&
		m.now().Sub(*p.LastCloseAttemptAt) < closeBackoff {
		return
	}
	if p.CloseAttemptCount >= maxCloseAttempts {
		m.markFailed(ctx, p, database.FailMaxAttempts,
			fmt.Sprintf("close abandoned after %d attempts", p.CloseAttemptCount))
		return
	}

	// The exchange balance decides what is actually sellable.
	balance, err := m.adapter.BalanceOf(ctx, market.BaseCurrency(p.Market))
	if err != nil {
		return
	}
	if !balance.Available.IsPositive() && !balance.Locked.IsPositive() {
		// Coin already gone; nothing left to close.
		m.finalizeClose(ctx, p, reason, "", decimal.Zero, decimal.Zero, decimal.Zero)
		return
	}
	if !balance.Available.IsPositive() && balance.Locked.IsPositive() {
		// A pending order holds the coin; retry after it settles.
		return
	}

	sellQuantity := decimal.Min(balance.Available, p.FilledQuantity)
	price, err := m.adapter.LastPrice(ctx, p.Market)
	if err != nil || !price.IsPositive() {
		return
	}
	if value, _ := sellQuantity.Mul(price).Float64(); value < minOrderValue {
		m.markFailed(ctx, p, database.FailMinAmount,
			fmt.Sprintf("remaining value %.0f below order minimum", value))
		return
	}

	p.Status = database.PositionClosing
	now := m.now()
	p.LastCloseAttemptAt = &now
	p.CloseAttemptCount++
	if err := m.repo.UpdatePosition(ctx, p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("close transition persist failed")
		return
	}
	m.cache.Invalidate(ctx)

	priceFloat, _ := price.Float64()
	result := m.exec.Execute(ctx, executor.Request{
		Signal: strategy.Signal{
			Market:   p.Market,
			Action:   strategy.ActionSell,
			Price:    priceFloat,
			Reason:   reason,
			Strategy: p.Strategy,
		},
		Side:          upbit.SideAsk,
		Quantity:      sellQuantity,
		StrategyGroup: database.GroupCoreEngine,
		ForClose:      true,
	})

	switch {
	case result.Success || result.ExecutedQuantity.IsPositive():
		m.finalizeClose(ctx, p, reason, result.OrderID, result.Price, result.ExecutedQuantity, result.Fee)
	case result.RejectionReason == executor.RejectOrderRejected:
		m.markFailed(ctx, p, database.FailOrderRejected, result.Message)
	case result.RejectionReason == executor.RejectNoFill:
		m.reconcileZeroFill(ctx, p, reason)
	default:
		// Transport failure; revert to OPEN so the next tick retries after
		// the backoff.
		m.revertToOpen(ctx, p)
	}
}

// reconcileZeroFill handles an order classified done with zero executed
// volume: when the coin is still on the account the position stays OPEN,
// otherwise it closed out-of-band.
func (m *Manager) reconcileZeroFill(ctx context.Context, p *database.Position, reason string) {
	balance, err := m.adapter.BalanceOf(ctx, market.BaseCurrency(p.Market))
	if err != nil {
		m.revertToOpen(ctx, p)
		return
	}
	if balance.Available.IsPositive() || balance.Locked.IsPositive() {
		m.revertToOpen(ctx, p)
		return
	}
	m.finalizeClose(ctx, p, reason, "", decimal.Zero, decimal.Zero, decimal.Zero)
}

func (m *Manager) revertToOpen(ctx context.Context, p *database.Position) {
	p.Status = database.PositionOpen
	if err := m.repo.UpdatePosition(ctx, p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("revert to open failed")
		return
	}
	m.cache.Invalidate(ctx)
}

// finalizeClose marks the position CLOSED and books realized PnL onto both
// the position and its exit trade row. A zero exit price means the coin
// disappeared out-of-band and PnL is unknown.
func (m *Manager) finalizeClose(ctx context.Context, p *database.Position, reason, orderID string, exitPrice, executed, fee decimal.Decimal) {
	now := m.now()
	p.Status = database.PositionClosed
	p.ExitReason = &reason
	p.ExitTime = &now
	if orderID != "" {
		p.ExitOrderID = &orderID
	}

	if exitPrice.IsPositive() && executed.IsPositive() {
		p.AvgExitPrice = &exitPrice
		pnl := exitPrice.Sub(p.EntryPrice).Mul(executed).Sub(fee)
		pnlPercent, _ := exitPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
		p.RealizedPnl = &pnl
		p.RealizedPnlPercent = &pnlPercent

		if orderID != "" {
			if err := m.repo.SetTradePnl(ctx, orderID, pnl, pnlPercent); err != nil {
				log.Warn().Err(err).Str("order_id", orderID).Msg("trade pnl write failed")
			}
		}

		if pnl.IsNegative() {
			m.breaker.RecordLoss(p.Market)
		} else {
			m.breaker.RecordWin(p.Market)
		}
	}

	if err := m.repo.UpdatePosition(ctx, p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("close finalize persist failed")
		return
	}
	m.cache.Invalidate(ctx)

	if m.fills != nil && exitPrice.IsPositive() {
		priceFloat, _ := exitPrice.Float64()
		m.fills.NotifyFill(ctx, p.Strategy, p.Market, upbit.SideAsk, priceFloat)
	}

	pnlText := "unknown"
	if p.RealizedPnl != nil {
		pnlText = p.RealizedPnl.StringFixed(0)
	}
	log.Info().
		Str("position", p.ID).
		Str("market", p.Market).
		Str("reason", reason).
		Str("pnl", pnlText).
		Msg("position closed")
	if m.notifier != nil {
		m.notifier.SendSystemNotification("Position closed",
			fmt.Sprintf("%s %s via %s, pnl %s", p.Market, p.Strategy, reason, pnlText))
	}
}

// markFailed is the terminal path for unrecoverable positions.
func (m *Manager) markFailed(ctx context.Context, p *database.Position, reason, message string) {
	now := m.now()
	p.Status = database.PositionFailed
	p.ExitReason = &reason
	p.ExitTime = &now
	if err := m.repo.UpdatePosition(ctx, p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("failed transition persist failed")
		return
	}
	m.cache.Invalidate(ctx)

	log.Error().
		Str("position", p.ID).
		Str("market", p.Market).
		Str("reason", reason).
		Str("detail", message).
		Msg("position failed")
	if m.notifier != nil {
		m.notifier.SendError(p.Market, fmt.Sprintf("position %s failed: %s (%s)", p.ID, reason, message))
	}
}
