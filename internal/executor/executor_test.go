package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/lifecycle"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/settings"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

const testMarket = "KRW-BTC"

type memConfigRepo struct {
	mu      sync.Mutex
	entries map[string]*database.ConfigEntry
}

func (m *memConfigRepo) GetConfigEntry(_ context.Context, key string) (*database.ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *memConfigRepo) ListConfigEntries(_ context.Context) ([]*database.ConfigEntry, error) {
	return nil, nil
}

func (m *memConfigRepo) ListConfigEntriesByCategory(_ context.Context, _ string) ([]*database.ConfigEntry, error) {
	return nil, nil
}

func (m *memConfigRepo) UpsertConfigEntry(_ context.Context, e *database.ConfigEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*database.ConfigEntry)
	}
	cp := *e
	m.entries[e.Key] = &cp
	return nil
}

func (m *memConfigRepo) DeleteConfigEntry(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

type posRepoStub struct{}

func (posRepoStub) RealizedPnlSince(_ context.Context, _ time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (posRepoStub) CountOpenPositions(_ context.Context) (int, error)        { return 0, nil }
func (posRepoStub) HasOpenPosition(_ context.Context, _ string) (bool, error) { return false, nil }

// memLifecycleRepo mimics the database's unique fill constraint in memory.
type memLifecycleRepo struct {
	mu     sync.Mutex
	events []*database.LifecycleEvent
	fills  map[string]bool
}

func newMemLifecycleRepo() *memLifecycleRepo {
	return &memLifecycleRepo{fills: make(map[string]bool)}
}

func (m *memLifecycleRepo) InsertLifecycleEvent(_ context.Context, e *database.LifecycleEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.OrderID != nil && (e.EventType == database.EventBuyFilled || e.EventType == database.EventSellFilled) {
		key := *e.OrderID + "/" + e.EventType
		if m.fills[key] {
			return false, nil
		}
		m.fills[key] = true
	}
	m.events = append(m.events, e)
	return true, nil
}

func (m *memLifecycleRepo) LifecycleEventsBetween(_ context.Context, _, _ time.Time) ([]*database.LifecycleEvent, error) {
	return nil, nil
}

func (m *memLifecycleRepo) LifecycleCountsByGroup(_ context.Context, _, _ time.Time) (map[string]map[string]int, error) {
	return nil, nil
}

func (m *memLifecycleRepo) countType(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type memTradeRepo struct {
	mu     sync.Mutex
	trades []*database.Trade
}

func (m *memTradeRepo) InsertTrade(_ context.Context, t *database.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

type execFixture struct {
	exec      *Executor
	mock      *upbit.MockClient
	store     *settings.Store
	breaker   *circuit.Breaker
	trades    *memTradeRepo
	lifecycle *memLifecycleRepo
}

func newExecFixture(t *testing.T, dryRun bool) *execFixture {
	t.Helper()
	ctx := context.Background()

	store := settings.NewStore(&memConfigRepo{})
	require.NoError(t, store.SetBool(ctx, settings.KeyTradingEnabled, true))

	mock := upbit.NewMockClient()
	mock.Orderbooks[testMarket] = &upbit.Orderbook{
		Market: testMarket,
		Units: []upbit.OrderbookUnit{{
			AskPrice: decimal.NewFromInt(100100),
			BidPrice: decimal.NewFromInt(100000),
			AskSize:  decimal.NewFromInt(10000),
			BidSize:  decimal.NewFromInt(10000),
		}},
	}
	mock.Tickers[testMarket] = &upbit.Ticker{Market: testMarket, TradePrice: decimal.NewFromInt(100000)}

	breaker := circuit.NewBreaker(ctx, nil)
	adapter := market.NewAdapter(mock, breaker)
	gate := risk.NewGate(store, breaker, adapter, posRepoStub{}, nil, time.UTC)
	lcRepo := newMemLifecycleRepo()
	recorder := lifecycle.NewRecorder(lcRepo, time.UTC)
	trades := &memTradeRepo{}

	return &execFixture{
		exec:      New(mock, gate, recorder, breaker, adapter, trades, dryRun),
		mock:      mock,
		store:     store,
		breaker:   breaker,
		trades:    trades,
		lifecycle: lcRepo,
	}
}

func buyRequest(amount int64) Request {
	return Request{
		Signal: strategy.Signal{
			Market:     testMarket,
			Action:     strategy.ActionBuy,
			Confidence: 70,
			Strategy:   strategy.CodeVolatilitySurvival,
		},
		Side:          upbit.SideBid,
		Amount:        decimal.NewFromInt(amount),
		StrategyGroup: database.GroupCoreEngine,
	}
}

func TestPartialFillAboveThresholdSucceeds(t *testing.T) {
	f := newExecFixture(t, false)
	f.mock.FillRate = 0.93

	result := f.exec.Execute(context.Background(), buyRequest(100000))

	require.True(t, result.Success, "93%% fill must count as success: %+v", result)
	assert.True(t, result.IsPartialFill)
	assert.InDelta(t, 93.0, result.FillRatePercent, 0.01)
	assert.True(t, result.ExecutedQuantity.IsPositive())

	require.Len(t, f.trades.trades, 1)
	assert.True(t, f.trades.trades[0].IsPartialFill)
	assert.Equal(t, 1, f.lifecycle.countType(database.EventBuyRequested))
	assert.Equal(t, 1, f.lifecycle.countType(database.EventBuyFilled))
}

func TestPartialFillBelowThresholdFails(t *testing.T) {
	f := newExecFixture(t, false)
	f.mock.FillRate = 0.5

	result := f.exec.Execute(context.Background(), buyRequest(100000))

	assert.False(t, result.Success, "50%% fill must not count as success")
	assert.True(t, result.IsPartialFill)
	assert.InDelta(t, 50.0, result.FillRatePercent, 0.01)
	// The fill is still recorded even though the attempt failed.
	require.Len(t, f.trades.trades, 1)
}

func TestRiskVetoPlacesNoOrder(t *testing.T) {
	f := newExecFixture(t, false)
	require.NoError(t, f.store.SetBool(context.Background(), settings.KeyTradingEnabled, false))

	result := f.exec.Execute(context.Background(), buyRequest(100000))

	assert.Equal(t, RejectRiskVeto, result.RejectionReason)
	assert.Empty(t, f.mock.Orders, "a vetoed order must never reach the exchange")
	assert.Empty(t, f.trades.trades)
}

func TestZeroFillRecordsExecutionFailure(t *testing.T) {
	f := newExecFixture(t, false)
	f.mock.FillRate = 0

	result := f.exec.Execute(context.Background(), buyRequest(100000))

	assert.Equal(t, RejectNoFill, result.RejectionReason)
	assert.Empty(t, f.trades.trades)

	var failures int
	for _, m := range f.breaker.Snapshot().Markets {
		if m.Market == testMarket {
			failures = m.ConsecutiveFailures
		}
	}
	assert.Equal(t, 1, failures)
}

func TestDryRunFabricatesFillWithoutExchangeOrders(t *testing.T) {
	f := newExecFixture(t, true)

	result := f.exec.Execute(context.Background(), buyRequest(100000))

	require.True(t, result.Success)
	assert.Empty(t, f.mock.Orders, "dry run must not place real orders")
	assert.True(t, result.Fee.IsPositive())

	wantQty := decimal.NewFromInt(100000).Div(decimal.NewFromInt(100100))
	assert.True(t, result.ExecutedQuantity.Sub(wantQty).Abs().LessThan(decimal.RequireFromString("0.000001")),
		"executed = %s, want ~%s", result.ExecutedQuantity, wantQty)

	require.Len(t, f.trades.trades, 1)
	assert.True(t, f.trades.trades[0].Simulated)
}

func TestStaleLimitOrderIsCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the scalping fill deadline")
	}
	f := newExecFixture(t, false)
	f.mock.HoldOrders = true

	result := f.exec.Execute(context.Background(), buyRequest(100000))

	// Scalping falls back to a market order after the limit cancel; with the
	// book frozen that one expires too, so two cancel cycles and no fill.
	assert.Equal(t, RejectNoFill, result.RejectionReason)
	assert.Equal(t, 2, f.lifecycle.countType(database.EventCancelRequested))
	assert.Equal(t, 2, f.lifecycle.countType(database.EventCancelled))
	assert.NotEmpty(t, f.mock.FindOrder(upbit.OrdTypePrice), "fallback must resubmit as market")
	assert.Empty(t, f.trades.trades)
}

func TestStaleLimitFallsBackToMarketFill(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the scalping fill deadline")
	}
	f := newExecFixture(t, false)
	f.mock.HoldOrders = true

	// Fill the fallback market order as soon as it shows up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if id := f.mock.FindOrder(upbit.OrdTypePrice); id != "" {
				f.mock.Release(id, 1.0)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	result := f.exec.Execute(context.Background(), buyRequest(100000))
	<-done

	require.True(t, result.Success, "%+v", result)
	require.Len(t, f.trades.trades, 1)
	assert.Equal(t, upbit.OrdTypePrice, f.trades.trades[0].OrderType)
	assert.Equal(t, 1, f.lifecycle.countType(database.EventCancelled))
	assert.Equal(t, 1, f.lifecycle.countType(database.EventBuyFilled))
}


func TestSellSlippageIsSignAdjusted(t *testing.T) {
	f := newExecFixture(t, false)

	// Limit sell fills at the bid, below mid: positive slippage for the seller.
	result := f.exec.Execute(context.Background(), Request{
		Signal: strategy.Signal{
			Market:     testMarket,
			Action:     strategy.ActionSell,
			Confidence: 70,
			Strategy:   strategy.CodeGrid,
		},
		Side:          upbit.SideAsk,
		Quantity:      decimal.NewFromInt(1),
		StrategyGroup: database.GroupCoreEngine,
		ForClose:      true,
	})

	require.True(t, result.Success, "%+v", result)
	assert.Greater(t, result.SlippagePercent, 0.0)
}
