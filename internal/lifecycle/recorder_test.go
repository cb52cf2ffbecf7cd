package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/upbit"
)

// memRepo enforces the same at-most-one-fill-per-order rule the database
// schema does.
type memRepo struct {
	mu     sync.Mutex
	events []*database.LifecycleEvent
	fills  map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{fills: make(map[string]bool)}
}

func (m *memRepo) InsertLifecycleEvent(_ context.Context, e *database.LifecycleEvent) (bool, error) {
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

func (m *memRepo) LifecycleEventsBetween(_ context.Context, _, _ time.Time) ([]*database.LifecycleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.LifecycleEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *memRepo) LifecycleCountsByGroup(_ context.Context, _, _ time.Time) (map[string]map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]map[string]int)
	for _, e := range m.events {
		byType, ok := counts[e.StrategyGroup]
		if !ok {
			byType = make(map[string]int)
			counts[e.StrategyGroup] = byType
		}
		byType[e.EventType]++
	}
	return counts, nil
}

func (m *memRepo) fillCount(orderID, eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.OrderID != nil && *e.OrderID == orderID && e.EventType == eventType {
			n++
		}
	}
	return n
}

func TestConcurrentFillRecordsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewRecorder(repo, time.UTC)

	const workers = 8
	inserted := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted <- rec.RecordFilled(ctx, "order-1", "KRW-BTC", upbit.SideBid,
				database.GroupCoreEngine, "GRID", decimal.NewFromInt(100000), decimal.NewFromInt(1))
		}()
	}
	wg.Wait()
	close(inserted)

	wins := 0
	for ok := range inserted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent writer must insert the fill")
	assert.Equal(t, 1, repo.fillCount("order-1", database.EventBuyFilled))
}

func TestBuyAndSellFillsAreDistinct(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewRecorder(repo, time.UTC)

	assert.True(t, rec.RecordFilled(ctx, "order-1", "KRW-BTC", upbit.SideBid,
		database.GroupCoreEngine, "GRID", decimal.NewFromInt(100000), decimal.NewFromInt(1)))
	assert.True(t, rec.RecordFilled(ctx, "order-1", "KRW-BTC", upbit.SideAsk,
		database.GroupCoreEngine, "GRID", decimal.NewFromInt(101000), decimal.NewFromInt(1)))
	assert.False(t, rec.RecordFilled(ctx, "order-1", "KRW-BTC", upbit.SideAsk,
		database.GroupCoreEngine, "GRID", decimal.NewFromInt(101000), decimal.NewFromInt(1)))
}

func TestRollupComputesPendingFunnel(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewRecorder(repo, time.UTC)

	// Three buys requested, two filled, one cancelled.
	for i := 0; i < 3; i++ {
		rec.RecordRequested(ctx, "KRW-BTC", upbit.SideBid, database.GroupCoreEngine, "GRID",
			decimal.NewFromInt(100000), decimal.NewFromInt(1))
	}
	rec.RecordFilled(ctx, "o1", "KRW-BTC", upbit.SideBid, database.GroupCoreEngine, "GRID",
		decimal.NewFromInt(100000), decimal.NewFromInt(1))
	rec.RecordFilled(ctx, "o2", "KRW-BTC", upbit.SideBid, database.GroupCoreEngine, "GRID",
		decimal.NewFromInt(100000), decimal.NewFromInt(1))
	rec.Record(ctx, Event{
		OrderID:       "o3",
		Market:        "KRW-BTC",
		Side:          upbit.SideBid,
		EventType:     database.EventCancelled,
		StrategyGroup: database.GroupCoreEngine,
	})

	rollups, err := rec.Rollup(ctx, time.Time{}, time.Now())
	require.NoError(t, err)
	require.Len(t, rollups, 1)

	r := rollups[0]
	assert.Equal(t, database.GroupCoreEngine, r.StrategyGroup)
	assert.Equal(t, 3, r.BuyRequested)
	assert.Equal(t, 2, r.BuyFilled)
	assert.Equal(t, 1, r.Cancelled)
	assert.Equal(t, 0, r.Pending, "requested minus filled minus cancelled leaves nothing pending")
}

func TestTodayAnchorsAtExchangeLocalMidnight(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	rec := NewRecorder(newMemRepo(), seoul)
	// 23:30 UTC is already 08:30 the next day in Seoul; a UTC truncation
	// would anchor the window a day early.
	rec.now = func() time.Time {
		return time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)
	}

	from, to := rec.Today()
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, seoul), from)
	assert.Equal(t, time.Date(2026, 3, 10, 8, 30, 0, 0, seoul), to.In(seoul))
	assert.Equal(t, seoul, from.Location())
}

// fixedOrderReader serves one canned order.
type fixedOrderReader struct {
	order *upbit.Order
	err   error
}

func (f fixedOrderReader) GetOrder(_ context.Context, _ string) (*upbit.Order, error) {
	return f.order, f.err
}

func TestReconcileRecordsMissedFillOnce(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewRecorder(repo, time.UTC)

	reader := fixedOrderReader{order: &upbit.Order{
		UUID:           "order-9",
		Market:         "KRW-BTC",
		Side:           upbit.SideBid,
		State:          upbit.StateDone,
		Price:          decimal.NewFromInt(100000),
		ExecutedVolume: decimal.NewFromInt(1),
		Trades: []upbit.OrderTrade{{
			Price:  decimal.NewFromInt(100000),
			Volume: decimal.NewFromInt(1),
			Funds:  decimal.NewFromInt(100000),
		}},
	}}

	rec.Reconcile(ctx, reader, "order-9", "KRW-BTC", database.GroupCoreEngine, "GRID")
	rec.Reconcile(ctx, reader, "order-9", "KRW-BTC", database.GroupCoreEngine, "GRID")

	assert.Equal(t, 1, repo.fillCount("order-9", database.EventBuyFilled))
}

func TestReconcileIgnoresUnfilledOrders(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	rec := NewRecorder(repo, time.UTC)

	rec.Reconcile(ctx, fixedOrderReader{order: &upbit.Order{
		UUID:   "order-10",
		Market: "KRW-BTC",
		Side:   upbit.SideBid,
		State:  upbit.StateCancel,
	}}, "order-10", "KRW-BTC", database.GroupCoreEngine, "GRID")

	assert.Empty(t, repo.events)
}
