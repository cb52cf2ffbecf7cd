package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/settings"
)

// memConfigRepo is an in-memory settings.Repository for persistence tests.
type memConfigRepo struct {
	mu      sync.Mutex
	entries map[string]*database.ConfigEntry
}

func newMemConfigRepo() *memConfigRepo {
	return &memConfigRepo{entries: make(map[string]*database.ConfigEntry)}
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
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.ConfigEntry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memConfigRepo) ListConfigEntriesByCategory(_ context.Context, _ string) ([]*database.ConfigEntry, error) {
	return nil, nil
}

func (m *memConfigRepo) UpsertConfigEntry(_ context.Context, e *database.ConfigEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := NewBreaker(context.Background(), nil)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestConsecutiveLossesTripMarket(t *testing.T) {
	b, now := newTestBreaker(t)
	const mkt = "KRW-BTC"

	b.RecordLoss(mkt)
	b.RecordLoss(mkt)
	if ok, _ := b.Allow(mkt); !ok {
		t.Fatal("two losses must not trip the breaker")
	}

	b.RecordLoss(mkt)
	ok, reason := b.Allow(mkt)
	if ok {
		t.Fatal("three consecutive losses must trip the breaker")
	}
	if reason != ReasonConsecutiveLosses {
		t.Fatalf("trip reason = %q, want %q", reason, ReasonConsecutiveLosses)
	}

	// Still tripped just inside the window.
	*now = now.Add(4*time.Hour - time.Minute)
	if ok, _ := b.Allow(mkt); ok {
		t.Fatal("breaker must stay tripped inside the 4h window")
	}

	// Clears after the window, and counters reset.
	*now = now.Add(2 * time.Minute)
	if ok, _ := b.Allow(mkt); !ok {
		t.Fatal("breaker must clear after the trip window elapses")
	}
	for _, m := range b.Snapshot().Markets {
		if m.Market == mkt && m.ConsecutiveLosses != 0 {
			t.Fatalf("loss counter = %d after clear, want 0", m.ConsecutiveLosses)
		}
	}
}

func TestWinResetsLossStreak(t *testing.T) {
	b, _ := newTestBreaker(t)
	const mkt = "KRW-ETH"

	b.RecordLoss(mkt)
	b.RecordLoss(mkt)
	b.RecordWin(mkt)
	b.RecordLoss(mkt)

	if ok, _ := b.Allow(mkt); !ok {
		t.Fatal("a win between losses must reset the streak")
	}
}

func TestExecutionFailuresTripMarket(t *testing.T) {
	b, now := newTestBreaker(t)
	const mkt = "KRW-BTC"

	for i := 0; i < 4; i++ {
		b.RecordExecFailure(mkt)
	}
	if ok, _ := b.Allow(mkt); !ok {
		t.Fatal("four execution failures must not trip the breaker")
	}

	b.RecordExecFailure(mkt)
	ok, reason := b.Allow(mkt)
	if ok || reason != ReasonExecutionFailures {
		t.Fatalf("Allow = (%v, %q), want tripped on %q", ok, reason, ReasonExecutionFailures)
	}

	*now = now.Add(time.Hour + time.Second)
	if ok, _ := b.Allow(mkt); !ok {
		t.Fatal("execution failure trip must clear after 1h")
	}
}

func TestHighSlippageTripAndReset(t *testing.T) {
	b, _ := newTestBreaker(t)
	const mkt = "KRW-BTC"

	b.RecordSlippage(mkt, 2.5, 2.0)
	b.RecordSlippage(mkt, 3.1, 2.0)
	// A normal fill resets the streak.
	b.RecordSlippage(mkt, 0.2, 2.0)
	b.RecordSlippage(mkt, 2.5, 2.0)
	b.RecordSlippage(mkt, 2.5, 2.0)
	if ok, _ := b.Allow(mkt); !ok {
		t.Fatal("slippage streak must reset on a normal fill")
	}

	b.RecordSlippage(mkt, 2.5, 2.0)
	ok, reason := b.Allow(mkt)
	if ok || reason != ReasonHighSlippage {
		t.Fatalf("Allow = (%v, %q), want tripped on %q", ok, reason, ReasonHighSlippage)
	}
}

func TestAPIErrorBurstTripsGlobally(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 9; i++ {
		b.RecordAPIError()
	}
	if ok, _ := b.Allow("KRW-BTC"); !ok {
		t.Fatal("nine errors inside the window must not trip")
	}

	b.RecordAPIError()
	ok, reason := b.Allow("KRW-XRP")
	if ok || reason != ReasonAPIErrorBurst {
		t.Fatalf("Allow = (%v, %q), want global trip on %q", ok, reason, ReasonAPIErrorBurst)
	}

	*now = now.Add(24*time.Hour + time.Second)
	if ok, _ := b.Allow("KRW-XRP"); !ok {
		t.Fatal("global API-error trip must clear after 24h")
	}
}

func TestAPIErrorWindowSlides(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 9; i++ {
		b.RecordAPIError()
	}
	// The burst ages out before the tenth error arrives.
	*now = now.Add(2 * time.Minute)
	b.RecordAPIError()

	if ok, _ := b.Allow("KRW-BTC"); !ok {
		t.Fatal("errors outside the rolling window must not count toward the trip")
	}
	if got := b.Snapshot().RecentAPIErrors; got != 1 {
		t.Fatalf("RecentAPIErrors = %d, want 1", got)
	}
}

func TestAssetDrawdownTripsGlobally(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordTotalAsset(decimal.NewFromInt(1000000))
	b.RecordTotalAsset(decimal.NewFromInt(920000))
	if ok, _ := b.Allow("KRW-BTC"); !ok {
		t.Fatal("an 8% drawdown must not trip")
	}

	b.RecordTotalAsset(decimal.NewFromInt(899000))
	ok, reason := b.Allow("KRW-BTC")
	if ok || reason != ReasonAssetDrawdown {
		t.Fatalf("Allow = (%v, %q), want global trip on %q", ok, reason, ReasonAssetDrawdown)
	}
}

func TestResetClearsMarketState(t *testing.T) {
	b, _ := newTestBreaker(t)
	const mkt = "KRW-BTC"

	for i := 0; i < 3; i++ {
		b.RecordLoss(mkt)
	}
	b.Reset(mkt)
	if ok, _ := b.Allow(mkt); !ok {
		t.Fatal("Reset must clear the market trip")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := settings.NewStore(newMemConfigRepo())

	b := NewBreaker(ctx, store)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.RecordLoss("KRW-BTC")
	}
	b.persist(ctx)

	restored := NewBreaker(ctx, store)
	restored.now = func() time.Time { return base.Add(time.Minute) }
	ok, reason := restored.Allow("KRW-BTC")
	if ok || reason != ReasonConsecutiveLosses {
		t.Fatalf("restored Allow = (%v, %q), want tripped on %q", ok, reason, ReasonConsecutiveLosses)
	}
}
