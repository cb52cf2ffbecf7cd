package optimizer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/ai/llm"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/settings"
)

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

type memAuditRepo struct {
	firstTrade time.Time
	lastWrites map[string]time.Time
	audits     []*database.OptimizerAudit
}

func (r *memAuditRepo) TradesSince(_ context.Context, _ time.Time) ([]*database.Trade, error) {
	return nil, nil
}

func (r *memAuditRepo) FirstTradeTime(_ context.Context) (time.Time, error) {
	return r.firstTrade, nil
}

func (r *memAuditRepo) InsertOptimizerAudit(_ context.Context, a *database.OptimizerAudit) error {
	cp := *a
	r.audits = append(r.audits, &cp)
	return nil
}

func (r *memAuditRepo) LastAcceptedParamWrite(_ context.Context, key string) (time.Time, error) {
	return r.lastWrites[key], nil
}

func (r *memAuditRepo) lastAudit(t *testing.T) *database.OptimizerAudit {
	t.Helper()
	require.NotEmpty(t, r.audits)
	return r.audits[len(r.audits)-1]
}

type optimizerFixture struct {
	opt   *Optimizer
	repo  *memAuditRepo
	store *settings.Store
	now   time.Time
}

func newOptimizerFixture(t *testing.T) *optimizerFixture {
	t.Helper()
	ctx := context.Background()

	store := settings.NewStore(&memConfigRepo{})
	require.NoError(t, store.SetFloat(ctx, settings.KeyStopLossPercent, -2.0))

	f := &optimizerFixture{
		repo:  &memAuditRepo{lastWrites: make(map[string]time.Time)},
		store: store,
		now:   time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	f.opt = New(f.repo, store, llm.NewClient(llm.Config{}), time.UTC)
	f.opt.now = func() time.Time { return f.now }
	return f
}

func suggestion(key string, value, confidence float64) Suggestion {
	return Suggestion{ParamKey: key, Value: value, Confidence: confidence, Rationale: "test"}
}

func rejectedWith(t *testing.T, a *database.OptimizerAudit, reason string) {
	t.Helper()
	assert.False(t, a.Accepted)
	require.NotNil(t, a.RejectReason)
	assert.Equal(t, reason, *a.RejectReason)
}

func TestUnknownParamIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newOptimizerFixture(t)

	f.opt.apply(ctx, suggestion("trading.enabled", 1, 0.99), true)

	rejectedWith(t, f.repo.lastAudit(t), "UNKNOWN_PARAM")
}

func TestShortHistoryRejectsEverything(t *testing.T) {
	ctx := context.Background()
	f := newOptimizerFixture(t)

	f.opt.apply(ctx, suggestion(settings.KeyStopLossPercent, -2.1, 0.99), false)

	rejectedWith(t, f.repo.lastAudit(t), "INSUFFICIENT_HISTORY")
	assert.InDelta(t, -2.0, f.store.GetFloat(ctx, settings.KeyStopLossPercent, 0), 1e-9)
}

func TestLowConfidenceIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newOptimizerFixture(t)

	f.opt.apply(ctx, suggestion(settings.KeyStopLossPercent, -2.1, 0.85), true)

	rejectedWith(t, f.repo.lastAudit(t), "LOW_CONFIDENCE")
}

func TestOversizedChangeIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newOptimizerFixture(t)

	// -2.0 to -2.5 is a 25% move, past the 20% ceiling.
	f.opt.apply(ctx, suggestion(settings.KeyStopLossPercent, -2.5, 0.99), true)

	rejectedWith(t, f.repo.lastAudit(t), "OUT_OF_BOUNDS")
	assert.InDelta(t, -2.0, f.store.GetFloat(ctx, settings.KeyStopLossPercent, 0), 1e-9)
}

func TestRecentWriteIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newOptimizerFixture(t)
	f.repo.lastWrites[settings.KeyStopLossPercent] = f.now.Add(-3 * 24 * time.Hour)

	f.opt.apply(ctx, suggestion(settings.KeyStopLossPercent, -2.1, 0.99), true)

	rejectedWith(t, f.repo.lastAudit(t), "RECENT_WRITE")
}

func TestAcceptedSuggestionWritesStoreAndAudit(t *testing.T) {
	ctx := context.Background()
	f := newOptimizerFixture(t)
	f.repo.lastWrites[settings.KeyStopLossPercent] = f.now.Add(-10 * 24 * time.Hour)

	f.opt.apply(ctx, suggestion(settings.KeyStopLossPercent, -2.2, 0.95), true)

	a := f.repo.lastAudit(t)
	assert.True(t, a.Accepted)
	assert.Nil(t, a.RejectReason)
	require.NotNil(t, a.CurrentValue)
	assert.Equal(t, "-2", *a.CurrentValue)
	assert.Equal(t, "-2.2", a.SuggestedValue)
	assert.InDelta(t, -2.2, f.store.GetFloat(ctx, settings.KeyStopLossPercent, 0), 1e-9)
}

func TestUntilNextRunTargetsLocalRunHour(t *testing.T) {
	f := newOptimizerFixture(t)

	// From noon UTC the next 01:00 is 13 hours away.
	assert.Equal(t, 13*time.Hour, f.opt.untilNextRun())

	// Just before the run hour the wait is short.
	f.now = time.Date(2026, 3, 3, 0, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Minute, f.opt.untilNextRun())

	// Exactly at the run hour the next run is a day out.
	f.now = time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, f.opt.untilNextRun())
}
