// Package circuit implements the trading circuit breakers: per-market trips
// driven by consecutive losses, execution failures and slippage, plus global
// trips driven by API error bursts and total-asset drawdown. State survives
// restarts through the settings store.
package circuit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/metrics"
	"upbit-trading-bot/internal/settings"
)

// Trip thresholds and durations.
const (
	lossTripCount     = 3
	lossTripDuration  = 4 * time.Hour
	execTripCount     = 5
	execTripDuration  = 1 * time.Hour
	slipTripCount     = 3
	slipTripDuration  = 4 * time.Hour
	apiErrorTripCount = 10
	apiErrorWindow    = 60 * time.Second
	apiTripDuration   = 24 * time.Hour

	drawdownTripPercent = 10.0
	drawdownDuration    = 24 * time.Hour

	persistInterval = 5 * time.Second
)

// Trip reasons reported in snapshots and logs.
const (
	ReasonConsecutiveLosses = "CONSECUTIVE_LOSSES"
	ReasonExecutionFailures = "EXECUTION_FAILURES"
	ReasonHighSlippage      = "HIGH_SLIPPAGE"
	ReasonAPIErrorBurst     = "API_ERROR_BURST"
	ReasonAssetDrawdown     = "ASSET_DRAWDOWN"
)

type marketState struct {
	ConsecutiveLosses   int       `json:"consecutive_losses"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSlippage int       `json:"consecutive_slippage"`
	TrippedUntil        time.Time `json:"tripped_until"`
	TripReason          string    `json:"trip_reason,omitempty"`
}

type persistedState struct {
	Markets            map[string]*marketState `json:"markets"`
	GlobalTrippedUntil time.Time               `json:"global_tripped_until"`
	GlobalTripReason   string                  `json:"global_trip_reason,omitempty"`
	AssetPeak          decimal.Decimal         `json:"asset_peak"`
}

// MarketStatus is the externally visible state of one market's breaker.
type MarketStatus struct {
	Market              string    `json:"market"`
	Tripped             bool      `json:"tripped"`
	TrippedUntil        time.Time `json:"tripped_until,omitempty"`
	TripReason          string    `json:"trip_reason,omitempty"`
	ConsecutiveLosses   int       `json:"consecutive_losses"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSlippage int       `json:"consecutive_slippage"`
}

// Status is a full breaker snapshot for the API.
type Status struct {
	GlobalTripped      bool           `json:"global_tripped"`
	GlobalTrippedUntil time.Time      `json:"global_tripped_until,omitempty"`
	GlobalTripReason   string         `json:"global_trip_reason,omitempty"`
	AssetPeak          string         `json:"asset_peak"`
	RecentAPIErrors    int            `json:"recent_api_errors"`
	Markets            []MarketStatus `json:"markets"`
}

// Breaker tracks per-market and global trip state.
type Breaker struct {
	store *settings.Store
	now   func() time.Time

	mu        sync.Mutex
	markets   map[string]*marketState
	apiErrors []time.Time

	globalUntil  time.Time
	globalReason string
	assetPeak    decimal.Decimal

	dirty bool
}

// NewBreaker creates a breaker and restores any persisted state.
func NewBreaker(ctx context.Context, store *settings.Store) *Breaker {
	b := &Breaker{
		store:   store,
		now:     time.Now,
		markets: make(map[string]*marketState),
	}
	b.restore(ctx)
	return b
}

func (b *Breaker) restore(ctx context.Context) {
	if b.store == nil {
		return
	}
	raw, ok := b.store.Get(ctx, settings.KeyCircuitState)
	if !ok {
		return
	}
	var st persistedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		log.Warn().Err(err).Msg("circuit state restore failed, starting clean")
		return
	}
	b.mu.Lock()
	if st.Markets != nil {
		b.markets = st.Markets
	}
	b.globalUntil = st.GlobalTrippedUntil
	b.globalReason = st.GlobalTripReason
	b.assetPeak = st.AssetPeak
	b.mu.Unlock()
	log.Info().Int("markets", len(st.Markets)).Msg("circuit state restored")
}

// RunPersistLoop flushes dirty state to the settings store until ctx ends.
func (b *Breaker) RunPersistLoop(ctx context.Context) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.persist(context.Background())
			return
		case <-ticker.C:
			b.persist(ctx)
		}
	}
}

func (b *Breaker) persist(ctx context.Context) {
	if b.store == nil {
		return
	}
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return
	}
	st := persistedState{
		Markets:            b.markets,
		GlobalTrippedUntil: b.globalUntil,
		GlobalTripReason:   b.globalReason,
		AssetPeak:          b.assetPeak,
	}
	raw, err := json.Marshal(st)
	b.dirty = false
	b.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("circuit state marshal failed")
		return
	}
	if err := b.store.Set(ctx, settings.KeyCircuitState, string(raw)); err != nil {
		log.Warn().Err(err).Msg("circuit state persist failed")
		b.mu.Lock()
		b.dirty = true
		b.mu.Unlock()
	}
}

func (b *Breaker) state(market string) *marketState {
	st, ok := b.markets[market]
	if !ok {
		st = &marketState{}
		b.markets[market] = st
	}
	return st
}

func (b *Breaker) pruneAPIErrors(now time.Time) {
	cutoff := now.Add(-apiErrorWindow)
	i := 0
	for ; i < len(b.apiErrors); i++ {
		if b.apiErrors[i].After(cutoff) {
			break
		}
	}
	b.apiErrors = b.apiErrors[i:]
}

// Allow reports whether new entries are permitted on a market. A tripped
// breaker clears itself once its window elapses.
func (b *Breaker) Allow(market string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if now.Before(b.globalUntil) {
		return false, b.globalReason
	}

	st := b.state(market)
	if now.Before(st.TrippedUntil) {
		return false, st.TripReason
	}
	if st.TripReason != "" && !st.TrippedUntil.IsZero() {
		// Window elapsed; counters reset on re-entry.
		st.TrippedUntil = time.Time{}
		st.TripReason = ""
		st.ConsecutiveLosses = 0
		st.ConsecutiveFailures = 0
		st.ConsecutiveSlippage = 0
		b.dirty = true
	}
	return true, ""
}

func (b *Breaker) tripMarket(st *marketState, market, reason string, d time.Duration) {
	st.TrippedUntil = b.now().Add(d)
	st.TripReason = reason
	b.dirty = true
	metrics.CircuitTrips.WithLabelValues(reason).Inc()
	log.Warn().
		Str("market", market).
		Str("reason", reason).
		Time("until", st.TrippedUntil).
		Msg("circuit breaker tripped")
}

// RecordLoss registers a losing close. Three in a row trips the market.
func (b *Breaker) RecordLoss(market string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(market)
	st.ConsecutiveLosses++
	b.dirty = true
	if st.ConsecutiveLosses >= lossTripCount {
		b.tripMarket(st, market, ReasonConsecutiveLosses, lossTripDuration)
	}
}

// RecordWin resets the loss streak.
func (b *Breaker) RecordWin(market string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(market)
	if st.ConsecutiveLosses != 0 {
		st.ConsecutiveLosses = 0
		b.dirty = true
	}
}

// RecordExecFailure registers a failed order execution. Five in a row trips
// the market.
func (b *Breaker) RecordExecFailure(market string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(market)
	st.ConsecutiveFailures++
	b.dirty = true
	if st.ConsecutiveFailures >= execTripCount {
		b.tripMarket(st, market, ReasonExecutionFailures, execTripDuration)
	}
}

// RecordExecSuccess resets the execution failure streak.
func (b *Breaker) RecordExecSuccess(market string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(market)
	if st.ConsecutiveFailures != 0 {
		st.ConsecutiveFailures = 0
		b.dirty = true
	}
}

// RecordSlippage registers the slippage of a fill, in percent. Three
// consecutive high-slippage fills trip the market; a normal fill resets the
// streak.
func (b *Breaker) RecordSlippage(market string, slippagePercent, threshold float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(market)
	if slippagePercent > threshold {
		st.ConsecutiveSlippage++
		b.dirty = true
		if st.ConsecutiveSlippage >= slipTripCount {
			b.tripMarket(st, market, ReasonHighSlippage, slipTripDuration)
		}
		return
	}
	if st.ConsecutiveSlippage != 0 {
		st.ConsecutiveSlippage = 0
		b.dirty = true
	}
}

// RecordAPIError registers one failed exchange call. Ten errors inside the
// rolling window trip trading globally.
func (b *Breaker) RecordAPIError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.apiErrors = append(b.apiErrors, now)
	b.pruneAPIErrors(now)
	metrics.APIErrors.Inc()
	if len(b.apiErrors) >= apiErrorTripCount && now.After(b.globalUntil) {
		b.globalUntil = now.Add(apiTripDuration)
		b.globalReason = ReasonAPIErrorBurst
		b.dirty = true
		metrics.CircuitTrips.WithLabelValues(ReasonAPIErrorBurst).Inc()
		log.Error().
			Int("errors", len(b.apiErrors)).
			Time("until", b.globalUntil).
			Msg("global circuit breaker tripped on API errors")
	}
}

// RecordTotalAsset updates the asset peak and trips globally when the total
// falls 10% or more below it.
func (b *Breaker) RecordTotalAsset(total decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if total.GreaterThan(b.assetPeak) {
		b.assetPeak = total
		b.dirty = true
		return
	}
	if b.assetPeak.IsZero() {
		return
	}
	drawdown, _ := b.assetPeak.Sub(total).Div(b.assetPeak).Mul(decimal.NewFromInt(100)).Float64()
	now := b.now()
	if drawdown >= drawdownTripPercent && now.After(b.globalUntil) {
		b.globalUntil = now.Add(drawdownDuration)
		b.globalReason = ReasonAssetDrawdown
		b.dirty = true
		metrics.CircuitTrips.WithLabelValues(ReasonAssetDrawdown).Inc()
		log.Error().
			Float64("drawdown_percent", drawdown).
			Str("peak", b.assetPeak.String()).
			Str("total", total.String()).
			Time("until", b.globalUntil).
			Msg("global circuit breaker tripped on asset drawdown")
	}
}

// Reset clears one market's breaker, for the operator API.
func (b *Breaker) Reset(market string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.markets, market)
	b.dirty = true
	log.Info().Str("market", market).Msg("circuit breaker reset")
}

// ResetGlobal clears the global trip.
func (b *Breaker) ResetGlobal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalUntil = time.Time{}
	b.globalReason = ""
	b.apiErrors = nil
	b.dirty = true
	log.Info().Msg("global circuit breaker reset")
}

// Snapshot returns the current state of every breaker.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.pruneAPIErrors(now)

	s := Status{
		GlobalTripped:      now.Before(b.globalUntil),
		GlobalTrippedUntil: b.globalUntil,
		GlobalTripReason:   b.globalReason,
		AssetPeak:          b.assetPeak.String(),
		RecentAPIErrors:    len(b.apiErrors),
	}
	for market, st := range b.markets {
		s.Markets = append(s.Markets, MarketStatus{
			Market:              market,
			Tripped:             now.Before(st.TrippedUntil),
			TrippedUntil:        st.TrippedUntil,
			TripReason:          st.TripReason,
			ConsecutiveLosses:   st.ConsecutiveLosses,
			ConsecutiveFailures: st.ConsecutiveFailures,
			ConsecutiveSlippage: st.ConsecutiveSlippage,
		})
	}
	return s
}
