// Package suspend watches the aggregate regime across all configured markets
// and toggles trading off when the market turns broadly bearish, resuming
// once conditions recover.
package suspend

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/regime"
	"upbit-trading-bot/internal/settings"
)

const (
	suspendBearRatio = 0.8
	resumeBearRatio  = 0.5
	suspendAfter     = 30 * time.Minute
)

// Notifier delivers the suspension/resume system notifications.
type Notifier interface {
	SendSystemNotification(title, body string)
}

// DetectorSource returns the currently selected regime detector.
type DetectorSource func(ctx context.Context) regime.Detector

// Watcher samples the bear ratio on each tick and flips trading.enabled when
// the ratio stays above the suspension threshold for the full window. Only
// suspensions it caused are auto-resumed; manual toggles are left alone.
type Watcher struct {
	markets  []string
	adapter  *market.Adapter
	store    *settings.Store
	detector DetectorSource
	notifier Notifier
	interval time.Duration
	now      func() time.Time

	bearSince time.Time
}

// NewWatcher creates a suspension watcher. notifier may be nil.
func NewWatcher(markets []string, adapter *market.Adapter, store *settings.Store, detector DetectorSource, notifier Notifier, interval time.Duration) *Watcher {
	return &Watcher{
		markets:  markets,
		adapter:  adapter,
		store:    store,
		detector: detector,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", w.interval).Msg("regime suspension watcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick evaluates the bear ratio once.
func (w *Watcher) Tick(ctx context.Context) {
	ratio, ok := w.bearRatio(ctx)
	if !ok {
		return
	}

	suspended := w.store.GetBool(ctx, settings.KeySuspendedByRegime, false)
	now := w.now()

	if ratio >= suspendBearRatio {
		if w.bearSince.IsZero() {
			w.bearSince = now
		}
		if !suspended && now.Sub(w.bearSince) >= suspendAfter {
			w.suspend(ctx, ratio)
		}
		return
	}

	w.bearSince = time.Time{}
	if suspended && ratio < resumeBearRatio {
		w.resume(ctx, ratio)
	}
}

func (w *Watcher) bearRatio(ctx context.Context) (float64, bool) {
	detector := w.detector(ctx)
	total, bear := 0, 0
	for _, mkt := range w.markets {
		candles, err := w.adapter.Candles(ctx, mkt)
		if err != nil || len(candles) == 0 {
			continue
		}
		total++
		if detector.Detect(candles).Regime == regime.Bear {
			bear++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(bear) / float64(total), true
}

func (w *Watcher) suspend(ctx context.Context, ratio float64) {
	if err := w.store.SetBool(ctx, settings.KeyTradingEnabled, false); err != nil {
		log.Error().Err(err).Msg("regime suspension write failed")
		return
	}
	if err := w.store.SetBool(ctx, settings.KeySuspendedByRegime, true); err != nil {
		log.Error().Err(err).Msg("regime suspension flag write failed")
	}
	log.Warn().Float64("bear_ratio", ratio).Msg("trading suspended by regime")
	if w.notifier != nil {
		w.notifier.SendSystemNotification("Trading suspended",
			fmt.Sprintf("bear ratio %.0f%% held for %s, trading disabled", ratio*100, suspendAfter))
	}
}

func (w *Watcher) resume(ctx context.Context, ratio float64) {
	if err := w.store.SetBool(ctx, settings.KeyTradingEnabled, true); err != nil {
		log.Error().Err(err).Msg("regime resume write failed")
		return
	}
	if err := w.store.SetBool(ctx, settings.KeySuspendedByRegime, false); err != nil {
		log.Error().Err(err).Msg("regime resume flag write failed")
	}
	log.Info().Float64("bear_ratio", ratio).Msg("trading resumed after regime recovery")
	if w.notifier != nil {
		w.notifier.SendSystemNotification("Trading resumed",
			fmt.Sprintf("bear ratio recovered to %.0f%%, trading enabled", ratio*100))
	}
}
