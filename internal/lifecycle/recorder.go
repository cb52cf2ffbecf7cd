// Package lifecycle records the order lifecycle log and aggregates it into
// daily rollups per strategy group. Fill events are idempotent per order; the
// database enforces at most one BUY_FILLED and one SELL_FILLED per order id.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/upbit"
)

// Repository is the database slice the recorder uses.
type Repository interface {
	InsertLifecycleEvent(ctx context.Context, e *database.LifecycleEvent) (bool, error)
	LifecycleEventsBetween(ctx context.Context, from, to time.Time) ([]*database.LifecycleEvent, error)
	LifecycleCountsByGroup(ctx context.Context, from, to time.Time) (map[string]map[string]int, error)
}

// Recorder writes lifecycle events and serves rollups.
type Recorder struct {
	repo     Repository
	location *time.Location
	now      func() time.Time
}

// NewRecorder creates a recorder. Rollup windows are anchored at local
// midnight in loc.
func NewRecorder(repo Repository, loc *time.Location) *Recorder {
	return &Recorder{repo: repo, location: loc, now: time.Now}
}

// Event is the caller-facing shape of one lifecycle record.
type Event struct {
	OrderID       string
	Market        string
	Side          string
	EventType     string
	StrategyGroup string
	StrategyCode  string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Message       string
}

// Record appends one event. Returns whether the row was inserted; duplicate
// fill events for the same order are dropped and return false. Write errors
// are logged, never propagated into trading decisions.
func (r *Recorder) Record(ctx context.Context, e Event) bool {
	row := &database.LifecycleEvent{
		Market:        e.Market,
		EventType:     e.EventType,
		StrategyGroup: e.StrategyGroup,
	}
	if e.OrderID != "" {
		row.OrderID = &e.OrderID
	}
	if e.Side != "" {
		row.Side = &e.Side
	}
	if e.StrategyCode != "" {
		row.StrategyCode = &e.StrategyCode
	}
	if e.Price.IsPositive() {
		row.Price = &e.Price
	}
	if e.Quantity.IsPositive() {
		row.Quantity = &e.Quantity
	}
	if e.Message != "" {
		row.Message = &e.Message
	}

	inserted, err := r.repo.InsertLifecycleEvent(ctx, row)
	if err != nil {
		log.Error().Err(err).
			Str("order_id", e.OrderID).
			Str("event_type", e.EventType).
			Msg("lifecycle event write failed")
		return false
	}
	if !inserted {
		log.Debug().
			Str("order_id", e.OrderID).
			Str("event_type", e.EventType).
			Msg("duplicate fill event dropped")
	}
	return inserted
}

// RecordRequested logs the pre-submit event for an order.
func (r *Recorder) RecordRequested(ctx context.Context, mkt, side, group, code string, price, quantity decimal.Decimal) {
	eventType := database.EventBuyRequested
	if side == upbit.SideAsk {
		eventType = database.EventSellRequested
	}
	r.Record(ctx, Event{
		Market:        mkt,
		Side:          side,
		EventType:     eventType,
		StrategyGroup: group,
		StrategyCode:  code,
		Price:         price,
		Quantity:      quantity,
	})
}

// RecordFilled logs the fill event for an order, once per (order, side).
func (r *Recorder) RecordFilled(ctx context.Context, orderID, mkt, side, group, code string, price, quantity decimal.Decimal) bool {
	eventType := database.EventBuyFilled
	if side == upbit.SideAsk {
		eventType = database.EventSellFilled
	}
	return r.Record(ctx, Event{
		OrderID:       orderID,
		Market:        mkt,
		Side:          side,
		EventType:     eventType,
		StrategyGroup: group,
		StrategyCode:  code,
		Price:         price,
		Quantity:      quantity,
	})
}

// GroupRollup is the funnel for one strategy group.
type GroupRollup struct {
	StrategyGroup string `json:"strategy_group"`
	BuyRequested  int    `json:"buy_requested"`
	BuyFilled     int    `json:"buy_filled"`
	SellRequested int    `json:"sell_requested"`
	SellFilled    int    `json:"sell_filled"`
	Pending       int    `json:"pending"`
	Cancelled     int    `json:"cancelled"`
	Failed        int    `json:"failed"`
}

// Rollup aggregates the window into per-group funnels. Pending counts
// requests without a matching fill.
func (r *Recorder) Rollup(ctx context.Context, from, to time.Time) ([]GroupRollup, error) {
	counts, err := r.repo.LifecycleCountsByGroup(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]GroupRollup, 0, len(counts))
	for group, byType := range counts {
		roll := GroupRollup{
			StrategyGroup: group,
			BuyRequested:  byType[database.EventBuyRequested],
			BuyFilled:     byType[database.EventBuyFilled],
			SellRequested: byType[database.EventSellRequested],
			SellFilled:    byType[database.EventSellFilled],
			Cancelled:     byType[database.EventCancelled],
			Failed:        byType[database.EventFailed],
		}
		pending := roll.BuyRequested - roll.BuyFilled + roll.SellRequested - roll.SellFilled - roll.Cancelled - roll.Failed
		if pending > 0 {
			roll.Pending = pending
		}
		out = append(out, roll)
	}
	return out, nil
}

// Today returns the current local day window, local midnight to now.
func (r *Recorder) Today() (from, to time.Time) {
	now := r.now().In(r.location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.location)
	return midnight, now
}

// TodayRollup aggregates from local midnight to now.
func (r *Recorder) TodayRollup(ctx context.Context) ([]GroupRollup, error) {
	from, to := r.Today()
	return r.Rollup(ctx, from, to)
}

// Events returns the raw window for the API.
func (r *Recorder) Events(ctx context.Context, from, to time.Time) ([]*database.LifecycleEvent, error) {
	return r.repo.LifecycleEventsBetween(ctx, from, to)
}

// OrderStatusReader reads one order back from the exchange.
type OrderStatusReader interface {
	GetOrder(ctx context.Context, orderID string) (*upbit.Order, error)
}

// Reconcile re-reads an order after an executor success and records any fill
// the wait loop missed, e.g. orders that transitioned to done out-of-band.
// Safe to call concurrently; the unique fill constraint makes it idempotent.
func (r *Recorder) Reconcile(ctx context.Context, client OrderStatusReader, orderID, mkt, group, code string) {
	order, err := client.GetOrder(ctx, orderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("lifecycle reconcile read failed")
		return
	}
	if order.State != upbit.StateDone || !order.ExecutedVolume.IsPositive() {
		return
	}
	r.RecordFilled(ctx, orderID, mkt, order.Side, group, code, order.AvgFillPrice(), order.ExecutedVolume)
}
