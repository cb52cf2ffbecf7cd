// Package executor turns trading signals into concrete exchange orders: it
// picks limit vs market mode, runs the risk gate, submits, waits for fills
// with backoff, cancels stale limits and finalizes with slippage and
// partial-fill accounting.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/lifecycle"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/metrics"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

const (
	// Market-mode triggers; any two switch the order from limit to market.
	marketModeVolatility = 1.5
	marketModeConfidence = 85.0
	marketModeLiquidity  = 5.0

	// Partial fills at or above this share of target count as success.
	partialSuccessPercent = 90.0
	highSlippagePercent   = 2.0

	waitPollInitial = 200 * time.Millisecond
	waitPollMax     = 2 * time.Second

	dryRunFeeRate = 0.0005
)

// Rejection reasons in Result.
const (
	RejectRiskVeto      = "RISK_VETO"
	RejectTransport     = "TRANSPORT_ERROR"
	RejectOrderRejected = "ORDER_REJECTED"
	RejectNoFill        = "NO_FILL"
	RejectCancelled     = "CANCELLED"
)

// Result describes one execution attempt.
type Result struct {
	Success          bool            `json:"success"`
	OrderID          string          `json:"order_id,omitempty"`
	Price            decimal.Decimal `json:"price"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	Fee              decimal.Decimal `json:"fee"`
	IsPartialFill    bool            `json:"is_partial_fill"`
	FillRatePercent  float64         `json:"fill_rate_percent"`
	SlippagePercent  float64         `json:"slippage_percent"`
	Message          string          `json:"message,omitempty"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
}

func failure(reason, message string) *Result {
	return &Result{RejectionReason: reason, Message: message}
}

// Deadlines per strategy family for the limit-order wait loop.
func waitDeadline(code string) time.Duration {
	switch strategy.FamilyFor(code) {
	case strategy.FamilyScalping:
		return 3 * time.Second
	case strategy.FamilyMultiday:
		return 45 * time.Second
	default:
		return 30 * time.Second
	}
}

// Strategy codes that always use market orders.
func forcesMarket(code string) bool {
	return code == strategy.CodeBreakout
}

// TradeRepository is the database slice the executor writes trades through.
type TradeRepository interface {
	InsertTrade(ctx context.Context, t *database.Trade) error
}

// Executor submits and finalizes orders. Entries serialize per market.
type Executor struct {
	client   upbit.Client
	gate     *risk.Gate
	recorder *lifecycle.Recorder
	breaker  *circuit.Breaker
	adapter  *market.Adapter
	repo     TradeRepository
	dryRun   bool

	entryLocks *keyedMutex
}

// New creates an executor.
func New(client upbit.Client, gate *risk.Gate, recorder *lifecycle.Recorder, breaker *circuit.Breaker, adapter *market.Adapter, repo TradeRepository, dryRun bool) *Executor {
	return &Executor{
		client:     client,
		gate:       gate,
		recorder:   recorder,
		breaker:    breaker,
		adapter:    adapter,
		repo:       repo,
		dryRun:     dryRun,
		entryLocks: newKeyedMutex(),
	}
}

// Request carries one signal into execution.
type Request struct {
	Signal        strategy.Signal
	Side          string
	Amount        decimal.Decimal // notional for BUY
	Quantity      decimal.Decimal // coin quantity for SELL
	StrategyGroup string
	RegimeLabel   string
	// ForClose marks exit orders, which bypass entry-side risk checks.
	ForClose bool
}

// Execute runs the full pipeline for one request. BUYs on the same market
// serialize; close orders use the position manager's own mutex instead.
func (e *Executor) Execute(ctx context.Context, req Request) *Result {
	mkt := market.Normalize(req.Signal.Market)

	if !req.ForClose {
		unlock := e.entryLocks.Lock(mkt)
		defer unlock()
	}

	ob, err := e.adapter.Orderbook(ctx, mkt)
	if err != nil {
		return failure(RejectTransport, fmt.Sprintf("orderbook unavailable: %v", err))
	}
	mid := ob.Mid()

	quantity := req.Quantity
	if req.Side == upbit.SideBid && quantity.IsZero() && ob.BestAsk().IsPositive() {
		quantity = req.Amount.Div(ob.BestAsk())
	}

	var decision risk.Decision
	if req.ForClose {
		decision = e.gate.CanClose(ctx, mkt, true)
	} else {
		decision = e.gate.CanTrade(ctx, mkt, req.Side, req.Amount, quantity)
	}
	if !decision.Allowed {
		log.Info().
			Str("market", mkt).
			Str("side", req.Side).
			Str("reason", decision.Reason).
			Str("detail", decision.Message).
			Msg("order vetoed")
		metrics.RiskVetoes.WithLabelValues(decision.Reason).Inc()
		return failure(RejectRiskVeto, decision.Reason+": "+decision.Message)
	}

	useMarket := e.chooseMarketMode(mkt, req, ob, quantity)

	e.recorder.RecordRequested(ctx, mkt, req.Side, req.StrategyGroup, req.Signal.Strategy, mid, quantity)

	if e.dryRun {
		return e.finalize(ctx, req, mkt, e.fabricateOrder(req, ob, quantity), mid, quantity)
	}

	for {
		order, err := e.submit(ctx, req, mkt, ob, quantity, useMarket)
		if err != nil {
			if upbit.IsRejection(err) {
				e.breaker.RecordExecFailure(mkt)
				return failure(RejectOrderRejected, err.Error())
			}
			e.breaker.RecordAPIError()
			return failure(RejectTransport, err.Error())
		}

		if order.State == upbit.StateWait {
			order, err = e.waitForFill(ctx, req, mkt, order)
			if err != nil {
				return failure(RejectTransport, err.Error())
			}
			if order.State == upbit.StateCancel && !order.ExecutedVolume.IsPositive() {
				e.recorder.Record(ctx, lifecycle.Event{
					OrderID:       order.UUID,
					Market:        mkt,
					Side:          req.Side,
					EventType:     database.EventCancelled,
					StrategyGroup: req.StrategyGroup,
					StrategyCode:  req.Signal.Strategy,
				})
				if !useMarket && strategy.MarketFallback(req.Signal.Strategy) {
					log.Info().
						Str("market", mkt).
						Str("strategy", req.Signal.Strategy).
						Str("order_id", order.UUID).
						Msg("stale limit order, falling back to market")
					useMarket = true
					continue
				}
				return failure(RejectNoFill, "limit order expired without fill")
			}
		}

		return e.finalize(ctx, req, mkt, order, mid, quantity)
	}
}

// chooseMarketMode applies the two-of-three rule plus per-strategy overrides.
func (e *Executor) chooseMarketMode(mkt string, req Request, ob *upbit.Orderbook, quantity decimal.Decimal) bool {
	if forcesMarket(req.Signal.Strategy) {
		return true
	}

	triggers := 0
	if e.adapter.Volatility1m(mkt) > marketModeVolatility {
		triggers++
	}
	if req.Signal.Confidence > marketModeConfidence {
		triggers++
	}
	if quantity.IsPositive() {
		var depth decimal.Decimal
		for _, u := range ob.Units {
			if req.Side == upbit.SideBid {
				depth = depth.Add(u.AskSize)
			} else {
				depth = depth.Add(u.BidSize)
			}
		}
		if depth.LessThan(quantity.Mul(decimal.NewFromFloat(marketModeLiquidity))) {
			triggers++
		}
	}
	return triggers >= 2
}

func (e *Executor) submit(ctx context.Context, req Request, mkt string, ob *upbit.Orderbook, quantity decimal.Decimal, useMarket bool) (*upbit.Order, error) {
	order := upbit.OrderRequest{
		Market:     mkt,
		Side:       req.Side,
		Identifier: uuid.NewString(),
	}
	switch {
	case useMarket && req.Side == upbit.SideBid:
		order.OrdType = upbit.OrdTypePrice
		order.Amount = req.Amount
	case useMarket:
		order.OrdType = upbit.OrdTypeMarket
		order.Volume = quantity
	case req.Side == upbit.SideBid:
		order.OrdType = upbit.OrdTypeLimit
		order.Price = ob.BestAsk()
		order.Volume = quantity
	default:
		order.OrdType = upbit.OrdTypeLimit
		order.Price = ob.BestBid()
		order.Volume = quantity
	}

	log.Info().
		Str("market", mkt).
		Str("side", req.Side).
		Str("ord_type", order.OrdType).
		Str("strategy", req.Signal.Strategy).
		Msg("submitting order")
	metrics.OrdersSubmitted.WithLabelValues(mkt, req.Side).Inc()
	return e.client.PlaceOrder(ctx, order)
}

// waitForFill polls a limit order with exponential backoff until the
// per-strategy deadline, then cancels. The post-cancel read decides whether
// anything filled before cancellation.
func (e *Executor) waitForFill(ctx context.Context, req Request, mkt string, order *upbit.Order) (*upbit.Order, error) {
	deadline := time.Now().Add(waitDeadline(req.Signal.Strategy))
	poll := waitPollInitial

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
		if poll *= 2; poll > waitPollMax {
			poll = waitPollMax
		}

		current, err := e.client.GetOrder(ctx, order.UUID)
		if err != nil {
			e.breaker.RecordAPIError()
			continue
		}
		if current.State != upbit.StateWait {
			return current, nil
		}
	}

	e.recorder.Record(ctx, lifecycle.Event{
		OrderID:       order.UUID,
		Market:        mkt,
		Side:          req.Side,
		EventType:     database.EventCancelRequested,
		StrategyGroup: req.StrategyGroup,
		StrategyCode:  req.Signal.Strategy,
	})
	cancelled, err := e.client.CancelOrder(ctx, order.UUID)
	if err != nil {
		e.breaker.RecordAPIError()
		return nil, fmt.Errorf("cancel stale order %s: %w", order.UUID, err)
	}
	return cancelled, nil
}

// finalize computes fill metrics, records the trade and fill event and
// updates the circuit breaker.
func (e *Executor) finalize(ctx context.Context, req Request, mkt string, order *upbit.Order, mid, targetQuantity decimal.Decimal) *Result {
	executed := order.ExecutedVolume
	if !executed.IsPositive() {
		e.breaker.RecordExecFailure(mkt)
		return failure(RejectNoFill, "order finished with zero fill")
	}
	e.breaker.RecordExecSuccess(mkt)

	avgPrice := order.AvgFillPrice()
	if avgPrice.IsZero() {
		avgPrice = order.Price
	}

	fillRate := 100.0
	if targetQuantity.IsPositive() {
		fillRate, _ = executed.Div(targetQuantity).Mul(decimal.NewFromInt(100)).Float64()
	}
	partial := fillRate < 99.999

	slippage := 0.0
	if mid.IsPositive() {
		diff := avgPrice.Sub(mid).Div(mid).Mul(decimal.NewFromInt(100))
		if req.Side == upbit.SideAsk {
			diff = diff.Neg()
		}
		slippage, _ = diff.Float64()
	}
	e.breaker.RecordSlippage(mkt, slippage, highSlippagePercent)
	metrics.OrdersFilled.WithLabelValues(mkt, req.Side).Inc()
	metrics.SlippagePercent.WithLabelValues(mkt).Observe(slippage)

	trade := &database.Trade{
		OrderID:       order.UUID,
		Market:        mkt,
		Side:          req.Side,
		OrderType:     order.OrdType,
		Price:         avgPrice,
		Quantity:      executed,
		TotalAmount:   avgPrice.Mul(executed),
		Fee:           order.PaidFee,
		IsPartialFill: partial,
		Strategy:      req.Signal.Strategy,
		Confidence:    req.Signal.Confidence,
		Reason:        req.Signal.Reason,
		Simulated:     e.dryRun,
	}
	trade.SlippagePercent = &slippage
	if req.RegimeLabel != "" {
		regimeLabel := req.RegimeLabel
		trade.Regime = &regimeLabel
	}
	if err := e.repo.InsertTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("order_id", order.UUID).Msg("trade record write failed")
	}

	e.recorder.RecordFilled(ctx, order.UUID, mkt, req.Side, req.StrategyGroup, req.Signal.Strategy, avgPrice, executed)
	if !e.dryRun {
		e.recorder.Reconcile(ctx, e.client, order.UUID, mkt, req.StrategyGroup, req.Signal.Strategy)
	}

	if req.Side == upbit.SideBid {
		e.gate.RecordBuy(mkt)
	} else {
		e.gate.RecordSell(mkt)
	}

	success := !partial || fillRate >= partialSuccessPercent
	message := "filled"
	if partial {
		message = fmt.Sprintf("partial fill %.1f%%", fillRate)
	}

	log.Info().
		Str("market", mkt).
		Str("side", req.Side).
		Str("order_id", order.UUID).
		Str("price", avgPrice.String()).
		Str("quantity", executed.String()).
		Float64("fill_rate", fillRate).
		Float64("slippage", slippage).
		Bool("success", success).
		Msg("order finalized")

	return &Result{
		Success:          success,
		OrderID:          order.UUID,
		Price:            avgPrice,
		ExecutedQuantity: executed,
		Fee:              order.PaidFee,
		IsPartialFill:    partial,
		FillRatePercent:  fillRate,
		SlippagePercent:  slippage,
		Message:          message,
	}
}

// fabricateOrder builds a fully filled order at book prices for dry runs.
func (e *Executor) fabricateOrder(req Request, ob *upbit.Orderbook, quantity decimal.Decimal) *upbit.Order {
	price := ob.BestAsk()
	if req.Side == upbit.SideAsk {
		price = ob.BestBid()
	}
	executed := quantity
	if executed.IsZero() && price.IsPositive() {
		executed = req.Amount.Div(price)
	}
	return &upbit.Order{
		UUID:           uuid.NewString(),
		Market:         req.Signal.Market,
		Side:           req.Side,
		OrdType:        upbit.OrdTypeLimit,
		State:          upbit.StateDone,
		Price:          price,
		Volume:         executed,
		ExecutedVolume: executed,
		PaidFee:        price.Mul(executed).Mul(decimal.NewFromFloat(dryRunFeeRate)),
		Trades: []upbit.OrderTrade{{
			Price:  price,
			Volume: executed,
			Funds:  price.Mul(executed),
		}},
	}
}
