package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position status progression is monotone along OPEN -> CLOSING -> CLOSED or
// FAILED; CLOSING -> OPEN is permitted only when the exchange cancels the
// close order out from under us.
const (
	PositionOpen    = "OPEN"
	PositionClosing = "CLOSING"
	PositionClosed  = "CLOSED"
	PositionFailed  = "FAILED"
)

// Exit / failure reasons recorded on terminal positions.
const (
	ExitStopLoss        = "STOP_LOSS"
	ExitTakeProfit      = "TAKE_PROFIT"
	ExitTrailingStop    = "TRAILING_STOP"
	ExitTimeout         = "TIMEOUT"
	FailInvalidPosition = "INVALID_POSITION"
	FailMaxAttempts     = "MAX_ATTEMPTS"
	FailMinAmount       = "MIN_AMOUNT"
	FailOrderRejected   = "ORDER_REJECTED"
)

// Lifecycle event types.
const (
	EventBuyRequested    = "BUY_REQUESTED"
	EventBuyFilled       = "BUY_FILLED"
	EventSellRequested   = "SELL_REQUESTED"
	EventSellFilled      = "SELL_FILLED"
	EventCancelRequested = "CANCEL_REQUESTED"
	EventCancelled       = "CANCELLED"
	EventFailed          = "FAILED"
)

// Strategy groups label lifecycle events for operator-facing aggregation.
const (
	GroupManual            = "MANUAL"
	GroupGuided            = "GUIDED"
	GroupAutopilotExternal = "AUTOPILOT_EXTERNAL"
	GroupCoreEngine        = "CORE_ENGINE"
)

// Position is an open exposure managed by a single strategy, from entry to
// terminal status. StopLossPercent is negative (e.g. -2.0), TakeProfitPercent
// positive.
type Position struct {
	ID                 string           `json:"id"`
	Strategy           string           `json:"strategy"`
	Market             string           `json:"market"`
	Side               string           `json:"side"`
	Status             string           `json:"status"`
	EntryPrice         decimal.Decimal  `json:"entry_price"`
	FilledQuantity     decimal.Decimal  `json:"filled_quantity"`
	TargetQuantity     decimal.Decimal  `json:"target_quantity"`
	AvgExitPrice       *decimal.Decimal `json:"avg_exit_price,omitempty"`
	StopLossPercent    float64          `json:"stop_loss_percent"`
	TakeProfitPercent  float64          `json:"take_profit_percent"`
	TrailingActive     bool             `json:"trailing_active"`
	TrailingPeakPrice  *decimal.Decimal `json:"trailing_peak_price,omitempty"`
	TimeoutAt          time.Time        `json:"timeout_at"`
	ExitReason         *string          `json:"exit_reason,omitempty"`
	ExitOrderID        *string          `json:"exit_order_id,omitempty"`
	LastCloseAttemptAt *time.Time       `json:"last_close_attempt_at,omitempty"`
	CloseAttemptCount  int              `json:"close_attempt_count"`
	EntryTime          time.Time        `json:"entry_time"`
	ExitTime           *time.Time       `json:"exit_time,omitempty"`
	RealizedPnl        *decimal.Decimal `json:"realized_pnl,omitempty"`
	RealizedPnlPercent *float64         `json:"realized_pnl_percent,omitempty"`
}

// IsTerminal reports whether the position reached a final status.
func (p *Position) IsTerminal() bool {
	return p.Status == PositionClosed || p.Status == PositionFailed
}

// Trade is one executed (or simulated) order, append-only.
type Trade struct {
	ID              int64            `json:"id"`
	OrderID         string           `json:"order_id"`
	Market          string           `json:"market"`
	Side            string           `json:"side"`
	OrderType       string           `json:"order_type"`
	Price           decimal.Decimal  `json:"price"`
	Quantity        decimal.Decimal  `json:"quantity"`
	TotalAmount     decimal.Decimal  `json:"total_amount"`
	Fee             decimal.Decimal  `json:"fee"`
	SlippagePercent *float64         `json:"slippage_percent,omitempty"`
	IsPartialFill   bool             `json:"is_partial_fill"`
	Pnl             *decimal.Decimal `json:"pnl,omitempty"`
	PnlPercent      *float64         `json:"pnl_percent,omitempty"`
	Strategy        string           `json:"strategy"`
	Regime          *string          `json:"regime,omitempty"`
	Confidence      float64          `json:"confidence"`
	Reason          string           `json:"reason"`
	Simulated       bool             `json:"simulated"`
	CreatedAt       time.Time        `json:"created_at"`
}

// LifecycleEvent is one append-only entry in the order lifecycle log.
type LifecycleEvent struct {
	ID            int64            `json:"id"`
	OrderID       *string          `json:"order_id,omitempty"`
	Market        string           `json:"market"`
	Side          *string          `json:"side,omitempty"`
	EventType     string           `json:"event_type"`
	StrategyGroup string           `json:"strategy_group"`
	StrategyCode  *string          `json:"strategy_code,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      *decimal.Decimal `json:"quantity,omitempty"`
	Message       *string          `json:"message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// ConfigEntry is one durable key-value setting.
type ConfigEntry struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Category    *string   `json:"category,omitempty"`
	Description *string   `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OptimizerAudit records one accept/reject decision of the parameter optimizer.
type OptimizerAudit struct {
	ID             int64     `json:"id"`
	ParamKey       string    `json:"param_key"`
	CurrentValue   *string   `json:"current_value,omitempty"`
	SuggestedValue string    `json:"suggested_value"`
	Confidence     float64   `json:"confidence"`
	Accepted       bool      `json:"accepted"`
	RejectReason   *string   `json:"reject_reason,omitempty"`
	Rationale      *string   `json:"rationale,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
