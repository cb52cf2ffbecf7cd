package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InsertTrade appends a trade record. Re-inserting the same (order_id, side)
// is treated as already recorded, not an error.
func (r *Repo) InsertTrade(ctx context.Context, t *Trade) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trades (
			order_id, market, side, order_type, price, quantity, total_amount,
			fee, slippage_percent, is_partial_fill, pnl, pnl_percent,
			strategy, regime, confidence, reason, simulated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (order_id, side) DO NOTHING`,
		t.OrderID, t.Market, t.Side, t.OrderType, t.Price, t.Quantity,
		t.TotalAmount, t.Fee, t.SlippagePercent, t.IsPartialFill, t.Pnl,
		t.PnlPercent, t.Strategy, t.Regime, t.Confidence, t.Reason, t.Simulated,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.OrderID, err)
	}
	return nil
}

// SetTradePnl books realized pnl onto an already recorded trade, keyed by
// order id. The close path calls this once the position's cost basis is known.
func (r *Repo) SetTradePnl(ctx context.Context, orderID string, pnl decimal.Decimal, pnlPercent float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE trades SET pnl = $2, pnl_percent = $3 WHERE order_id = $1`,
		orderID, pnl, pnlPercent)
	if err != nil {
		return fmt.Errorf("set trade pnl %s: %w", orderID, err)
	}
	return nil
}

// RealizedPnlSince sums realized pnl over sell trades since the given time.
func (r *Repo) RealizedPnlSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl), 0) FROM trades
		WHERE pnl IS NOT NULL AND created_at >= $1`, since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("realized pnl since %s: %w", since.Format(time.RFC3339), err)
	}
	return total, nil
}

// TradesSince returns trades created at or after the given time, oldest first.
func (r *Repo) TradesSince(ctx context.Context, since time.Time) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, market, side, order_type, price, quantity,
			total_amount, fee, slippage_percent, is_partial_fill, pnl,
			pnl_percent, strategy, regime, confidence, reason, simulated,
			created_at
		FROM trades
		WHERE created_at >= $1
		ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("trades since: %w", err)
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		var t Trade
		err := rows.Scan(
			&t.ID, &t.OrderID, &t.Market, &t.Side, &t.OrderType, &t.Price,
			&t.Quantity, &t.TotalAmount, &t.Fee, &t.SlippagePercent,
			&t.IsPartialFill, &t.Pnl, &t.PnlPercent, &t.Strategy, &t.Regime,
			&t.Confidence, &t.Reason, &t.Simulated, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// FirstTradeTime returns the creation time of the earliest trade, zero time
// when the table is empty.
func (r *Repo) FirstTradeTime(ctx context.Context) (time.Time, error) {
	var first *time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT MIN(created_at) FROM trades`).Scan(&first)
	if err != nil {
		return time.Time{}, fmt.Errorf("first trade time: %w", err)
	}
	if first == nil {
		return time.Time{}, nil
	}
	return *first, nil
}
