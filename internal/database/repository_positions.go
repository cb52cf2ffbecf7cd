package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const positionColumns = `id, strategy, market, side, status, entry_price,
	filled_quantity, target_quantity, avg_exit_price, stop_loss_percent,
	take_profit_percent, trailing_active, trailing_peak_price, timeout_at,
	exit_reason, exit_order_id, last_close_attempt_at, close_attempt_count,
	entry_time, exit_time, realized_pnl, realized_pnl_percent`

func scanPosition(row pgx.Row) (*Position, error) {
	var p Position
	err := row.Scan(
		&p.ID, &p.Strategy, &p.Market, &p.Side, &p.Status, &p.EntryPrice,
		&p.FilledQuantity, &p.TargetQuantity, &p.AvgExitPrice, &p.StopLossPercent,
		&p.TakeProfitPercent, &p.TrailingActive, &p.TrailingPeakPrice, &p.TimeoutAt,
		&p.ExitReason, &p.ExitOrderID, &p.LastCloseAttemptAt, &p.CloseAttemptCount,
		&p.EntryTime, &p.ExitTime, &p.RealizedPnl, &p.RealizedPnlPercent,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePosition inserts a new position row.
func (r *Repo) CreatePosition(ctx context.Context, p *Position) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions (
			id, strategy, market, side, status, entry_price, filled_quantity,
			target_quantity, stop_loss_percent, take_profit_percent,
			trailing_active, timeout_at, close_attempt_count, entry_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.Strategy, p.Market, p.Side, p.Status, p.EntryPrice,
		p.FilledQuantity, p.TargetQuantity, p.StopLossPercent, p.TakeProfitPercent,
		p.TrailingActive, p.TimeoutAt, p.CloseAttemptCount, p.EntryTime,
	)
	if err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

// UpdatePosition rewrites every mutable column of a position.
func (r *Repo) UpdatePosition(ctx context.Context, p *Position) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET
			status = $2,
			filled_quantity = $3,
			avg_exit_price = $4,
			trailing_active = $5,
			trailing_peak_price = $6,
			exit_reason = $7,
			exit_order_id = $8,
			last_close_attempt_at = $9,
			close_attempt_count = $10,
			exit_time = $11,
			realized_pnl = $12,
			realized_pnl_percent = $13
		WHERE id = $1`,
		p.ID, p.Status, p.FilledQuantity, p.AvgExitPrice, p.TrailingActive,
		p.TrailingPeakPrice, p.ExitReason, p.ExitOrderID, p.LastCloseAttemptAt,
		p.CloseAttemptCount, p.ExitTime, p.RealizedPnl, p.RealizedPnlPercent,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update position %s: not found", p.ID)
	}
	return nil
}

// GetPosition fetches one position by id, nil when absent.
func (r *Repo) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpenPositions returns positions in OPEN or CLOSING status, oldest first.
func (r *Repo) ListOpenPositions(ctx context.Context) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status IN ($1, $2)
		ORDER BY entry_time`, PositionOpen, PositionClosing)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountOpenPositions counts positions in OPEN or CLOSING status.
func (r *Repo) CountOpenPositions(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM positions WHERE status IN ($1, $2)`,
		PositionOpen, PositionClosing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// HasOpenPosition reports whether a market has a non-terminal position.
func (r *Repo) HasOpenPosition(ctx context.Context, market string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM positions WHERE market = $1 AND status IN ($2, $3)
		)`, market, PositionOpen, PositionClosing).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has open position %s: %w", market, err)
	}
	return exists, nil
}
