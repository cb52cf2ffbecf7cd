package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// InsertLifecycleEvent appends one lifecycle event. For fill events the
// partial unique index enforces at most one per (order_id, event_type); the
// bool return reports whether the row was actually inserted.
func (r *Repo) InsertLifecycleEvent(ctx context.Context, e *LifecycleEvent) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO lifecycle_events (
			order_id, market, side, event_type, strategy_group, strategy_code,
			price, quantity, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		e.OrderID, e.Market, e.Side, e.EventType, e.StrategyGroup,
		e.StrategyCode, e.Price, e.Quantity, e.Message,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("insert lifecycle event %s: %w", e.EventType, err)
	}
	return tag.RowsAffected() > 0, nil
}

// HasFillEvent reports whether a fill event was already recorded for an order.
func (r *Repo) HasFillEvent(ctx context.Context, orderID, eventType string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM lifecycle_events
			WHERE order_id = $1 AND event_type = $2
		)`, orderID, eventType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has fill event %s/%s: %w", orderID, eventType, err)
	}
	return exists, nil
}

// LifecycleEventsBetween returns events in [from, to), oldest first.
func (r *Repo) LifecycleEventsBetween(ctx context.Context, from, to time.Time) ([]*LifecycleEvent, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, market, side, event_type, strategy_group,
			strategy_code, price, quantity, message, created_at
		FROM lifecycle_events
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("lifecycle events between: %w", err)
	}
	defer rows.Close()

	var out []*LifecycleEvent
	for rows.Next() {
		var e LifecycleEvent
		err := rows.Scan(
			&e.ID, &e.OrderID, &e.Market, &e.Side, &e.EventType,
			&e.StrategyGroup, &e.StrategyCode, &e.Price, &e.Quantity,
			&e.Message, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LifecycleCountsByGroup aggregates event counts per strategy group and event
// type in [from, to).
func (r *Repo) LifecycleCountsByGroup(ctx context.Context, from, to time.Time) (map[string]map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy_group, event_type, COUNT(*)
		FROM lifecycle_events
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY strategy_group, event_type`, from, to)
	if err != nil {
		return nil, fmt.Errorf("lifecycle counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var group, eventType string
		var n int
		if err := rows.Scan(&group, &eventType, &n); err != nil {
			return nil, fmt.Errorf("scan lifecycle count: %w", err)
		}
		if counts[group] == nil {
			counts[group] = make(map[string]int)
		}
		counts[group][eventType] = n
	}
	return counts, rows.Err()
}
