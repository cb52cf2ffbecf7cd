package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertOptimizerAudit appends one optimizer decision record.
func (r *Repo) InsertOptimizerAudit(ctx context.Context, a *OptimizerAudit) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO optimizer_audit (
			param_key, current_value, suggested_value, confidence, accepted,
			reject_reason, rationale
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ParamKey, a.CurrentValue, a.SuggestedValue, a.Confidence,
		a.Accepted, a.RejectReason, a.Rationale,
	)
	if err != nil {
		return fmt.Errorf("insert optimizer audit %s: %w", a.ParamKey, err)
	}
	return nil
}

// LastAcceptedParamWrite returns the time of the most recent accepted change
// for a parameter, zero time when it was never changed.
func (r *Repo) LastAcceptedParamWrite(ctx context.Context, paramKey string) (time.Time, error) {
	var at time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT created_at FROM optimizer_audit
		WHERE param_key = $1 AND accepted
		ORDER BY created_at DESC LIMIT 1`, paramKey).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last accepted write %s: %w", paramKey, err)
	}
	return at, nil
}

// RecentAudits returns the newest audit rows, most recent first.
func (r *Repo) RecentAudits(ctx context.Context, limit int) ([]*OptimizerAudit, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, param_key, current_value, suggested_value, confidence,
			accepted, reject_reason, rationale, created_at
		FROM optimizer_audit
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audits: %w", err)
	}
	defer rows.Close()

	var out []*OptimizerAudit
	for rows.Next() {
		var a OptimizerAudit
		err := rows.Scan(
			&a.ID, &a.ParamKey, &a.CurrentValue, &a.SuggestedValue,
			&a.Confidence, &a.Accepted, &a.RejectReason, &a.Rationale,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
