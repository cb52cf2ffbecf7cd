package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetConfigEntry fetches one config entry by key, nil when absent.
func (r *Repo) GetConfigEntry(ctx context.Context, key string) (*ConfigEntry, error) {
	var e ConfigEntry
	err := r.db.Pool.QueryRow(ctx, `
		SELECT key, value, category, description, updated_at
		FROM config_entries WHERE key = $1`, key).
		Scan(&e.Key, &e.Value, &e.Category, &e.Description, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", key, err)
	}
	return &e, nil
}

// ListConfigEntries returns all config entries ordered by key.
func (r *Repo) ListConfigEntries(ctx context.Context) ([]*ConfigEntry, error) {
	return r.listConfig(ctx, `
		SELECT key, value, category, description, updated_at
		FROM config_entries ORDER BY key`)
}

// ListConfigEntriesByCategory returns the entries of one category.
func (r *Repo) ListConfigEntriesByCategory(ctx context.Context, category string) ([]*ConfigEntry, error) {
	return r.listConfig(ctx, `
		SELECT key, value, category, description, updated_at
		FROM config_entries WHERE category = $1 ORDER BY key`, category)
}

func (r *Repo) listConfig(ctx context.Context, query string, args ...any) ([]*ConfigEntry, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	var out []*ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Category, &e.Description, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan config entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// UpsertConfigEntry writes a config entry, overwriting any existing value.
func (r *Repo) UpsertConfigEntry(ctx context.Context, e *ConfigEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO config_entries (key, value, category, description, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			category = COALESCE(EXCLUDED.category, config_entries.category),
			description = COALESCE(EXCLUDED.description, config_entries.description),
			updated_at = NOW()`,
		e.Key, e.Value, e.Category, e.Description,
	)
	if err != nil {
		return fmt.Errorf("upsert config %s: %w", e.Key, err)
	}
	return nil
}

// DeleteConfigEntry removes a config entry. Missing keys are not an error.
func (r *Repo) DeleteConfigEntry(ctx context.Context, key string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM config_entries WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}
