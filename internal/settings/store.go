// Package settings provides the DB-backed runtime settings store. Values live
// in the config_entries table and are cached in memory; writes go through to
// the database first, then update the cache.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/database"
)

// Well-known setting keys.
const (
	KeyTradingEnabled     = "trading.enabled"
	KeyOrderAmount        = "trading.order_amount"
	KeyMaxPositions       = "risk.max_positions"
	KeyDailyLossLimit     = "risk.daily_loss_limit"
	KeyMinHoldingValue    = "risk.min_holding_value"
	KeyMinHoldingSeconds  = "risk.min_holding_seconds"
	KeyBuyCooldownSec     = "risk.buy_cooldown_seconds"
	KeySellCooldownSec    = "risk.sell_cooldown_seconds"
	KeyCircuitState       = "circuit.state"
	KeySuspendedByRegime  = "trading.suspended_by_regime"
	KeyStopLossPercent    = "strategy.stop_loss_percent"
	KeyTakeProfitPercent  = "strategy.take_profit_percent"
	KeyTrailingPercent    = "strategy.trailing_percent"
	KeyPositionTimeoutMin = "strategy.position_timeout_minutes"
)

// Category names for ListByCategory.
const (
	CategoryTrading  = "trading"
	CategoryRisk     = "risk"
	CategoryStrategy = "strategy"
	CategoryCircuit  = "circuit"
)

// Repository is the slice of database.Repo the store needs.
type Repository interface {
	GetConfigEntry(ctx context.Context, key string) (*database.ConfigEntry, error)
	ListConfigEntries(ctx context.Context) ([]*database.ConfigEntry, error)
	ListConfigEntriesByCategory(ctx context.Context, category string) ([]*database.ConfigEntry, error)
	UpsertConfigEntry(ctx context.Context, e *database.ConfigEntry) error
	DeleteConfigEntry(ctx context.Context, key string) error
}

// Store caches config entries in memory with read-through to the database.
type Store struct {
	repo Repository

	mu    sync.RWMutex
	cache map[string]string
}

// NewStore creates a settings store.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:  repo,
		cache: make(map[string]string),
	}
}

// Warm preloads every entry into the cache.
func (s *Store) Warm(ctx context.Context) error {
	entries, err := s.repo.ListConfigEntries(ctx)
	if err != nil {
		return fmt.Errorf("warm settings: %w", err)
	}
	s.mu.Lock()
	for _, e := range entries {
		s.cache[e.Key] = e.Value
	}
	s.mu.Unlock()
	log.Info().Int("count", len(entries)).Msg("settings cache warmed")
	return nil
}

// Get returns the raw value for a key. found is false when the key does not
// exist in cache or database.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return v, true
	}

	entry, err := s.repo.GetConfigEntry(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("settings read failed")
		return "", false
	}
	if entry == nil {
		return "", false
	}

	s.mu.Lock()
	s.cache[key] = entry.Value
	s.mu.Unlock()
	return entry.Value, true
}

// GetBool returns the key parsed as bool, or def when missing or malformed.
func (s *Store) GetBool(ctx context.Context, key string, def bool) bool {
	v, ok := s.Get(ctx, key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetFloat returns the key parsed as float64, or def when missing or malformed.
func (s *Store) GetFloat(ctx context.Context, key string, def float64) float64 {
	v, ok := s.Get(ctx, key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetInt64 returns the key parsed as int64, or def when missing or malformed.
func (s *Store) GetInt64(ctx context.Context, key string, def int64) int64 {
	v, ok := s.Get(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Set writes a value through to the database, then the cache. The category is
// derived from the key prefix ("risk.max_positions" -> "risk").
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetEntry(ctx, key, value, "", "")
}

// SetEntry writes a value with an explicit category and description. An empty
// category falls back to the key prefix; an empty description leaves the
// stored description untouched.
func (s *Store) SetEntry(ctx context.Context, key, value, category, description string) error {
	if category == "" {
		category = categoryOf(key)
	}
	entry := &database.ConfigEntry{
		Key:      key,
		Value:    value,
		Category: &category,
	}
	if description != "" {
		entry.Description = &description
	}
	if err := s.repo.UpsertConfigEntry(ctx, entry); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

// SetBool writes a boolean value.
func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	return s.Set(ctx, key, strconv.FormatBool(value))
}

// SetFloat writes a float value.
func (s *Store) SetFloat(ctx context.Context, key string, value float64) error {
	return s.Set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64))
}

// Delete removes a key from the database and the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.repo.DeleteConfigEntry(ctx, key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// ListByCategory returns the persisted entries of one category, bypassing the
// cache so the result reflects the database.
func (s *Store) ListByCategory(ctx context.Context, category string) ([]*database.ConfigEntry, error) {
	return s.repo.ListConfigEntriesByCategory(ctx, category)
}

// List returns all persisted entries.
func (s *Store) List(ctx context.Context) ([]*database.ConfigEntry, error) {
	return s.repo.ListConfigEntries(ctx)
}

func categoryOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i]
		}
	}
	return "general"
}
