// Package cache provides a short-TTL cache of open positions in front of the
// database, backed by Redis with a transparent in-memory fallback when Redis
// is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/database"
)

const (
	openPositionsKey = "trader:positions:open"
	positionsTTL     = 5 * time.Second
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// PositionCache caches the open-position list. Entries expire after a few
// seconds so the database stays the source of truth.
type PositionCache struct {
	rdb       *redis.Client
	available atomic.Bool

	mu        sync.RWMutex
	fallback  []byte
	expiresAt time.Time
}

// NewPositionCache connects to Redis. A failed connection is not fatal; the
// cache degrades to the in-memory fallback and retries on later writes.
func NewPositionCache(ctx context.Context, cfg Config) *PositionCache {
	c := &PositionCache{}
	if cfg.Addr == "" {
		log.Info().Msg("redis not configured, using in-memory position cache")
		return c
	}

	c.rdb = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, using in-memory position cache")
		return c
	}
	c.available.Store(true)
	log.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return c
}

// Close releases the Redis connection.
func (c *PositionCache) Close() {
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
}

// Available reports whether Redis is currently serving the cache.
func (c *PositionCache) Available() bool {
	return c.available.Load()
}

// SetOpenPositions stores the open-position list.
func (c *PositionCache) SetOpenPositions(ctx context.Context, positions []*database.Position) {
	raw, err := json.Marshal(positions)
	if err != nil {
		log.Error().Err(err).Msg("position cache marshal failed")
		return
	}

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, openPositionsKey, raw, positionsTTL).Err(); err != nil {
			if c.available.Swap(false) {
				log.Warn().Err(err).Msg("redis write failed, falling back to memory")
			}
		} else {
			c.available.Store(true)
		}
	}

	c.mu.Lock()
	c.fallback = raw
	c.expiresAt = time.Now().Add(positionsTTL)
	c.mu.Unlock()
}

// GetOpenPositions returns the cached list, or found=false on a miss.
func (c *PositionCache) GetOpenPositions(ctx context.Context) ([]*database.Position, bool) {
	raw, ok := c.fetch(ctx)
	if !ok {
		return nil, false
	}
	var positions []*database.Position
	if err := json.Unmarshal(raw, &positions); err != nil {
		log.Warn().Err(err).Msg("position cache unmarshal failed")
		return nil, false
	}
	return positions, true
}

func (c *PositionCache) fetch(ctx context.Context) ([]byte, bool) {
	if c.rdb != nil && c.available.Load() {
		raw, err := c.rdb.Get(ctx, openPositionsKey).Bytes()
		if err == nil {
			return raw, true
		}
		if err != redis.Nil {
			if c.available.Swap(false) {
				log.Warn().Err(err).Msg("redis read failed, falling back to memory")
			}
		} else {
			return nil, false
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fallback == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.fallback, true
}

// Invalidate drops the cached list so the next read goes to the database.
func (c *PositionCache) Invalidate(ctx context.Context) {
	if c.rdb != nil && c.available.Load() {
		if err := c.rdb.Del(ctx, openPositionsKey).Err(); err != nil && err != redis.Nil {
			log.Warn().Err(err).Msg("redis invalidate failed")
		}
	}
	c.mu.Lock()
	c.fallback = nil
	c.mu.Unlock()
}

// HealthCheck pings Redis; nil when the in-memory fallback is in use.
func (c *PositionCache) HealthCheck(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
