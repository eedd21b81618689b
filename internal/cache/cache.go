/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based read cache for poll-heavy session
// state. Host, assistant, and jumbotron clients poll every 1-3 seconds, so
// short TTLs plus bus-driven invalidation keep reads off the database.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/recordroom/needledrop/internal/eventbus"
	"github.com/recordroom/needledrop/internal/events"
	"github.com/recordroom/needledrop/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values for different cache types
const (
	DefaultStateTTL = 2 * time.Second
	DefaultCallsTTL = 10 * time.Second
	DefaultCardsTTL = 5 * time.Minute
)

// Key prefixes for Redis cache
const (
	KeyState = "needledrop:cache:state:" // + session_id
	KeyCalls = "needledrop:cache:calls:" // + session_id
	KeyCards = "needledrop:cache:cards:" // + session_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StateTTL time.Duration
	CallsTTL time.Duration
	CardsTTL time.Duration

	// Fallback behavior
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		StateTTL:       DefaultStateTTL,
		CallsTTL:       DefaultCallsTTL,
		CardsTTL:       DefaultCardsTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// Get retrieves a cached value into dest. Returns false on miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if !c.IsAvailable() {
		return false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		telemetry.CacheHitsTotal.WithLabelValues("miss").Inc()
		return false
	}
	if err != nil {
		c.handleError(err, "get")
		telemetry.CacheHitsTotal.WithLabelValues("error").Inc()
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, dropping")
		c.client.Del(ctx, key)
		return false
	}

	telemetry.CacheHitsTotal.WithLabelValues("hit").Inc()
	return true
}

// Set stores a value under key with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.IsAvailable() {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache marshal failed")
		return
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
	}
}

// Invalidate removes keys from the cache.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if !c.IsAvailable() || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.handleError(err, "del")
	}
}

// InvalidateSession drops every cached view of a session.
func (c *Cache) InvalidateSession(ctx context.Context, sessionID string) {
	c.Invalidate(ctx,
		KeyState+sessionID,
		KeyCalls+sessionID,
		KeyCards+sessionID,
	)
}

// StartInvalidationListener subscribes to cache invalidation events and
// drops affected keys until ctx is cancelled.
func (c *Cache) StartInvalidationListener(ctx context.Context, bus eventbus.Bus) {
	sessionUpdated := bus.Subscribe(events.EventSessionUpdated)
	callsUpdated := bus.Subscribe(events.EventCallsUpdated)
	cardsUpdated := bus.Subscribe(events.EventCardsUpdated)

	defer func() {
		bus.Unsubscribe(events.EventSessionUpdated, sessionUpdated)
		bus.Unsubscribe(events.EventCallsUpdated, callsUpdated)
		bus.Unsubscribe(events.EventCardsUpdated, cardsUpdated)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case payload := <-sessionUpdated:
			if id, ok := payload["session_id"].(string); ok {
				c.Invalidate(ctx, KeyState+id)
			}

		case payload := <-callsUpdated:
			if id, ok := payload["session_id"].(string); ok {
				c.Invalidate(ctx, KeyState+id, KeyCalls+id)
			}

		case payload := <-cardsUpdated:
			if id, ok := payload["session_id"].(string); ok {
				c.Invalidate(ctx, KeyCards+id)
			}
		}
	}
}
