/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for frequently accessed data.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/models"
)

// Default TTL values for different cache types
const (
	DefaultChannelListTTL = 5 * time.Minute
	DefaultChannelTTL     = 30 * time.Minute
	DefaultTemplateTTL    = 1 * time.Hour
	DefaultNowAiringTTL   = 10 * time.Second
)

// Key prefixes for Redis cache
const (
	KeyChannelList = "retrovue:cache:channels"
	KeyChannel     = "retrovue:cache:channel:"    // + slug
	KeyTemplate    = "retrovue:cache:template:"   // + template_id
	KeyNowAiring   = "retrovue:cache:now_airing:" // + channel_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	ChannelListTTL time.Duration
	ChannelTTL     time.Duration
	TemplateTTL    time.Duration
	NowAiringTTL   time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		ChannelListTTL: DefaultChannelListTTL,
		ChannelTTL:     DefaultChannelTTL,
		TemplateTTL:    DefaultTemplateTTL,
		NowAiringTTL:   DefaultNowAiringTTL,
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

// New creates a new cache instance. A missing Redis is not an error:
// the cache degrades to a no-op and the callers hit the database.
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

// handleError handles Redis errors with circuit breaker logic.
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

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// Channel caching methods

// GetChannelList retrieves the cached list of active channels.
func (c *Cache) GetChannelList(ctx context.Context) ([]models.Channel, bool) {
	var channels []models.Channel
	found, err := c.get(ctx, KeyChannelList, &channels)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Int("count", len(channels)).Msg("channel list cache hit")
	return channels, true
}

// SetChannelList caches the list of active channels.
func (c *Cache) SetChannelList(ctx context.Context, channels []models.Channel) {
	if err := c.set(ctx, KeyChannelList, channels, c.config.ChannelListTTL); err == nil {
		c.logger.Debug().Int("count", len(channels)).Msg("channel list cached")
	}
}

// GetChannel retrieves a cached channel by slug.
func (c *Cache) GetChannel(ctx context.Context, slug string) (models.Channel, bool) {
	var ch models.Channel
	found, err := c.get(ctx, KeyChannel+slug, &ch)
	if err != nil || !found {
		return models.Channel{}, false
	}
	return ch, true
}

// SetChannel caches a channel by slug.
func (c *Cache) SetChannel(ctx context.Context, ch models.Channel) {
	_ = c.set(ctx, KeyChannel+ch.Slug, ch, c.config.ChannelTTL)
}

// InvalidateChannels drops the channel list and a single channel entry.
// Called by the operator API after channel writes.
func (c *Cache) InvalidateChannels(ctx context.Context, slug string) {
	_ = c.delete(ctx, KeyChannelList)
	if slug != "" {
		_ = c.delete(ctx, KeyChannel+slug)
	}
}

// Template caching methods

// GetTemplate retrieves a cached published template.
func (c *Cache) GetTemplate(ctx context.Context, id string) (models.ScheduleTemplate, bool) {
	var tmpl models.ScheduleTemplate
	found, err := c.get(ctx, KeyTemplate+id, &tmpl)
	if err != nil || !found {
		return models.ScheduleTemplate{}, false
	}
	return tmpl, true
}

// SetTemplate caches a template. Only published templates are worth
// caching since drafts change under the operator's hands.
func (c *Cache) SetTemplate(ctx context.Context, tmpl models.ScheduleTemplate) {
	if !tmpl.Published() {
		return
	}
	_ = c.set(ctx, KeyTemplate+tmpl.ID, tmpl, c.config.TemplateTTL)
}

// Now-airing caching methods

// NowAiringEntry is the cached answer to "what is on channel X right now".
type NowAiringEntry struct {
	ChannelID string    `json:"channel_id"`
	AssetID   string    `json:"asset_id"`
	Title     string    `json:"title"`
	StartUTC  time.Time `json:"start_utc"`
	EndUTC    time.Time `json:"end_utc"`
	Gap       bool      `json:"gap"`
}

// GetNowAiring retrieves the cached now-airing entry for a channel.
func (c *Cache) GetNowAiring(ctx context.Context, channelID string) (NowAiringEntry, bool) {
	var entry NowAiringEntry
	found, err := c.get(ctx, KeyNowAiring+channelID, &entry)
	if err != nil || !found {
		return NowAiringEntry{}, false
	}
	return entry, true
}

// SetNowAiring caches the now-airing entry with a short TTL.
func (c *Cache) SetNowAiring(ctx context.Context, entry NowAiringEntry) {
	_ = c.set(ctx, KeyNowAiring+entry.ChannelID, entry, c.config.NowAiringTTL)
}
