// Copyright 2024 The Wingman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// RedisCache is the distributed Cache backend.
type RedisCache struct {
	logger      *zap.Logger
	redisClient *redis.Client
	opTimeout   time.Duration
}

func NewRedisCache(logger *zap.Logger, config Config) *RedisCache {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.GetCache().RedisAddress,
		Password: config.GetCache().RedisPassword,
		DB:       config.GetCache().RedisDB,
	})

	opTimeout := time.Duration(config.GetCache().OperationTimeoutMs) * time.Millisecond
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}

	return &RedisCache{
		logger:      logger,
		redisClient: redisClient,
		opTimeout:   opTimeout,
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	value, err := c.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	return c.redisClient.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	return c.redisClient.Del(ctx, key).Err()
}

func (c *RedisCache) DeleteMatching(ctx context.Context, pattern string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.redisClient.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (c *RedisCache) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	count, err := c.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.redisClient.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (c *RedisCache) Stop() {
	if err := c.redisClient.Close(); err != nil {
		c.logger.Warn("Error closing Redis client", zap.Error(err))
	}
}

// FallbackCache serves from the distributed backend and falls back to the
// in-process cache when it is unreachable. Writes land on both so reads stay
// warm across an outage. Remote failures are absorbed, counted and logged at
// most once per interval; callers never observe them.
type FallbackCache struct {
	logger  *zap.Logger
	metrics Metrics

	remote *RedisCache
	local  *LocalCache

	lastWarnNs *atomic.Int64
}

const fallbackWarnInterval = 30 * time.Second

func NewFallbackCache(logger *zap.Logger, config Config, metrics Metrics, remote *RedisCache, local *LocalCache) *FallbackCache {
	return &FallbackCache{
		logger:  logger,
		metrics: metrics,

		remote: remote,
		local:  local,

		lastWarnNs: atomic.NewInt64(0),
	}
}

func (c *FallbackCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, found, err := c.remote.Get(ctx, key)
	if err != nil {
		c.recordFallback("get", err)
		return c.local.Get(ctx, key)
	}
	return value, found, nil
}

func (c *FallbackCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_ = c.local.Set(ctx, key, value, ttl)
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		c.recordFallback("set", err)
	}
	return nil
}

func (c *FallbackCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if err := c.remote.Delete(ctx, key); err != nil {
		c.recordFallback("delete", err)
	}
	return nil
}

func (c *FallbackCache) DeleteMatching(ctx context.Context, pattern string) error {
	_ = c.local.DeleteMatching(ctx, pattern)
	if err := c.remote.DeleteMatching(ctx, pattern); err != nil {
		c.recordFallback("delete_matching", err)
	}
	return nil
}

func (c *FallbackCache) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := c.remote.IncrementCounter(ctx, key, ttl)
	if err != nil {
		c.recordFallback("increment_counter", err)
		return c.local.IncrementCounter(ctx, key, ttl)
	}
	return count, nil
}

func (c *FallbackCache) Stop() {
	c.remote.Stop()
	c.local.Stop()
}

func (c *FallbackCache) recordFallback(op string, err error) {
	c.metrics.CacheFallback()

	now := time.Now().UnixNano()
	last := c.lastWarnNs.Load()
	if now-last >= int64(fallbackWarnInterval) && c.lastWarnNs.CAS(last, now) {
		c.logger.Warn("Distributed cache unavailable, serving from in-process cache", zap.String("op", op), zap.Error(err))
	}
}
