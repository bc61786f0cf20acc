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
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache key layout used by the core. Every value is recomputable from the
// database, so the cache is advisory and safe to lose.
const (
	cacheKeyReputationPrefix  = "reputation:user:"
	cacheKeyChallengesAll     = "challenges:all"
	cacheKeyChallengesPrefix  = "challenges:difficulty:"
	cacheKeySessionPrefix     = "session:"
	cacheKeyRateLimitPrefix   = "rate_limit:"
	cacheTTLReputation        = 300 * time.Second
	cacheTTLChallenges        = 1800 * time.Second
	cacheTTLSession           = 1800 * time.Second
)

// Cache is the hot-read and counter store shared by reputation, challenges,
// session context and the rate limiter. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value with a per-key TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteMatching removes every key matching a pattern with '*' wildcards.
	DeleteMatching(ctx context.Context, pattern string) error
	// IncrementCounter adds one to an integer value, creating it with the
	// given TTL when absent, and returns the new count.
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Stop releases background resources.
	Stop()
}

// NewCache selects the backend from config: Redis fronted by an in-process
// shadow when an address is configured, in-process only otherwise. Callers
// never branch on the backend identity.
func NewCache(logger *zap.Logger, config Config, metrics Metrics) Cache {
	var backend Cache
	if config.GetCache().RedisAddress == "" {
		logger.Info("Cache backend configured", zap.String("backend", "local"))
		backend = NewLocalCache(logger, config)
	} else {
		logger.Info("Cache backend configured", zap.String("backend", "redis"), zap.String("address", config.GetCache().RedisAddress))
		backend = NewFallbackCache(logger, config, metrics, NewRedisCache(logger, config), NewLocalCache(logger, config))
	}
	return &instrumentedCache{Cache: backend, metrics: metrics}
}

// instrumentedCache counts hits and misses on every read.
type instrumentedCache struct {
	Cache
	metrics Metrics
}

func (c *instrumentedCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, found, err := c.Cache.Get(ctx, key)
	if err == nil {
		if found {
			c.metrics.CacheHit()
		} else {
			c.metrics.CacheMiss()
		}
	}
	return value, found, err
}

type localCacheEntry struct {
	value      string
	expireTime time.Time
}

// LocalCache is a process-local Cache with per-key expiry and a background
// sweep that evicts expired entries.
type LocalCache struct {
	sync.RWMutex
	logger *zap.Logger

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	entries map[string]localCacheEntry
}

func NewLocalCache(logger *zap.Logger, config Config) *LocalCache {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	c := &LocalCache{
		logger: logger,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		entries: make(map[string]localCacheEntry),
	}

	sweepInterval := time.Duration(config.GetCache().SweepIntervalSec) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		for {
			select {
			case <-c.ctx.Done():
				ticker.Stop()
				return
			case t := <-ticker.C:
				c.sweep(t)
			}
		}
	}()

	return c
}

func (c *LocalCache) sweep(t time.Time) {
	c.Lock()
	for key, entry := range c.entries {
		if entry.expireTime.Before(t) {
			delete(c.entries, key)
		}
	}
	c.Unlock()
}

func (c *LocalCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.RLock()
	entry, found := c.entries[key]
	c.RUnlock()
	if !found || entry.expireTime.Before(time.Now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *LocalCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.Lock()
	c.entries[key] = localCacheEntry{
		value:      value,
		expireTime: time.Now().Add(ttl),
	}
	c.Unlock()
	return nil
}

func (c *LocalCache) Delete(ctx context.Context, key string) error {
	c.Lock()
	delete(c.entries, key)
	c.Unlock()
	return nil
}

func (c *LocalCache) DeleteMatching(ctx context.Context, pattern string) error {
	c.Lock()
	for key := range c.entries {
		if wildcardMatch(pattern, key) {
			delete(c.entries, key)
		}
	}
	c.Unlock()
	return nil
}

func (c *LocalCache) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()
	c.Lock()
	defer c.Unlock()

	entry, found := c.entries[key]
	if !found || entry.expireTime.Before(now) {
		c.entries[key] = localCacheEntry{value: "1", expireTime: now.Add(ttl)}
		return 1, nil
	}

	count, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		// The key holds a non-counter value, reset it rather than fail.
		c.entries[key] = localCacheEntry{value: "1", expireTime: now.Add(ttl)}
		return 1, nil
	}
	count++
	c.entries[key] = localCacheEntry{value: strconv.FormatInt(count, 10), expireTime: entry.expireTime}
	return count, nil
}

func (c *LocalCache) Stop() {
	c.ctxCancelFn()
}

// wildcardMatch reports whether the key matches a glob-style pattern where
// '*' matches any run of characters. Matches the subset of patterns Redis
// SCAN supports that the core actually uses.
func wildcardMatch(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}

	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]

	last := len(parts) - 1
	for i := 1; i < last; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}

	return strings.HasSuffix(key, parts[last])
}
