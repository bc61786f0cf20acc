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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("cache down")
}
func (failingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) Delete(ctx context.Context, key string) error { return errors.New("cache down") }
func (failingCache) DeleteMatching(ctx context.Context, pattern string) error {
	return errors.New("cache down")
}
func (failingCache) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("cache down")
}
func (failingCache) Stop() {}

func newTestLimiter(t *testing.T) (*RateLimiter, *time.Time) {
	cache := NewLocalCache(logger, cfg)
	t.Cleanup(cache.Stop)

	now := time.Now()
	limiter := NewRateLimiter(logger, cfg, metrics, cache)
	limiter.nowFn = func() time.Time { return now }
	return limiter, &now
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	ctx := context.Background()
	limiter, now := newTestLimiter(t)
	policy := RateLimitPolicy{Name: "test_policy", Capacity: 2, RefillRate: 1}

	result := limiter.Consume(ctx, policy, "user-a", 1)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1.0, result.TokensRemaining)

	result = limiter.Consume(ctx, policy, "user-a", 1)
	assert.True(t, result.Allowed)
	assert.Equal(t, 0.0, result.TokensRemaining)

	t.Run("empty bucket denies with refill hint", func(t *testing.T) {
		result := limiter.Consume(ctx, policy, "user-a", 1)
		assert.False(t, result.Allowed)
		assert.Equal(t, time.Second, result.RetryAfter)
	})

	t.Run("partial refill shortens the hint", func(t *testing.T) {
		*now = now.Add(500 * time.Millisecond)
		result := limiter.Consume(ctx, policy, "user-a", 1)
		assert.False(t, result.Allowed)
		assert.Equal(t, 500*time.Millisecond, result.RetryAfter)
	})

	t.Run("full token admits again", func(t *testing.T) {
		*now = now.Add(500 * time.Millisecond)
		result := limiter.Consume(ctx, policy, "user-a", 1)
		assert.True(t, result.Allowed)
	})

	t.Run("idle bucket refills only to capacity", func(t *testing.T) {
		*now = now.Add(time.Hour)
		assert.True(t, limiter.Consume(ctx, policy, "user-a", 1).Allowed)
		assert.True(t, limiter.Consume(ctx, policy, "user-a", 1).Allowed)
		assert.False(t, limiter.Consume(ctx, policy, "user-a", 1).Allowed)
	})
}

func TestRateLimiterIsolatesIdentifiers(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t)
	policy := RateLimitPolicy{Name: "test_isolation", Capacity: 1, RefillRate: 1}

	assert.True(t, limiter.Consume(ctx, policy, "user-a", 1).Allowed)
	assert.False(t, limiter.Consume(ctx, policy, "user-a", 1).Allowed)
	// A different identifier has its own bucket.
	assert.True(t, limiter.Consume(ctx, policy, "user-b", 1).Allowed)
}

func TestRateLimiterChatPolicy(t *testing.T) {
	ctx := context.Background()
	limiter, now := newTestLimiter(t)

	result := limiter.Consume(ctx, RateLimitChat, "user-a", 1)
	assert.True(t, result.Allowed)

	result = limiter.Consume(ctx, RateLimitChat, "user-a", 1)
	assert.False(t, result.Allowed)
	assert.Equal(t, 500*time.Millisecond, result.RetryAfter)

	*now = now.Add(500 * time.Millisecond)
	assert.True(t, limiter.Consume(ctx, RateLimitChat, "user-a", 1).Allowed)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(logger, cfg, metrics, failingCache{})
	policy := RateLimitPolicy{Name: "test_fail_open", Capacity: 1, RefillRate: 1}

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Consume(ctx, policy, "user-a", 1).Allowed)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	ctx := context.Background()
	cache := NewLocalCache(logger, cfg)
	defer cache.Stop()

	disabledCfg := NewConfig()
	disabledCfg.RateLimit.Enabled = false
	limiter := NewRateLimiter(logger, disabledCfg, metrics, cache)

	for i := 0; i < 5; i++ {
		result := limiter.Consume(ctx, RateLimitChat, "user-a", 1)
		assert.True(t, result.Allowed)
		assert.Equal(t, RateLimitChat.Capacity, result.TokensRemaining)
	}
}
