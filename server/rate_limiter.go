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
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimitPolicy names a token bucket shape. Capacity bounds the burst,
// RefillRate is tokens added per second.
type RateLimitPolicy struct {
	Name       string
	Capacity   float64
	RefillRate float64
}

var (
	RateLimitPublicAPI       = RateLimitPolicy{Name: "public_api", Capacity: 100, RefillRate: 1}
	RateLimitAuth            = RateLimitPolicy{Name: "auth", Capacity: 10, RefillRate: 0.1}
	RateLimitMatchRequest    = RateLimitPolicy{Name: "match_request", Capacity: 5, RefillRate: 0.05}
	RateLimitEmail           = RateLimitPolicy{Name: "email", Capacity: 3, RefillRate: 0.01}
	RateLimitChallengeSubmit = RateLimitPolicy{Name: "challenge_submit", Capacity: 20, RefillRate: 0.2}
	RateLimitChat            = RateLimitPolicy{Name: "chat", Capacity: 1, RefillRate: 2}
)

type RateLimitResult struct {
	Allowed         bool
	TokensRemaining float64
	RetryAfter      time.Duration
}

// RateLimitedError is returned by operations denied by a bucket. It carries
// the refill hint surfaced to clients as the Retry-After header.
type RateLimitedError struct {
	Policy     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded for " + e.Policy
}

type rateLimitBucket struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

const rateLimiterStripeCount = 128

// RateLimiter admits or rejects operations against named token buckets kept
// in the cache. Buckets refill continuously and expire once idle long enough
// to have refilled completely. A cache outage fails open so rate limiting
// never takes the API down with it.
type RateLimiter struct {
	logger  *zap.Logger
	config  Config
	metrics Metrics
	cache   Cache

	// Guards read-modify-write per bucket within this process. Cross-process
	// admission is best effort, same as the cache itself.
	stripes [rateLimiterStripeCount]sync.Mutex

	nowFn func() time.Time
}

func NewRateLimiter(logger *zap.Logger, config Config, metrics Metrics, cache Cache) *RateLimiter {
	return &RateLimiter{
		logger:  logger,
		config:  config,
		metrics: metrics,
		cache:   cache,

		nowFn: time.Now,
	}
}

// Consume attempts to take tokens from the bucket identified by policy and
// identifier. The returned RetryAfter is non-zero only on denial.
func (r *RateLimiter) Consume(ctx context.Context, policy RateLimitPolicy, identifier string, tokens float64) RateLimitResult {
	if !r.config.GetRateLimit().Enabled {
		return RateLimitResult{Allowed: true, TokensRemaining: policy.Capacity}
	}
	if tokens <= 0 {
		tokens = 1
	}

	key := cacheKeyRateLimitPrefix + policy.Name + ":" + identifier

	stripe := r.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	now := r.nowFn()

	bucket := rateLimitBucket{
		Tokens:     policy.Capacity,
		LastRefill: now.UnixNano(),
		Capacity:   policy.Capacity,
		RefillRate: policy.RefillRate,
	}

	value, found, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("Rate limit state unavailable, allowing request", zap.String("policy", policy.Name), zap.Error(err))
		return RateLimitResult{Allowed: true, TokensRemaining: policy.Capacity}
	}
	if found {
		if err := json.Unmarshal([]byte(value), &bucket); err != nil {
			// Unreadable state is discarded and the bucket starts full.
			bucket = rateLimitBucket{Tokens: policy.Capacity, LastRefill: now.UnixNano()}
		}
		elapsed := time.Duration(now.UnixNano() - bucket.LastRefill).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		bucket.Tokens += elapsed * policy.RefillRate
		if bucket.Tokens > policy.Capacity {
			bucket.Tokens = policy.Capacity
		}
	}
	bucket.LastRefill = now.UnixNano()
	bucket.Capacity = policy.Capacity
	bucket.RefillRate = policy.RefillRate

	result := RateLimitResult{}
	if bucket.Tokens >= tokens {
		bucket.Tokens -= tokens
		result.Allowed = true
		result.TokensRemaining = bucket.Tokens
	} else {
		result.TokensRemaining = bucket.Tokens
		result.RetryAfter = time.Duration((tokens - bucket.Tokens) / policy.RefillRate * float64(time.Second))
		r.metrics.RateLimitDropped(policy.Name)
	}

	payload, _ := json.Marshal(&bucket)
	ttl := time.Duration(policy.Capacity/policy.RefillRate*float64(time.Second)) + 60*time.Second
	if err := r.cache.Set(ctx, key, string(payload), ttl); err != nil {
		r.logger.Warn("Failed to persist rate limit state", zap.String("policy", policy.Name), zap.Error(err))
	}

	return result
}

func (r *RateLimiter) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.stripes[h.Sum32()%rateLimiterStripeCount]
}
