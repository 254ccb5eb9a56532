// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitConfig is one entry of SPEC_FULL's rate_limits.<name> config
// block: Rate tokens/sec, Capacity (burst) tokens.
type LimitConfig struct {
	Rate     float64
	Capacity int
}

// KeyedRateLimiter holds one golang.org/x/time/rate.Limiter per key
// (handler kind/name, executor target, downstream integration),
// created lazily from a per-key config, generalizing the teacher's
// hand-rolled per-integration token-bucket map onto the stdlib-grade
// x/time/rate implementation.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]LimitConfig
	dflt     LimitConfig
}

// NewKeyedRateLimiter returns a limiter using dflt for any key without
// an explicit Configure call.
func NewKeyedRateLimiter(dflt LimitConfig) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		configs:  make(map[string]LimitConfig),
		dflt:     dflt,
	}
}

// Configure sets a specific limit for key, overriding the default.
func (k *KeyedRateLimiter) Configure(key string, cfg LimitConfig) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.configs[key] = cfg
	delete(k.limiters, key)
}

func (k *KeyedRateLimiter) limiterFor(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	if l, ok := k.limiters[key]; ok {
		return l
	}
	cfg, ok := k.configs[key]
	if !ok {
		cfg = k.dflt
	}
	l := rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Capacity)
	k.limiters[key] = l
	return l
}

// Wait blocks until a token for key is available or ctx is done.
func (k *KeyedRateLimiter) Wait(ctx context.Context, key string) error {
	return k.limiterFor(key).Wait(ctx)
}

// Allow is the non-blocking check: true if a token was consumed.
func (k *KeyedRateLimiter) Allow(key string) bool {
	return k.limiterFor(key).Allow()
}

// SlidingWindowLimiter is §4.7's other rate limiter variant: it admits a
// call if fewer than maxCalls calls landed within the trailing
// windowSeconds, rather than a token-bucket's smoothed rate. Call
// timestamps older than the window are pruned lazily on each Allow.
type SlidingWindowLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	maxCalls int
	calls    []time.Time
	now      func() time.Time
}

// NewSlidingWindowLimiter returns a limiter admitting at most maxCalls
// calls in any trailing windowSeconds-wide window.
func NewSlidingWindowLimiter(windowSeconds float64, maxCalls int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		window:   time.Duration(windowSeconds * float64(time.Second)),
		maxCalls: maxCalls,
		now:      time.Now,
	}
}

// Allow reports whether a call is admitted, recording it if so.
func (s *SlidingWindowLimiter) Allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.window)

	live := s.calls[:0]
	for _, t := range s.calls {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	s.calls = live

	if len(s.calls) >= s.maxCalls {
		return false
	}
	s.calls = append(s.calls, now)
	return true
}

// KeyedSlidingWindowLimiter holds one SlidingWindowLimiter per key,
// created lazily from a per-key config, mirroring KeyedRateLimiter's
// lazy-creation shape for the sliding-window variant.
type KeyedSlidingWindowLimiter struct {
	mu       sync.Mutex
	limiters map[string]*SlidingWindowLimiter
	configs  map[string]SlidingWindowConfig
	dflt     SlidingWindowConfig
}

// SlidingWindowConfig is one entry of a sliding-window rate_limits
// block: WindowSeconds wide, admitting at most MaxCalls within it.
type SlidingWindowConfig struct {
	WindowSeconds float64
	MaxCalls      int
}

// NewKeyedSlidingWindowLimiter returns a limiter using dflt for any key
// without an explicit Configure call.
func NewKeyedSlidingWindowLimiter(dflt SlidingWindowConfig) *KeyedSlidingWindowLimiter {
	return &KeyedSlidingWindowLimiter{
		limiters: make(map[string]*SlidingWindowLimiter),
		configs:  make(map[string]SlidingWindowConfig),
		dflt:     dflt,
	}
}

// Configure sets a specific window/limit for key, overriding the default.
func (k *KeyedSlidingWindowLimiter) Configure(key string, cfg SlidingWindowConfig) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.configs[key] = cfg
	delete(k.limiters, key)
}

// Allow reports whether a call for key is admitted under its configured
// sliding window.
func (k *KeyedSlidingWindowLimiter) Allow(key string) bool {
	k.mu.Lock()
	if l, ok := k.limiters[key]; ok {
		k.mu.Unlock()
		return l.Allow()
	}
	cfg, ok := k.configs[key]
	if !ok {
		cfg = k.dflt
	}
	l := NewSlidingWindowLimiter(cfg.WindowSeconds, cfg.MaxCalls)
	k.limiters[key] = l
	k.mu.Unlock()
	return l.Allow()
}

// Limiter is the common, non-blocking shape both rate limiter variants
// satisfy, letting CompositeLimiter combine them without caring which
// kind backs any particular key.
type Limiter interface {
	Allow(key string) bool
}

// CompositeLimiter combines several keyed limiters with all-must-pass
// semantics (§4.7): a call is admitted only if every limiter admits it.
// Evaluation order matches the slice order passed to NewCompositeLimiter,
// and a limiter that denies short-circuits the rest so it never consumes
// a token/slot it won't use.
type CompositeLimiter struct {
	limiters []Limiter
}

// NewCompositeLimiter combines limiters into one all-must-pass gate.
func NewCompositeLimiter(limiters ...Limiter) *CompositeLimiter {
	return &CompositeLimiter{limiters: limiters}
}

// Allow reports whether every underlying limiter admits key.
func (c *CompositeLimiter) Allow(key string) bool {
	for _, l := range c.limiters {
		if !l.Allow(key) {
			return false
		}
	}
	return true
}
