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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry holds one gobreaker.CircuitBreaker per named
// downstream (handler kind/name, executor, external dependency),
// created lazily on first use so callers never have to pre-register
// every name up front.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[map[string]any]
	settings BreakerSettings
	logger   *slog.Logger
}

// BreakerSettings configures every breaker the registry creates.
type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureRatio is the fraction of requests (over at least
	// MinRequests samples) that must fail to trip the breaker open.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerSettings mirrors a conservative default: trip after
// 60% failures across at least 5 requests, stay open 30s, allow 3
// trial requests in half-open.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

// NewBreakerRegistry returns a registry using settings for every
// breaker it lazily creates.
func NewBreakerRegistry(settings BreakerSettings, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker[map[string]any]),
		settings: settings,
		logger:   logger.With(slog.String("component", "circuit_breaker")),
	}
}

func (r *BreakerRegistry) get(name string) *gobreaker.CircuitBreaker[map[string]any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	logger := r.logger
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: r.settings.MaxRequests,
		Interval:    r.settings.Interval,
		Timeout:     r.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < r.settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= r.settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	}
	b := gobreaker.NewCircuitBreaker[map[string]any](settings)
	r.breakers[name] = b
	return b
}

// Execute runs fn through the named breaker, short-circuiting with
// gobreaker.ErrOpenState if it is currently open.
func (r *BreakerRegistry) Execute(ctx context.Context, name string, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	b := r.get(name)
	out, err := b.Execute(func() (map[string]any, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("circuit breaker %q: %w", name, err)
	}
	return out, nil
}

// State reports the current state of the named breaker, creating it
// (in the closed state) if it does not yet exist.
func (r *BreakerRegistry) State(name string) gobreaker.State {
	return r.get(name).State()
}
