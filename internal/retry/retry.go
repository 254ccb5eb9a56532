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

// Package retry implements the backoff strategies the dispatcher
// applies when deciding whether a FAILED run goes back to PENDING or
// down to the dead-letter queue (§4.4).
package retry

import (
	"math"
	"math/rand"
	"time"

	pkgerrors "github.com/tracklane/engine/pkg/errors"
)

// Strategy computes the delay before the next retry attempt and
// whether the category of the failing error is eligible at all.
type Strategy interface {
	// NextDelay returns how long to wait before retry attempt n
	// (1-based: the delay before the first retry is NextDelay(1)).
	NextDelay(attempt int) time.Duration

	// ShouldRetry reports whether attempt should be made at all, given
	// the policy's bound and the error's category.
	ShouldRetry(attempt, maxRetries int, cat pkgerrors.Category, nonRetryable []string) bool
}

func defaultShouldRetry(attempt, maxRetries int, cat pkgerrors.Category, nonRetryable []string) bool {
	if attempt > maxRetries {
		return false
	}
	for _, c := range nonRetryable {
		if string(cat) == c {
			return false
		}
	}
	return cat.IsRetryableByDefault()
}

// ExponentialBackoff doubles (by Multiplier) the delay on each attempt,
// capped at MaxDelay, with +/-Jitter fractional randomness.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// NewExponentialBackoff returns the engine's default exponential
// backoff shape (mirrors the teacher's DefaultRetryConfig).
func NewExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (e ExponentialBackoff) NextDelay(attempt int) time.Duration {
	backoff := float64(e.InitialDelay) * math.Pow(e.Multiplier, float64(attempt-1))
	if backoff > float64(e.MaxDelay) {
		backoff = float64(e.MaxDelay)
	}
	return applyJitter(backoff, e.Jitter)
}

func (e ExponentialBackoff) ShouldRetry(attempt, maxRetries int, cat pkgerrors.Category, nonRetryable []string) bool {
	return defaultShouldRetry(attempt, maxRetries, cat, nonRetryable)
}

// LinearBackoff grows the delay by a fixed Step per attempt, capped at
// MaxDelay.
type LinearBackoff struct {
	InitialDelay time.Duration
	Step         time.Duration
	MaxDelay     time.Duration
	Jitter       float64
}

func (l LinearBackoff) NextDelay(attempt int) time.Duration {
	backoff := float64(l.InitialDelay) + float64(l.Step)*float64(attempt-1)
	if backoff > float64(l.MaxDelay) {
		backoff = float64(l.MaxDelay)
	}
	return applyJitter(backoff, l.Jitter)
}

func (l LinearBackoff) ShouldRetry(attempt, maxRetries int, cat pkgerrors.Category, nonRetryable []string) bool {
	return defaultShouldRetry(attempt, maxRetries, cat, nonRetryable)
}

// ConstantBackoff waits the same Delay before every attempt.
type ConstantBackoff struct {
	Delay  time.Duration
	Jitter float64
}

func (c ConstantBackoff) NextDelay(attempt int) time.Duration {
	return applyJitter(float64(c.Delay), c.Jitter)
}

func (c ConstantBackoff) ShouldRetry(attempt, maxRetries int, cat pkgerrors.Category, nonRetryable []string) bool {
	return defaultShouldRetry(attempt, maxRetries, cat, nonRetryable)
}

func applyJitter(backoff, jitter float64) time.Duration {
	if jitter > 0 {
		jitterAmount := backoff * jitter
		backoff += (rand.Float64() * 2 * jitterAmount) - jitterAmount
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
