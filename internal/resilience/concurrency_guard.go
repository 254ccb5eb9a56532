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

// Package resilience carries the dispatcher's non-functional
// protections: a DB-backed concurrency guard (the ledger's advisory
// lock table as a distributed mutex), a circuit breaker per downstream
// handler, and keyed rate limiting.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracklane/engine/internal/ledger"
)

// ConcurrencyGuard serializes access to a named resource across
// dispatcher instances using ledger.LockStore's TTL advisory locks —
// the same pg_try_advisory_lock-style "attempt, verify, retry on a
// ticker" shape the reference leader elector uses, generalized from a
// single global lock to arbitrary keys (one per WorkSpec idempotency
// scope, one per reconciler lease, etc).
type ConcurrencyGuard struct {
	store         ledger.LockStore
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewConcurrencyGuard returns a guard backed by store, retrying a
// failed acquisition every retryInterval until the caller's context is
// done. A non-positive retryInterval defaults to 2 seconds.
func NewConcurrencyGuard(store ledger.LockStore, retryInterval time.Duration, logger *slog.Logger) *ConcurrencyGuard {
	if retryInterval <= 0 {
		retryInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConcurrencyGuard{store: store, retryInterval: retryInterval, logger: logger.With(slog.String("component", "concurrency_guard"))}
}

// Held represents an acquired lock; Release must be called exactly
// once to give it up early, though it also expires on its own via ttl.
type Held struct {
	guard      *ConcurrencyGuard
	key        string
	ownerRunID string
}

// Release gives up the lock before its TTL expires.
func (h *Held) Release(ctx context.Context) error {
	return h.guard.store.ReleaseLock(ctx, h.key, h.ownerRunID)
}

// TryAcquire attempts a single non-blocking acquisition, returning
// (nil, false, nil) if the key is already locked by someone else.
func (g *ConcurrencyGuard) TryAcquire(ctx context.Context, key, ownerRunID string, ttl time.Duration) (*Held, bool, error) {
	ok, err := g.store.AcquireLock(ctx, key, ownerRunID, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("concurrency guard: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Held{guard: g, key: key, ownerRunID: ownerRunID}, true, nil
}

// Acquire blocks, retrying on retryInterval, until the lock is
// obtained or ctx is done.
func (g *ConcurrencyGuard) Acquire(ctx context.Context, key, ownerRunID string, ttl time.Duration) (*Held, error) {
	h, ok, err := g.TryAcquire(ctx, key, ownerRunID, ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return h, nil
	}

	ticker := time.NewTicker(g.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			h, ok, err := g.TryAcquire(ctx, key, ownerRunID, ttl)
			if err != nil {
				g.logger.Warn("lock acquisition attempt failed", slog.String("key", key), slog.Any("error", err))
				continue
			}
			if ok {
				return h, nil
			}
		}
	}
}

// Renew extends the TTL of a currently-held lock by re-acquiring it
// under the same owner before it expires. A reconciler lease loop
// should call this on its own ticker well inside the TTL window.
func (g *ConcurrencyGuard) Renew(ctx context.Context, key, ownerRunID string, ttl time.Duration) error {
	ok, err := g.store.AcquireLock(ctx, key, ownerRunID, ttl)
	if err != nil {
		return fmt.Errorf("concurrency guard: renew %q: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("concurrency guard: lost lock %q", key)
	}
	return nil
}

// IsHeld reports whether key is currently locked by anyone.
func (g *ConcurrencyGuard) IsHeld(ctx context.Context, key string) (bool, error) {
	return g.store.IsLockHeld(ctx, key)
}
