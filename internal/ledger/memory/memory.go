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

// Package memory provides an in-process ledger backend for tests and the
// "memory" scheme (§4.1): no persistence across restarts, but the full
// Store contract.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tracklane/engine/internal/ledger"
	pkgerrors "github.com/tracklane/engine/pkg/errors"
)

var _ ledger.Store = (*Backend)(nil)

// Backend is an in-memory ledger store guarded by a single mutex; it is
// not built for throughput, only for deterministic single-process tests.
type Backend struct {
	mu        sync.RWMutex
	runs      map[string]*ledger.Run
	events    map[string][]*ledger.RunEvent
	dlq       map[string]*ledger.DeadLetter
	locks     map[string]*ledger.Lock
	manifests map[string]*ledger.Manifest
	anomalies map[string][]*ledger.Anomaly
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		runs:      make(map[string]*ledger.Run),
		events:    make(map[string][]*ledger.RunEvent),
		dlq:       make(map[string]*ledger.DeadLetter),
		locks:     make(map[string]*ledger.Lock),
		manifests: make(map[string]*ledger.Manifest),
		anomalies: make(map[string][]*ledger.Anomaly),
	}
}

func manifestKey(domain, workflowName, partitionKey, stage string) string {
	return domain + "\x00" + workflowName + "\x00" + partitionKey + "\x00" + stage
}

// CreateExecution implements ledger.RunStore.
func (b *Backend) CreateExecution(ctx context.Context, spec ledger.WorkSpec) (*ledger.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if spec.IdempotencyKey != "" {
		for _, existing := range b.runs {
			if existing.IdempotencyKey == spec.IdempotencyKey {
				if existing.Status == ledger.StatusCompleted || !existing.Status.IsTerminal() {
					return cloneRun(existing), nil
				}
			}
		}
	}

	run := &ledger.Run{
		RunID:          ledger.NewRunID(),
		Spec:           spec,
		Status:         ledger.StatusPending,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: spec.IdempotencyKey,
	}
	b.runs[run.RunID] = run
	b.appendEventLocked(run.RunID, ledger.EventSubmitted, nil)
	return cloneRun(run), nil
}

// UpdateStatus implements ledger.RunStore.
func (b *Backend) UpdateStatus(ctx context.Context, runID string, newStatus ledger.Status, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}

	if err := ledger.ValidateTransition(run.Status, newStatus); err != nil {
		return &pkgerrors.InvalidTransitionError{RunID: runID, From: string(run.Status), To: string(newStatus)}
	}

	from := run.Status
	now := time.Now().UTC()
	run.Status = newStatus
	run.Error = errMsg

	if newStatus == ledger.StatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if (newStatus == ledger.StatusCompleted || newStatus == ledger.StatusFailed ||
		newStatus == ledger.StatusCancelled || newStatus == ledger.StatusDeadLettered) && run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	if from == ledger.StatusFailed && newStatus == ledger.StatusPending {
		run.RetryCount++
		run.CompletedAt = nil
	}

	if evType, ok := ledger.EventTypeForStatus(newStatus); ok {
		var data map[string]any
		if errMsg != "" {
			data = map[string]any{"error": errMsg}
		}
		b.appendEventLocked(runID, evType, data)
	}

	return nil
}

// GetRun implements ledger.RunStore.
func (b *Backend) GetRun(ctx context.Context, runID string) (*ledger.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return cloneRun(run), nil
}

// GetByIdempotencyKey implements ledger.RunStore.
func (b *Backend) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var latest *ledger.Run
	for _, run := range b.runs {
		if run.IdempotencyKey == key {
			if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
				latest = run
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRun(latest), nil
}

// ListRuns implements ledger.RunStore.
func (b *Backend) ListRuns(ctx context.Context, filter ledger.Filter) ([]*ledger.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*ledger.Run
	for _, run := range b.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && run.Spec.Kind != filter.Kind {
			continue
		}
		if filter.Name != "" && run.Spec.Name != filter.Name {
			continue
		}
		out = append(out, cloneRun(run))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetExternalRef implements ledger.RunStore.
func (b *Backend) SetExternalRef(ctx context.Context, runID, externalRef string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	if run.ExternalRef != "" {
		return fmt.Errorf("external ref already set for run: %s", runID)
	}
	run.ExternalRef = externalRef
	return nil
}

// Heartbeat implements ledger.RunStore.
func (b *Backend) Heartbeat(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	now := time.Now().UTC()
	run.LastHeartbeatAt = &now
	return nil
}

// RecordEvent implements ledger.EventStore.
func (b *Backend) RecordEvent(ctx context.Context, runID string, eventType ledger.EventType, data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendEventLocked(runID, eventType, data)
	return nil
}

func (b *Backend) appendEventLocked(runID string, eventType ledger.EventType, data map[string]any) {
	b.events[runID] = append(b.events[runID], &ledger.RunEvent{
		EventID:   ledger.NewEventID(),
		RunID:     runID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// ListEvents implements ledger.EventStore.
func (b *Backend) ListEvents(ctx context.Context, runID string) ([]*ledger.RunEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	out := make([]*ledger.RunEvent, len(events))
	copy(out, events)
	return out, nil
}

// AddToDLQ implements ledger.DLQStore.
func (b *Backend) AddToDLQ(ctx context.Context, runID, errMsg string, attempts int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	if err := ledger.ValidateTransition(run.Status, ledger.StatusDeadLettered); err != nil {
		return &pkgerrors.InvalidTransitionError{RunID: runID, From: string(run.Status), To: string(ledger.StatusDeadLettered)}
	}

	now := time.Now().UTC()
	dlqID := ledger.NewDLQID()
	b.dlq[dlqID] = &ledger.DeadLetter{
		DLQID:         dlqID,
		RunID:         runID,
		Spec:          ledger.RedactSpec(run.Spec),
		Error:         errMsg,
		FailedAt:      now,
		RetryAttempts: attempts,
	}

	run.Status = ledger.StatusDeadLettered
	run.Error = errMsg
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	b.appendEventLocked(runID, ledger.EventDeadLettered, map[string]any{"error": errMsg})
	return nil
}

// RetryFromDLQ implements ledger.DLQStore.
func (b *Backend) RetryFromDLQ(ctx context.Context, dlqID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dl, ok := b.dlq[dlqID]
	if !ok {
		return fmt.Errorf("dead letter not found: %s", dlqID)
	}
	if dl.ResolvedAt != nil {
		return &pkgerrors.AlreadyResolvedError{DLQID: dlqID}
	}

	run, ok := b.runs[dl.RunID]
	if !ok {
		return fmt.Errorf("run not found: %s", dl.RunID)
	}
	if err := ledger.ValidateTransition(ledger.StatusDeadLettered, ledger.StatusPending); err != nil {
		return &pkgerrors.InvalidTransitionError{RunID: dl.RunID, From: string(ledger.StatusDeadLettered), To: string(ledger.StatusPending)}
	}

	now := time.Now().UTC()
	dl.ResolvedAt = &now
	run.Status = ledger.StatusPending
	run.CompletedAt = nil
	b.appendEventLocked(dl.RunID, ledger.EventRetrying, nil)
	return nil
}

// ListDeadLetters implements ledger.DLQStore.
func (b *Backend) ListDeadLetters(ctx context.Context) ([]*ledger.DeadLetter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*ledger.DeadLetter, 0, len(b.dlq))
	for _, dl := range b.dlq {
		copied := *dl
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	return out, nil
}

// GetDeadLetter implements ledger.DLQStore.
func (b *Backend) GetDeadLetter(ctx context.Context, dlqID string) (*ledger.DeadLetter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dl, ok := b.dlq[dlqID]
	if !ok {
		return nil, fmt.Errorf("dead letter not found: %s", dlqID)
	}
	copied := *dl
	return &copied, nil
}

// AcquireLock implements ledger.LockStore.
func (b *Backend) AcquireLock(ctx context.Context, key, ownerRunID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := b.locks[key]; ok && existing.ExpiresAt.After(now) {
		return false, nil
	}

	b.locks[key] = &ledger.Lock{
		LockKey:    key,
		OwnerRunID: ownerRunID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil
}

// ReleaseLock implements ledger.LockStore.
func (b *Backend) ReleaseLock(ctx context.Context, key, ownerRunID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.locks[key]; ok && existing.OwnerRunID == ownerRunID {
		delete(b.locks, key)
	}
	return nil
}

// IsLockHeld implements ledger.LockStore.
func (b *Backend) IsLockHeld(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	existing, ok := b.locks[key]
	if !ok {
		return false, nil
	}
	return existing.ExpiresAt.After(time.Now().UTC()), nil
}

// CleanupExpiredLocks implements ledger.LockStore.
func (b *Backend) CleanupExpiredLocks(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	n := 0
	for key, l := range b.locks {
		if !l.ExpiresAt.After(now) {
			delete(b.locks, key)
			n++
		}
	}
	return n, nil
}

// ListActiveLocks implements ledger.LockStore.
func (b *Backend) ListActiveLocks(ctx context.Context) ([]*ledger.Lock, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now().UTC()
	var out []*ledger.Lock
	for _, l := range b.locks {
		if l.ExpiresAt.After(now) {
			copied := *l
			out = append(out, &copied)
		}
	}
	return out, nil
}

// AdvanceTo implements ledger.ManifestStore.
func (b *Backend) AdvanceTo(ctx context.Context, m ledger.Manifest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m.UpdatedAt = time.Now().UTC()
	copied := m
	b.manifests[manifestKey(m.Domain, m.WorkflowName, m.PartitionKey, m.Stage)] = &copied
	return nil
}

// StagesFor implements ledger.ManifestStore.
func (b *Backend) StagesFor(ctx context.Context, domain, workflowName, partitionKey string) (map[string]*ledger.Manifest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]*ledger.Manifest)
	prefix := domain + "\x00" + workflowName + "\x00" + partitionKey + "\x00"
	for key, m := range b.manifests {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			copied := *m
			out[m.Stage] = &copied
		}
	}
	return out, nil
}

// RecordAnomaly implements ledger.AnomalyStore.
func (b *Backend) RecordAnomaly(ctx context.Context, a ledger.Anomaly) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a.AnomalyID == "" {
		a.AnomalyID = ledger.NewAnomalyID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	copied := a
	b.anomalies[a.RunID] = append(b.anomalies[a.RunID], &copied)
	return nil
}

// ListAnomalies implements ledger.AnomalyStore.
func (b *Backend) ListAnomalies(ctx context.Context, runID string) ([]*ledger.Anomaly, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*ledger.Anomaly, len(b.anomalies[runID]))
	copy(out, b.anomalies[runID])
	return out, nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

func cloneRun(r *ledger.Run) *ledger.Run {
	copied := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		copied.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		copied.CompletedAt = &t
	}
	if r.LastHeartbeatAt != nil {
		t := *r.LastHeartbeatAt
		copied.LastHeartbeatAt = &t
	}
	return &copied
}
