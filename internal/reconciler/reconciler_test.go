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

package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklane/engine/internal/executor"
	"github.com/tracklane/engine/internal/ledger"
	"github.com/tracklane/engine/internal/ledger/memory"
	"github.com/tracklane/engine/internal/resilience"
)

type fakeExecutor struct {
	statuses    map[string]executor.ExecStatus
	activeRefs  []string
	cancelCalls []string
}

func (f *fakeExecutor) Submit(ctx context.Context, task executor.Task) (string, error) {
	return "", nil
}

func (f *fakeExecutor) GetStatus(ctx context.Context, externalRef string) (executor.ExecStatus, error) {
	if s, ok := f.statuses[externalRef]; ok {
		return s, nil
	}
	return executor.ExecUnknown, nil
}

func (f *fakeExecutor) Cancel(ctx context.Context, externalRef string) error {
	f.cancelCalls = append(f.cancelCalls, externalRef)
	return nil
}

func (f *fakeExecutor) Shutdown(ctx context.Context) error { return nil }

func (f *fakeExecutor) ListActiveRefs(ctx context.Context) ([]string, error) {
	return f.activeRefs, nil
}

func newRunning(t *testing.T, store *memory.Backend, externalRef string) *ledger.Run {
	t.Helper()
	run, err := store.CreateExecution(context.Background(), ledger.TaskSpec("fetch", nil))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(context.Background(), run.RunID, ledger.StatusRunning, ""))
	if externalRef != "" {
		require.NoError(t, store.SetExternalRef(context.Background(), run.RunID, externalRef))
	}
	return run
}

func TestReconciler_AppliesObservedCompletion(t *testing.T) {
	store := memory.New()
	run := newRunning(t, store, "ext-1")

	exec := &fakeExecutor{statuses: map[string]executor.ExecStatus{"ext-1": executor.ExecCompleted}}
	guard := resilience.NewConcurrencyGuard(store, time.Millisecond, nil)
	r := New(store, exec, guard, "instance-a", Options{})

	require.NoError(t, r.runCycle(context.Background()))

	updated, err := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, updated.Status)
	assert.NotNil(t, updated.LastHeartbeatAt)

	events, err := store.ListEvents(context.Background(), run.RunID)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.EventType == ledger.EventReconciled {
			found = true
		}
	}
	assert.True(t, found, "expected a RECONCILED event")
}

func TestReconciler_UnknownExternalRefOrphansRun(t *testing.T) {
	store := memory.New()
	run := newRunning(t, store, "ext-missing")

	exec := &fakeExecutor{statuses: map[string]executor.ExecStatus{}}
	guard := resilience.NewConcurrencyGuard(store, time.Millisecond, nil)
	r := New(store, exec, guard, "instance-a", Options{})

	require.NoError(t, r.runCycle(context.Background()))

	updated, err := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, updated.Status)
	assert.Equal(t, "ORPHANED", updated.Error)

	events, err := store.ListEvents(context.Background(), run.RunID)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.EventType == ledger.EventOrphanDetected {
			found = true
		}
	}
	assert.True(t, found, "expected an ORPHAN_DETECTED event")
}

func TestReconciler_CancelOrphanPolicyCancelsUntrackedRef(t *testing.T) {
	store := memory.New()
	newRunning(t, store, "ext-known")

	exec := &fakeExecutor{
		statuses:   map[string]executor.ExecStatus{"ext-known": executor.ExecRunning},
		activeRefs: []string{"ext-known", "ext-rogue"},
	}
	guard := resilience.NewConcurrencyGuard(store, time.Millisecond, nil)
	r := New(store, exec, guard, "instance-a", Options{OrphanPolicy: OrphanCancelOrphan})

	require.NoError(t, r.runCycle(context.Background()))

	assert.Equal(t, []string{"ext-rogue"}, exec.cancelCalls)
}

func TestReconciler_SkipsCycleWhenLeaseHeldElsewhere(t *testing.T) {
	store := memory.New()
	run := newRunning(t, store, "ext-1")

	exec := &fakeExecutor{statuses: map[string]executor.ExecStatus{"ext-1": executor.ExecCompleted}}
	guard := resilience.NewConcurrencyGuard(store, time.Millisecond, nil)

	held, ok, err := guard.TryAcquire(context.Background(), leaseKey, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(context.Background())

	r := New(store, exec, guard, "instance-a", Options{})
	require.NoError(t, r.runCycle(context.Background()))

	updated, err := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRunning, updated.Status)
}
