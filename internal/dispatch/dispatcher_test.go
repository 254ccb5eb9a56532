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

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklane/engine/internal/executor"
	"github.com/tracklane/engine/internal/ledger"
	"github.com/tracklane/engine/internal/ledger/memory"
	"github.com/tracklane/engine/internal/registry"
)

func newTestDispatcher(t *testing.T, exec executor.Executor) (*Dispatcher, *memory.Backend, *registry.Registry) {
	t.Helper()
	store := memory.New()
	reg := registry.New()
	d := New(store, reg, exec, Options{})
	return d, store, reg
}

func waitForStatus(t *testing.T, d *Dispatcher, runID string, want ledger.Status) *ledger.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := d.Status(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
	return nil
}

func TestDispatcher_SubmitRunsToCompletion(t *testing.T) {
	d, _, reg := newTestDispatcher(t, executor.NewLocalExecutor(4))
	require.NoError(t, reg.Register(ledger.KindTask, "echo", registry.HandlerFunc(
		func(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error) {
			return map[string]any{"echoed": spec.Params["msg"]}, nil
		})))

	run, err := d.Submit(context.Background(), ledger.TaskSpec("echo", map[string]any{"msg": "hi"}))
	require.NoError(t, err)

	final := waitForStatus(t, d, run.RunID, ledger.StatusCompleted)
	assert.Equal(t, ledger.StatusCompleted, final.Status)
}

func TestDispatcher_SubmitUnregisteredHandlerFails(t *testing.T) {
	d, store, _ := newTestDispatcher(t, executor.NewLocalExecutor(4))

	run, err := d.Submit(context.Background(), ledger.TaskSpec("missing", nil))
	require.Error(t, err)
	require.NotNil(t, run)
	require.NotEmpty(t, run.RunID)

	final := waitForStatus(t, d, run.RunID, ledger.StatusDeadLettered)
	assert.Equal(t, ledger.StatusDeadLettered, final.Status)

	letters, err := store.ListDeadLetters(context.Background())
	require.NoError(t, err)
	var found bool
	for _, dl := range letters {
		if dl.RunID == run.RunID {
			found = true
		}
	}
	assert.True(t, found, "expected a DLQ entry for the handler-not-found run")
}

func TestDispatcher_IdempotentSubmitReturnsSameRun(t *testing.T) {
	d, _, reg := newTestDispatcher(t, executor.NewLocalExecutor(4))
	block := make(chan struct{})
	require.NoError(t, reg.Register(ledger.KindTask, "slow", registry.HandlerFunc(
		func(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error) {
			<-block
			return map[string]any{}, nil
		})))

	spec := ledger.TaskSpec("slow", nil)
	spec.IdempotencyKey = "once"

	run1, err := d.Submit(context.Background(), spec)
	require.NoError(t, err)

	run2, err := d.Submit(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, run1.RunID, run2.RunID)
	close(block)
	waitForStatus(t, d, run1.RunID, ledger.StatusCompleted)
}

func TestDispatcher_FailureWithoutRetryGoesToDeadLetter(t *testing.T) {
	d, store, reg := newTestDispatcher(t, executor.NewLocalExecutor(4))
	require.NoError(t, reg.Register(ledger.KindTask, "boom", registry.HandlerFunc(
		func(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error) {
			return nil, errors.New("permanent failure")
		})))

	spec := ledger.TaskSpec("boom", nil)
	spec.RetryPolicy = &ledger.RetryPolicy{MaxRetries: 0}

	run, err := d.Submit(context.Background(), spec)
	require.NoError(t, err)

	waitForStatus(t, d, run.RunID, ledger.StatusDeadLettered)

	dls, err := store.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, run.RunID, dls[0].RunID)
}

func TestDispatcher_CancelTransitionsRun(t *testing.T) {
	d, _, reg := newTestDispatcher(t, executor.NewLocalExecutor(4))
	started := make(chan struct{})
	require.NoError(t, reg.Register(ledger.KindTask, "long", registry.HandlerFunc(
		func(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	run, err := d.Submit(context.Background(), ledger.TaskSpec("long", nil))
	require.NoError(t, err)

	<-started
	require.NoError(t, d.Cancel(context.Background(), run.RunID))

	waitForStatus(t, d, run.RunID, ledger.StatusCancelled)
}
