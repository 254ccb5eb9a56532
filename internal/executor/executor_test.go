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

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExecutor_SubmitRunsSynchronously(t *testing.T) {
	m := NewMemoryExecutor()
	var ran atomic.Bool

	ref, err := m.Submit(context.Background(), Task{
		RunID: "run-1",
		Run: func(ctx context.Context) (map[string]any, error) {
			ran.Store(true)
			return map[string]any{"ok": true}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	status, err := m.GetStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, status)

	res, err := m.Wait(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)
}

func TestMemoryExecutor_ClassifiesFailure(t *testing.T) {
	m := NewMemoryExecutor()
	wantErr := errors.New("boom")

	ref, err := m.Submit(context.Background(), Task{
		RunID: "run-2",
		Run: func(ctx context.Context) (map[string]any, error) {
			return nil, wantErr
		},
	})
	require.NoError(t, err)

	res, err := m.Wait(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, res.Status)
	assert.ErrorIs(t, res.Err, wantErr)
}

func TestLocalExecutor_BoundsConcurrency(t *testing.T) {
	l := NewLocalExecutor(2)
	defer l.Shutdown(context.Background())

	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		ref, err := l.Submit(context.Background(), Task{
			RunID: "run-" + string(rune('a'+i)),
			Run: func(ctx context.Context) (map[string]any, error) {
				defer wg.Done()
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			},
		})
		require.NoError(t, err)
		_ = ref
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
	close(release)
	wg.Wait()
}

func TestLocalExecutor_CancelStopsTask(t *testing.T) {
	l := NewLocalExecutor(0)
	defer l.Shutdown(context.Background())

	started := make(chan struct{})
	ref, err := l.Submit(context.Background(), Task{
		RunID: "run-cancel",
		Run: func(ctx context.Context) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, l.Cancel(context.Background(), ref))

	res, err := l.Wait(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, res.Status)
}

func TestAsyncLocalExecutor_InvokesCallback(t *testing.T) {
	done := make(chan Completion, 1)
	a := NewAsyncLocalExecutor(1, func(c Completion) { done <- c })
	defer a.Shutdown(context.Background())

	ref, err := a.Submit(context.Background(), Task{
		RunID: "run-async",
		Run: func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		},
	})
	require.NoError(t, err)

	select {
	case c := <-done:
		assert.Equal(t, ref, c.RunID)
		assert.Equal(t, ExecCompleted, c.Result.Status)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestStubExecutor_ReturnsConfiguredResponses(t *testing.T) {
	s := NewStubExecutor(
		Result{Status: ExecCompleted, Output: map[string]any{"n": 1}},
		Result{Status: ExecFailed, Err: errors.New("nope")},
	)

	ref1, err := s.Submit(context.Background(), Task{RunID: "a"})
	require.NoError(t, err)
	res1, err := s.Wait(context.Background(), ref1)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, res1.Status)

	ref2, err := s.Submit(context.Background(), Task{RunID: "b"})
	require.NoError(t, err)
	res2, err := s.Wait(context.Background(), ref2)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, res2.Status)
}

func TestStubExecutor_Cancel(t *testing.T) {
	s := NewStubExecutor()
	ref, err := s.Submit(context.Background(), Task{RunID: "c"})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), ref))

	status, err := s.GetStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, status)
}
