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
	"fmt"
	"sync"

	pkgerrors "github.com/tracklane/engine/pkg/errors"
)

type handle struct {
	mu     sync.Mutex
	status ExecStatus
	result Result
	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryExecutor runs every task synchronously on the calling goroutine
// of Submit, blocking until it completes. It has no concurrency limit
// and no cancellation window once a task starts — it exists for tests
// and single-shot tooling where a Dispatcher call should return only
// once the handler has actually run.
type MemoryExecutor struct {
	mu       sync.Mutex
	handles  map[string]*handle
	shutdown bool
}

// NewMemoryExecutor returns a MemoryExecutor ready for use.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{handles: make(map[string]*handle)}
}

func (m *MemoryExecutor) Submit(ctx context.Context, task Task) (string, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return "", fmt.Errorf("memory executor: shutdown in progress")
	}
	m.mu.Unlock()

	runCtx := ctx
	cancel := func() {}
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	h := &handle{status: ExecRunning, cancel: cancel, done: make(chan struct{})}
	ref := task.RunID
	m.mu.Lock()
	m.handles[ref] = h
	m.mu.Unlock()

	out, err := task.Run(runCtx)
	cancel()

	h.mu.Lock()
	h.result = classify(out, err)
	h.status = h.result.Status
	h.mu.Unlock()
	close(h.done)

	return ref, nil
}

func classify(out map[string]any, err error) Result {
	switch {
	case err == nil:
		return Result{Status: ExecCompleted, Output: out}
	case err == context.Canceled:
		return Result{Status: ExecCancelled, Err: err}
	case err == context.DeadlineExceeded:
		return Result{Status: ExecFailed, Err: &pkgerrors.TimeoutError{Operation: "task execution", Cause: err}}
	default:
		return Result{Status: ExecFailed, Err: err}
	}
}

func (m *MemoryExecutor) GetStatus(ctx context.Context, externalRef string) (ExecStatus, error) {
	m.mu.Lock()
	h, ok := m.handles[externalRef]
	m.mu.Unlock()
	if !ok {
		return ExecUnknown, fmt.Errorf("memory executor: unknown ref %q", externalRef)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

func (m *MemoryExecutor) Cancel(ctx context.Context, externalRef string) error {
	m.mu.Lock()
	h, ok := m.handles[externalRef]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory executor: unknown ref %q", externalRef)
	}
	h.cancel()
	return nil
}

func (m *MemoryExecutor) Wait(ctx context.Context, externalRef string) (Result, error) {
	m.mu.Lock()
	h, ok := m.handles[externalRef]
	m.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("memory executor: unknown ref %q", externalRef)
	}
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (m *MemoryExecutor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	return nil
}
