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
)

// LocalExecutor runs tasks on goroutines bounded by a semaphore, the
// same pattern the teacher's runner used for in-process concurrency: a
// buffered channel of capacity MaxConcurrency gates how many tasks are
// actually executing at once, while Submit itself never blocks past
// goroutine creation — a task waiting for a semaphore slot still shows
// up as PENDING via GetStatus.
type LocalExecutor struct {
	sem chan struct{}

	mu       sync.Mutex
	handles  map[string]*handle
	wg       sync.WaitGroup
	closed   bool
	closeCh  chan struct{}
}

// NewLocalExecutor returns a LocalExecutor that runs at most
// maxConcurrency tasks simultaneously. maxConcurrency <= 0 means
// unbounded.
func NewLocalExecutor(maxConcurrency int) *LocalExecutor {
	var sem chan struct{}
	if maxConcurrency > 0 {
		sem = make(chan struct{}, maxConcurrency)
	}
	return &LocalExecutor{
		sem:     sem,
		handles: make(map[string]*handle),
		closeCh: make(chan struct{}),
	}
}

func (l *LocalExecutor) Submit(ctx context.Context, task Task) (string, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", fmt.Errorf("local executor: shutdown in progress")
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	h := &handle{status: ExecPending, cancel: cancel, done: make(chan struct{})}
	ref := task.RunID
	l.handles[ref] = h
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(runCtx, h, task)

	return ref, nil
}

func (l *LocalExecutor) run(ctx context.Context, h *handle, task Task) {
	defer l.wg.Done()

	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
			defer func() { <-l.sem }()
		case <-ctx.Done():
			h.mu.Lock()
			h.result = classify(nil, ctx.Err())
			h.status = h.result.Status
			h.mu.Unlock()
			close(h.done)
			return
		case <-l.closeCh:
			h.mu.Lock()
			h.result = Result{Status: ExecCancelled, Err: fmt.Errorf("local executor: shutdown before start")}
			h.status = h.result.Status
			h.mu.Unlock()
			close(h.done)
			return
		}
	}

	h.mu.Lock()
	h.status = ExecRunning
	h.mu.Unlock()

	out, err := task.Run(ctx)

	h.mu.Lock()
	h.result = classify(out, err)
	h.status = h.result.Status
	h.mu.Unlock()
	close(h.done)
}

func (l *LocalExecutor) GetStatus(ctx context.Context, externalRef string) (ExecStatus, error) {
	l.mu.Lock()
	h, ok := l.handles[externalRef]
	l.mu.Unlock()
	if !ok {
		return ExecUnknown, fmt.Errorf("local executor: unknown ref %q", externalRef)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

func (l *LocalExecutor) Cancel(ctx context.Context, externalRef string) error {
	l.mu.Lock()
	h, ok := l.handles[externalRef]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("local executor: unknown ref %q", externalRef)
	}
	h.cancel()
	return nil
}

func (l *LocalExecutor) Wait(ctx context.Context, externalRef string) (Result, error) {
	l.mu.Lock()
	h, ok := l.handles[externalRef]
	l.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("local executor: unknown ref %q", externalRef)
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

func (l *LocalExecutor) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.closeCh)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
