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

import "context"

// Completion is delivered to an AsyncLocalExecutor's OnComplete callback
// once a task's goroutine finishes, letting the dispatcher react
// (persist the final ledger state, release a concurrency lock) without
// polling GetStatus — the async counterpart to the teacher's
// OnStepEnd-callback reporting style.
type Completion struct {
	RunID  string
	Result Result
}

// AsyncLocalExecutor wraps a LocalExecutor and additionally pushes every
// completion to an OnComplete callback as soon as the task's goroutine
// finishes, rather than requiring the caller to poll GetStatus or
// block on Wait. With a nil callback it behaves exactly like the
// wrapped LocalExecutor.
type AsyncLocalExecutor struct {
	*LocalExecutor
	onComplete func(Completion)
}

// NewAsyncLocalExecutor returns an AsyncLocalExecutor bounded by
// maxConcurrency (see NewLocalExecutor) that invokes onComplete when a
// task finishes. Each submission gets its own waiter goroutine that
// calls onComplete after the task's result is recorded, so a slow
// callback delays neither the task's semaphore release nor any other
// task's execution.
func NewAsyncLocalExecutor(maxConcurrency int, onComplete func(Completion)) *AsyncLocalExecutor {
	return &AsyncLocalExecutor{
		LocalExecutor: NewLocalExecutor(maxConcurrency),
		onComplete:    onComplete,
	}
}

func (a *AsyncLocalExecutor) Submit(ctx context.Context, task Task) (string, error) {
	ref, err := a.LocalExecutor.Submit(ctx, task)
	if err != nil {
		return "", err
	}

	if a.onComplete != nil {
		go func() {
			res, waitErr := a.LocalExecutor.Wait(context.Background(), ref)
			if waitErr != nil {
				return
			}
			a.onComplete(Completion{RunID: ref, Result: res})
		}()
	}

	return ref, nil
}
