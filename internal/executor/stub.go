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

// StubExecutor never actually runs a Task's Run closure; it returns a
// preconfigured Result for every submission, keyed by insertion order.
// It exists for dispatcher tests that need deterministic executor
// behavior without goroutines, timers, or real handler side effects.
type StubExecutor struct {
	mu        sync.Mutex
	responses []Result
	next      int
	refs      map[string]Result
	cancelled map[string]bool
}

// NewStubExecutor returns a StubExecutor that hands out responses in
// order on successive Submit calls, repeating the last one once
// exhausted. An empty responses list makes every submission succeed
// with an empty output.
func NewStubExecutor(responses ...Result) *StubExecutor {
	return &StubExecutor{
		responses: responses,
		refs:      make(map[string]Result),
		cancelled: make(map[string]bool),
	}
}

func (s *StubExecutor) Submit(ctx context.Context, task Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{Status: ExecCompleted, Output: map[string]any{}}
	if len(s.responses) > 0 {
		idx := s.next
		if idx >= len(s.responses) {
			idx = len(s.responses) - 1
		}
		res = s.responses[idx]
		s.next++
	}
	s.refs[task.RunID] = res
	return task.RunID, nil
}

func (s *StubExecutor) GetStatus(ctx context.Context, externalRef string) (ExecStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled[externalRef] {
		return ExecCancelled, nil
	}
	r, ok := s.refs[externalRef]
	if !ok {
		return ExecUnknown, fmt.Errorf("stub executor: unknown ref %q", externalRef)
	}
	return r.Status, nil
}

func (s *StubExecutor) Cancel(ctx context.Context, externalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[externalRef]; !ok {
		return fmt.Errorf("stub executor: unknown ref %q", externalRef)
	}
	s.cancelled[externalRef] = true
	return nil
}

func (s *StubExecutor) Wait(ctx context.Context, externalRef string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled[externalRef] {
		return Result{Status: ExecCancelled}, nil
	}
	r, ok := s.refs[externalRef]
	if !ok {
		return Result{}, fmt.Errorf("stub executor: unknown ref %q", externalRef)
	}
	return r, nil
}

func (s *StubExecutor) Shutdown(ctx context.Context) error { return nil }
