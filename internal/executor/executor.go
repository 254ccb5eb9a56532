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

// Package executor defines the submit/status/cancel/shutdown protocol
// the dispatcher drives every run through (§4.6), and its
// implementations: in-process (Memory, Local, AsyncLocal), subprocess
// (Process), message-broker (Broker), and a no-op (Stub) for tests.
package executor

import (
	"context"
	"time"
)

// ExecStatus is the executor-local view of a run; it is narrower than
// ledger.Status because an executor does not know about DEAD_LETTERED
// or the ledger's retry bookkeeping, only whether its handle is still
// doing work.
type ExecStatus string

const (
	ExecPending   ExecStatus = "PENDING"
	ExecRunning   ExecStatus = "RUNNING"
	ExecCompleted ExecStatus = "COMPLETED"
	ExecFailed    ExecStatus = "FAILED"
	ExecCancelled ExecStatus = "CANCELLED"
	ExecUnknown   ExecStatus = "UNKNOWN"
)

// Result carries a completed (or failed) run's outcome.
type Result struct {
	Status ExecStatus
	Output map[string]any
	Err    error
}

// Task is the unit an Executor is handed: a handler closure already
// bound to its WorkSpec by the dispatcher, so the executor layer
// never needs to know about the registry.
type Task struct {
	RunID   string
	Timeout time.Duration
	Run     func(ctx context.Context) (map[string]any, error)
}

// Executor is the submission/query/cancellation protocol every backing
// execution mechanism implements (§4.6).
type Executor interface {
	// Submit schedules a task for execution and returns an
	// executor-specific external reference (e.g. a goroutine handle
	// key, a PID, a broker message ID) the dispatcher stores via
	// ledger.SetExternalRef.
	Submit(ctx context.Context, task Task) (externalRef string, err error)

	// GetStatus returns the current status for a previously submitted
	// external reference.
	GetStatus(ctx context.Context, externalRef string) (ExecStatus, error)

	// Cancel requests cancellation of a running task. It is
	// best-effort: some executors (Broker) cannot interrupt work
	// already claimed by a remote consumer.
	Cancel(ctx context.Context, externalRef string) error

	// Shutdown stops accepting new work and waits (bounded by ctx) for
	// in-flight tasks to finish or be abandoned.
	Shutdown(ctx context.Context) error
}

// ResultWaiter is implemented by executors that can synchronously hand
// back a completed Task's Result instead of requiring a GetStatus poll
// loop (Memory, Local, AsyncLocal, Stub all satisfy it).
type ResultWaiter interface {
	Wait(ctx context.Context, externalRef string) (Result, error)
}
