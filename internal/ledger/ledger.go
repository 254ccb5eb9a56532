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

// Package ledger is the authoritative record of what ran, when, and with
// what outcome: the Run table, the append-only RunEvent log, the
// dead-letter queue, and the advisory lock table, all behind a dialect
// abstraction portable across embedded-file and client-server SQL
// backends.
//
// # Interface Hierarchy
//
// Like the storage layer it is grounded on, ledger uses interface
// segregation so minimal backends (memory, tests) need not implement
// every capability:
//
//   - RunStore (core, required): CreateExecution, GetRun, UpdateStatus
//   - EventStore (optional): RecordEvent, ListEvents
//   - DLQStore (optional): AddToDLQ, RetryFromDLQ, ListDeadLetters
//   - LockStore (optional): AcquireLock, ReleaseLock, CleanupExpiredLocks
//
// Store composes all of these into the full contract core components
// depend on.
package ledger

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Status is a Run's position in the state machine.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusQueued       Status = "QUEUED"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// transitionGraph encodes the allowed edges from §3.2: P→Q|R|X, Q→R|C|F|X,
// R→C|F|X, F→D|P, D→P. C and X are terminal. P→F is an addition on top of
// the abbreviated graph: §4.6 step 4 requires a submission whose handler
// cannot be resolved to transition straight from PENDING to FAILED before
// any executor submission happens, since no queueing or running ever
// occurred for it.
var transitionGraph = map[Status]map[Status]bool{
	StatusPending:      {StatusQueued: true, StatusRunning: true, StatusCancelled: true, StatusFailed: true},
	StatusQueued:       {StatusRunning: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusRunning:      {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:       {StatusDeadLettered: true, StatusPending: true},
	StatusDeadLettered: {StatusPending: true},
	StatusCompleted:    {},
	StatusCancelled:    {},
}

// transitionError is returned as errors.InvalidTransitionError by callers
// that have a run_id to attach; ValidateTransition itself stays pure and
// unaware of any particular run.
type transitionError struct {
	from, to Status
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.from, e.to)
}

// ValidateTransition is the pure function over the transition graph
// referenced by §4.3. It never touches storage.
func ValidateTransition(from, to Status) error {
	allowed, ok := transitionGraph[from]
	if !ok || !allowed[to] {
		return &transitionError{from: from, to: to}
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Kind is the WorkSpec discriminator (§3.1).
type Kind string

const (
	KindTask      Kind = "task"
	KindOperation Kind = "operation"
	KindWorkflow  Kind = "workflow"
	KindStep      Kind = "step"
	KindContainer Kind = "container"
)

// RetryPolicy bounds how many times a failed run may retry and which
// error categories never retry. The concrete backoff shapes live in the
// retry package; the ledger only needs the bound to decide D vs P.
type RetryPolicy struct {
	MaxRetries             int
	NonRetryableCategories []string
}

// WorkSpec is the immutable description of what to run (§3.1). Two specs
// with identical (Kind, Name, Params, IdempotencyKey) are semantically
// equivalent regardless of other fields.
type WorkSpec struct {
	Kind           Kind
	Name           string
	Params         map[string]any
	IdempotencyKey string
	TimeoutSeconds int
	RetryPolicy    *RetryPolicy
}

// TaskSpec, OperationSpec, WorkflowSpec and ContainerSpec are the
// construction helpers named in §4.3: each fixes Kind and applies the
// zero-value defaults so callers never hand-roll a WorkSpec literal with
// a mistyped Kind string.

// TaskSpec builds a WorkSpec of kind "task".
func TaskSpec(name string, params map[string]any) WorkSpec {
	return WorkSpec{Kind: KindTask, Name: name, Params: params}
}

// OperationSpec builds a WorkSpec of kind "operation".
func OperationSpec(name string, params map[string]any) WorkSpec {
	return WorkSpec{Kind: KindOperation, Name: name, Params: params}
}

// WorkflowSpec builds a WorkSpec of kind "workflow".
func WorkflowSpec(name string, params map[string]any) WorkSpec {
	return WorkSpec{Kind: KindWorkflow, Name: name, Params: params}
}

// ContainerSpec builds a WorkSpec of kind "container".
func ContainerSpec(name string, params map[string]any) WorkSpec {
	return WorkSpec{Kind: KindContainer, Name: name, Params: params}
}

// Run is the authoritative record of one unit of execution (§3.1).
type Run struct {
	RunID           string
	Spec            WorkSpec
	Status          Status
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RetryCount      int
	Error           string
	IdempotencyKey  string
	ParentRunID     string
	ExternalRef     string
	LastHeartbeatAt *time.Time
}

// EventType enumerates the minimum RunEvent set from §3.1.
type EventType string

const (
	EventSubmitted      EventType = "SUBMITTED"
	EventQueued         EventType = "QUEUED"
	EventStarted        EventType = "STARTED"
	EventProgress       EventType = "PROGRESS"
	EventCompleted      EventType = "COMPLETED"
	EventFailed         EventType = "FAILED"
	EventCancelled      EventType = "CANCELLED"
	EventRetrying       EventType = "RETRYING"
	EventDeadLettered   EventType = "DEAD_LETTERED"
	EventReconciled     EventType = "RECONCILED"
	EventOrphanDetected EventType = "ORPHAN_DETECTED"
)

// statusEvent maps a status to the event type recorded alongside it, per
// §4.2's "event of matching type in the same transaction" invariant.
// PENDING has no entry: the SUBMITTED event is written explicitly by
// CreateExecution, not by a status transition.
var statusEvent = map[Status]EventType{
	StatusQueued:       EventQueued,
	StatusRunning:      EventStarted,
	StatusCompleted:    EventCompleted,
	StatusFailed:       EventFailed,
	StatusCancelled:    EventCancelled,
	StatusDeadLettered: EventDeadLettered,
}

// EventTypeForStatus exposes the status->event mapping so backends share
// one source of truth instead of re-deriving it.
func EventTypeForStatus(s Status) (EventType, bool) {
	et, ok := statusEvent[s]
	return et, ok
}

// RunEvent is an append-only lifecycle record (§3.1). Events are never
// modified or deleted.
type RunEvent struct {
	EventID   string
	RunID     string
	EventType EventType
	Timestamp time.Time
	Data      map[string]any
}

// DeadLetter is one row per run that exhausted retries (§3.1).
type DeadLetter struct {
	DLQID         string
	RunID         string
	Spec          WorkSpec
	Error         string
	FailedAt      time.Time
	ResolvedAt    *time.Time
	ResolvedBy    string
	RetryAttempts int
}

// Lock is a row-level advisory lock (§3.1).
type Lock struct {
	LockKey    string
	OwnerRunID string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// AnomalySeverity classifies how serious a step-level anomaly is.
type AnomalySeverity string

const (
	SeverityInfo     AnomalySeverity = "INFO"
	SeverityWarning  AnomalySeverity = "WARNING"
	SeverityCritical AnomalySeverity = "CRITICAL"
)

// Manifest is one (domain, workflow, partition, stage) row the tracked
// workflow runner UPSERTs as it advances (§4.11): the persistence unit
// idempotent resume reads back to decide which stages to skip.
type Manifest struct {
	Domain       string
	WorkflowName string
	PartitionKey string
	Stage        string
	RowCount     int64
	Metrics      map[string]any
	UpdatedAt    time.Time
	ExecutionID  string
	BatchID      string
}

// Anomaly is a step-failure record the tracked workflow runner writes
// before applying the step's error policy (§4.11).
type Anomaly struct {
	AnomalyID string
	RunID     string
	StepName  string
	Severity  AnomalySeverity
	Category  string
	Message   string
	CreatedAt time.Time
}

// Filter narrows ListRuns results.
type Filter struct {
	Status Status
	Kind   Kind
	Name   string
	Limit  int
	Offset int
}

// RunStore is the minimal contract every backend must satisfy.
type RunStore interface {
	// CreateExecution inserts a new PENDING Run and writes its SUBMITTED
	// event, or returns the existing non-terminal/COMPLETED run sharing
	// the same idempotency key without inserting (§4.2).
	CreateExecution(ctx context.Context, spec WorkSpec) (*Run, error)

	// UpdateStatus validates the transition, persists lifecycle
	// timestamps, and appends the matching RunEvent in one transaction.
	UpdateStatus(ctx context.Context, runID string, newStatus Status, errMsg string) error

	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter Filter) ([]*Run, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Run, error)

	// SetExternalRef stamps the executor-supplied handle once; it is
	// immutable thereafter (§3.1).
	SetExternalRef(ctx context.Context, runID, externalRef string) error

	// Heartbeat stamps last_heartbeat_at with the current time; the
	// reconciler calls it after every successful get_status observation
	// of a RUNNING run so operators can detect unresponsive ones (§4.12).
	Heartbeat(ctx context.Context, runID string) error
}

// EventStore records and replays the append-only event log.
type EventStore interface {
	RecordEvent(ctx context.Context, runID string, eventType EventType, data map[string]any) error
	ListEvents(ctx context.Context, runID string) ([]*RunEvent, error)
}

// DLQStore manages the dead-letter queue.
type DLQStore interface {
	AddToDLQ(ctx context.Context, runID, errMsg string, attempts int) error
	RetryFromDLQ(ctx context.Context, dlqID string) error
	ListDeadLetters(ctx context.Context) ([]*DeadLetter, error)
	GetDeadLetter(ctx context.Context, dlqID string) (*DeadLetter, error)
}

// LockStore is the ConcurrencyGuard's sole persistence dependency.
type LockStore interface {
	AcquireLock(ctx context.Context, key, ownerRunID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, ownerRunID string) error
	IsLockHeld(ctx context.Context, key string) (bool, error)
	CleanupExpiredLocks(ctx context.Context) (int, error)
	ListActiveLocks(ctx context.Context) ([]*Lock, error)
}

// ManifestStore backs the tracked workflow runner's idempotent resume
// (§4.11): one UPSERT-by-(domain, workflow, partition, stage) row per
// completed stage.
type ManifestStore interface {
	// AdvanceTo UPSERTs the (domain, workflow, partition, stage) row.
	AdvanceTo(ctx context.Context, m Manifest) error

	// StagesFor returns every recorded stage for a (domain, workflow,
	// partition), keyed by stage name, so the runner can compute the
	// first incomplete stage on re-entry.
	StagesFor(ctx context.Context, domain, workflowName, partitionKey string) (map[string]*Manifest, error)
}

// AnomalyStore records step-level anomalies (§4.11).
type AnomalyStore interface {
	RecordAnomaly(ctx context.Context, a Anomaly) error
	ListAnomalies(ctx context.Context, runID string) ([]*Anomaly, error)
}

// Store composes all segregated interfaces plus io.Closer for
// full-featured backends (sqlite, postgres).
type Store interface {
	RunStore
	EventStore
	DLQStore
	LockStore
	ManifestStore
	AnomalyStore
	io.Closer
}
