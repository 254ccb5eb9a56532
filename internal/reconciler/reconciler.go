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

// Package reconciler periodically reconciles the ledger's recorded
// status for out-of-process runs against what the executor actually
// observes (§4.12). It only matters for executors backed by an
// external runtime (a broker, a container scheduler) where the
// dispatcher's own completion callback can be lost — a crashed engine
// process, a dropped result message — leaving a run stuck in RUNNING.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tracklane/engine/internal/executor"
	"github.com/tracklane/engine/internal/ledger"
	"github.com/tracklane/engine/internal/resilience"
	pkgerrors "github.com/tracklane/engine/pkg/errors"
	"github.com/tracklane/engine/pkg/observability"
)

// OrphanPolicy controls what happens to an external ref the backend
// still has active that the ledger no longer (or never did) track.
// String values match internal/config's ReconcilerSettings.OrphanPolicy
// exactly so the two never drift.
type OrphanPolicy string

const (
	OrphanReportOnly   OrphanPolicy = "report-only"
	OrphanCancelOrphan OrphanPolicy = "cancel-orphan"
	OrphanIgnore       OrphanPolicy = "ignore"
)

// leaseKey is the single global lock every engine instance contends
// for before running a cycle, so a multi-instance deployment never
// reconciles the same run twice in the same window.
const leaseKey = "reconciler-lease"

// Store is the persistence subset the reconciler needs.
type Store interface {
	ledger.RunStore
	ledger.EventStore
}

// OrphanLister is an optional Executor capability: a backend that can
// enumerate its own active external refs lets the reconciler detect
// work the ledger never submitted (or has since forgotten). Executors
// without a meaningful "list everything in flight" primitive (SQS, for
// one) don't implement it, and orphan-only detection is simply skipped
// for them — the crash-recovery path below still catches known runs
// the backend has lost track of.
type OrphanLister interface {
	ListActiveRefs(ctx context.Context) ([]string, error)
}

// Options configures a Reconciler. Zero values take the documented
// defaults.
type Options struct {
	PollInterval time.Duration
	LeaseTTL     time.Duration
	OrphanPolicy OrphanPolicy
	Logger       *slog.Logger
	// TracerProvider, if set, supplies the per-cycle root span (§5.x's
	// observability hooks). Nil yields a no-op tracer.
	TracerProvider observability.TracerProvider
}

// Reconciler is the background task described in §4.12.
type Reconciler struct {
	store        Store
	exec         executor.Executor
	guard        *resilience.ConcurrencyGuard
	instanceID   string
	pollInterval time.Duration
	leaseTTL     time.Duration
	orphanPolicy OrphanPolicy
	logger       *slog.Logger
	tracer       observability.Tracer

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Reconciler that identifies its lease holder as
// instanceID (distinct per engine process).
func New(store Store, exec executor.Executor, guard *resilience.ConcurrencyGuard, instanceID string, opts Options) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 60 * time.Second
	}
	if opts.OrphanPolicy == "" {
		opts.OrphanPolicy = OrphanReportOnly
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = observability.NewNoopProvider()
	}
	return &Reconciler{
		store:        store,
		exec:         exec,
		guard:        guard,
		instanceID:   instanceID,
		pollInterval: opts.PollInterval,
		leaseTTL:     opts.LeaseTTL,
		orphanPolicy: opts.OrphanPolicy,
		logger:       opts.Logger.With(slog.String("component", "reconciler")),
		tracer:       opts.TracerProvider.Tracer("reconciler"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the polling loop in the background.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.runCycle(ctx); err != nil {
				r.logger.Error("reconciliation cycle failed", slog.Any("error", err))
			}
		}
	}
}

// runCycle acquires the global lease, then reconciles every RUNNING run
// that has an external_ref, before releasing it (§4.12's numbered
// steps).
func (r *Reconciler) runCycle(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "reconciler.cycle")
	defer span.End()

	held, ok, err := r.guard.TryAcquire(ctx, leaseKey, r.instanceID, r.leaseTTL)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !ok {
		r.logger.Debug("lease held by another instance, skipping cycle")
		return nil
	}
	defer held.Release(ctx)

	runs, err := r.store.ListRuns(ctx, ledger.Filter{Status: ledger.StatusRunning})
	if err != nil {
		return err
	}

	observedRefs := make(map[string]bool, len(runs))
	for _, run := range runs {
		if run.ExternalRef == "" {
			continue
		}
		observedRefs[run.ExternalRef] = true
		r.reconcileRun(ctx, run)
	}

	if r.orphanPolicy != OrphanIgnore {
		r.detectExternalOrphans(ctx, observedRefs)
	}
	return nil
}

// reconcileRun applies executor.get_status to a single RUNNING run: a
// terminal divergence is applied as a normal status transition; an
// unrecognized external_ref means the external runtime lost track of
// work the engine crashed mid-flight on, so the run is failed with
// cause ORPHANED rather than left stuck forever.
func (r *Reconciler) reconcileRun(ctx context.Context, run *ledger.Run) {
	status, err := r.exec.GetStatus(ctx, run.ExternalRef)
	if err != nil {
		r.logger.Warn("get_status failed", slog.String("run_id", run.RunID), slog.Any("error", err))
		return
	}

	if err := r.store.Heartbeat(ctx, run.RunID); err != nil {
		r.logger.Error("heartbeat failed", slog.String("run_id", run.RunID), slog.Any("error", err))
	}

	switch status {
	case executor.ExecCompleted:
		r.transition(ctx, run, ledger.StatusCompleted, "")
	case executor.ExecFailed:
		r.transition(ctx, run, ledger.StatusFailed, "executor reported failure")
	case executor.ExecCancelled:
		r.transition(ctx, run, ledger.StatusCancelled, "executor reported cancellation")
	case executor.ExecUnknown:
		if err := r.store.RecordEvent(ctx, run.RunID, ledger.EventOrphanDetected, map[string]any{
			"external_ref": run.ExternalRef,
			"reason":       "executor no longer recognizes external_ref",
		}); err != nil {
			r.logger.Error("failed to record orphan event", slog.String("run_id", run.RunID), slog.Any("error", err))
		}
		r.transition(ctx, run, ledger.StatusFailed, "ORPHANED")
	case executor.ExecPending, executor.ExecRunning:
		// still in flight, nothing to reconcile
	}
}

func (r *Reconciler) transition(ctx context.Context, run *ledger.Run, newStatus ledger.Status, errMsg string) {
	if err := r.store.UpdateStatus(ctx, run.RunID, newStatus, errMsg); err != nil {
		var invalidTransition *pkgerrors.InvalidTransitionError
		if errors.As(err, &invalidTransition) {
			// Already moved on (e.g. the dispatcher's own completion
			// callback won the race); nothing to report.
			return
		}
		r.logger.Error("reconciler transition failed", slog.String("run_id", run.RunID), slog.String("to", string(newStatus)), slog.Any("error", err))
		return
	}
	if err := r.store.RecordEvent(ctx, run.RunID, ledger.EventReconciled, map[string]any{
		"external_ref": run.ExternalRef,
		"status":       string(newStatus),
	}); err != nil {
		r.logger.Error("failed to record reconciled event", slog.String("run_id", run.RunID), slog.Any("error", err))
	}
}

// detectExternalOrphans looks for backend-active refs the ledger has no
// RUNNING run for at all — work submitted outside the engine, or work
// whose run already moved on while the backend hasn't caught up. Only
// meaningful for executors implementing OrphanLister.
func (r *Reconciler) detectExternalOrphans(ctx context.Context, knownRefs map[string]bool) {
	lister, ok := r.exec.(OrphanLister)
	if !ok {
		return
	}

	active, err := lister.ListActiveRefs(ctx)
	if err != nil {
		r.logger.Warn("failed to list active external refs", slog.Any("error", err))
		return
	}

	for _, ref := range active {
		if knownRefs[ref] {
			continue
		}
		r.logger.Warn("orphaned external ref detected", slog.String("external_ref", ref), slog.String("policy", string(r.orphanPolicy)))
		if r.orphanPolicy == OrphanCancelOrphan {
			if err := r.exec.Cancel(ctx, ref); err != nil {
				r.logger.Error("failed to cancel orphaned external ref", slog.String("external_ref", ref), slog.Any("error", err))
			}
		}
	}
}
