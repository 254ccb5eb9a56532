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

// Package dispatch implements the engine's single public submission
// API: Submit, Status, Cancel. It is the only component that sees the
// ledger, the handler registry, an Executor, and the retry/resilience
// layers all at once — every other package only needs one or two of
// them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracklane/engine/internal/controller/metrics"
	"github.com/tracklane/engine/internal/executor"
	"github.com/tracklane/engine/internal/ledger"
	"github.com/tracklane/engine/internal/registry"
	"github.com/tracklane/engine/internal/resilience"
	"github.com/tracklane/engine/internal/retry"
	pkgerrors "github.com/tracklane/engine/pkg/errors"
	"github.com/tracklane/engine/pkg/observability"
)

// Dispatcher is the engine's entry point: it turns a WorkSpec into a
// running, tracked, retried-on-failure Run.
type Dispatcher struct {
	store    ledger.Store
	registry *registry.Registry
	exec     executor.Executor
	strategy retry.Strategy
	guard    *resilience.ConcurrencyGuard
	limiter  *resilience.KeyedRateLimiter
	breakers *resilience.BreakerRegistry
	lockTTL  time.Duration
	logger   *slog.Logger
	tracer   observability.Tracer

	// outputs caches each run's last completed Result.Output, keyed by
	// RunID. The ledger persists Status/Error but not the handler's
	// payload; SubmitOperationSync needs the payload to hand back to a
	// workflow step, so the dispatcher keeps it around just long enough
	// to be claimed once.
	outputs sync.Map
}

// Options configures a Dispatcher. Guard and Strategy have sane
// defaults if left nil.
type Options struct {
	Strategy retry.Strategy
	Guard    *resilience.ConcurrencyGuard
	// Limiter, if set, throttles handler invocations per "<kind>:<name>"
	// key inside the task the executor runs, before the handler is
	// called (§7's per-integration rate limits). Nil disables throttling.
	Limiter *resilience.KeyedRateLimiter
	// Breakers, if set, wraps handler invocations in a per-"<kind>:<name>"
	// circuit breaker so a failing downstream stops accepting new work
	// instead of queuing up failures one retry at a time. Nil disables
	// breaking.
	Breakers *resilience.BreakerRegistry
	LockTTL  time.Duration
	Logger   *slog.Logger
	// TracerProvider, if set, supplies the dispatcher's root spans (§5.x's
	// observability hooks). Nil yields a no-op tracer so tracing is
	// strictly additive.
	TracerProvider observability.TracerProvider
}

// New returns a Dispatcher over store, resolving handlers via reg and
// running them through exec.
func New(store ledger.Store, reg *registry.Registry, exec executor.Executor, opts Options) *Dispatcher {
	if opts.Strategy == nil {
		opts.Strategy = retry.NewExponentialBackoff()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Guard == nil {
		opts.Guard = resilience.NewConcurrencyGuard(store, time.Second, opts.Logger)
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = observability.NewNoopProvider()
	}

	return &Dispatcher{
		store:    store,
		registry: reg,
		exec:     exec,
		strategy: opts.Strategy,
		guard:    opts.Guard,
		limiter:  opts.Limiter,
		breakers: opts.Breakers,
		lockTTL:  opts.LockTTL,
		logger:   opts.Logger.With(slog.String("component", "dispatcher")),
		tracer:   opts.TracerProvider.Tracer("dispatcher"),
	}
}

// Submit is the engine's submission algorithm (§4.6): idempotency
// short-circuit, handler resolution, a per-idempotency-key concurrency
// lock so two concurrent submissions of the same key cannot both
// create a Run, ledger persistence, and handoff to the executor.
func (d *Dispatcher) Submit(ctx context.Context, spec ledger.WorkSpec) (*ledger.Run, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Submit", observability.WithAttributes(map[string]any{
		"work.kind": string(spec.Kind),
		"work.name": spec.Name,
	}))
	defer span.End()

	if spec.IdempotencyKey != "" {
		lockKey := "idempotency:" + spec.IdempotencyKey
		held, err := d.guard.Acquire(ctx, lockKey, "dispatcher", d.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: acquire submission lock: %w", err)
		}
		defer held.Release(context.Background())
	}

	run, err := d.store.CreateExecution(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create execution: %w", err)
	}

	if run.Status != ledger.StatusPending {
		// CreateExecution returned an existing, already-progressing
		// run sharing this idempotency key (§4.2): nothing new to
		// submit to the executor.
		return run, nil
	}

	if err := d.startRun(ctx, run, spec); err != nil {
		return run, err
	}

	return run, nil
}

// transitionStatus applies a ledger status change and records it against
// the engine_run_transitions_total / engine_run_duration_seconds metrics
// (§5's observability requirements for the run state machine).
func (d *Dispatcher) transitionStatus(ctx context.Context, run *ledger.Run, newStatus ledger.Status, errMsg string) error {
	from := run.Status
	if err := d.store.UpdateStatus(ctx, run.RunID, newStatus, errMsg); err != nil {
		return err
	}
	observability.SpanFromContext(ctx).AddEvent("run.transition", map[string]any{
		"run.id": run.RunID,
		"from":   string(from),
		"to":     string(newStatus),
	})
	metrics.RecordRunTransition(string(from), string(newStatus))
	if newStatus.IsTerminal() {
		metrics.RecordRunDuration(string(run.Spec.Kind), string(newStatus), time.Since(run.CreatedAt))
	}
	return nil
}

func (d *Dispatcher) startRun(ctx context.Context, run *ledger.Run, spec ledger.WorkSpec) error {
	handler, err := d.registry.Lookup(spec)
	if err != nil {
		// §4.6 step 4: a run whose handler cannot be resolved never
		// reaches the executor. Route it through the same
		// fail->(retry-policy)->DLQ path as any other non-retryable
		// failure instead of leaving it stranded in PENDING.
		if failErr := d.finishFailed(ctx, run, spec, err); failErr != nil {
			return failErr
		}
		return err
	}

	if err := d.transitionStatus(ctx, run, ledger.StatusRunning, ""); err != nil {
		return fmt.Errorf("dispatcher: transition to running: %w", err)
	}

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	task := executor.Task{
		RunID:   run.RunID,
		Timeout: timeout,
		Run: func(taskCtx context.Context) (map[string]any, error) {
			return d.invoke(taskCtx, spec, handler)
		},
	}

	execCtx, execSpan := d.tracer.Start(ctx, "dispatcher.executorSubmit", observability.WithSpanKind(observability.SpanKindClient))
	ref, err := d.exec.Submit(execCtx, task)
	if err != nil {
		execSpan.RecordError(err)
	}
	execSpan.End()
	if err != nil {
		return d.finishFailed(ctx, run, spec, err)
	}

	if err := d.store.SetExternalRef(ctx, run.RunID, ref); err != nil {
		d.logger.Warn("failed to persist external ref", slog.String("run_id", run.RunID), slog.Any("error", err))
	}

	waiter, ok := d.exec.(executor.ResultWaiter)
	if !ok {
		// Executors without a synchronous wait path are completed out of
		// band by whatever observes their results and calls
		// Dispatcher.Complete directly.
		return nil
	}

	go d.await(context.Background(), run, spec, ref, waiter)
	return nil
}

// invoke runs handler for spec through the optional rate limiter and
// circuit breaker, in that order: a throttled call never counts
// against the breaker, but a breaker-tripped name fails fast without
// waiting on a token.
func (d *Dispatcher) invoke(ctx context.Context, spec ledger.WorkSpec, handler registry.Handler) (map[string]any, error) {
	key := string(spec.Kind) + ":" + spec.Name

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, key); err != nil {
			return nil, fmt.Errorf("dispatcher: rate limit wait for %s: %w", key, err)
		}
	}

	if d.breakers != nil {
		return d.breakers.Execute(ctx, key, func(ctx context.Context) (map[string]any, error) {
			return handler.Handle(ctx, spec)
		})
	}
	return handler.Handle(ctx, spec)
}

func (d *Dispatcher) await(ctx context.Context, run *ledger.Run, spec ledger.WorkSpec, ref string, waiter executor.ResultWaiter) {
	res, err := waiter.Wait(ctx, ref)
	if err != nil {
		d.logger.Error("executor wait failed", slog.String("run_id", run.RunID), slog.Any("error", err))
		return
	}
	d.Complete(ctx, run, spec, res)
}

// Complete records a task's terminal executor Result against the
// ledger, applying the retry policy on failure. It is exported so
// whoever observes an out-of-band executor's results can report
// completions the dispatcher did not synchronously await.
func (d *Dispatcher) Complete(ctx context.Context, run *ledger.Run, spec ledger.WorkSpec, res executor.Result) {
	if latest, err := d.store.GetRun(ctx, run.RunID); err == nil && latest.Status.IsTerminal() {
		// An explicit Cancel already moved this run to a terminal
		// state before the executor's own result arrived; nothing left
		// to record.
		return
	}

	switch res.Status {
	case executor.ExecCompleted:
		if res.Output != nil {
			d.outputs.Store(run.RunID, res.Output)
		}
		if err := d.transitionStatus(ctx, run, ledger.StatusCompleted, ""); err != nil {
			d.logger.Error("failed to record completion", slog.String("run_id", run.RunID), slog.Any("error", err))
		}
	case executor.ExecCancelled:
		if err := d.transitionStatus(ctx, run, ledger.StatusCancelled, ""); err != nil {
			d.logger.Error("failed to record cancellation", slog.String("run_id", run.RunID), slog.Any("error", err))
		}
	default:
		if err := d.finishFailed(ctx, run, spec, res.Err); err != nil {
			d.logger.Error("failed to record failure", slog.String("run_id", run.RunID), slog.Any("error", err))
		}
	}
}

// finishFailed transitions a run to FAILED and then, per the retry
// policy, either re-queues it (F->P) or pushes it to the dead-letter
// queue (F->D).
func (d *Dispatcher) finishFailed(ctx context.Context, run *ledger.Run, spec ledger.WorkSpec, cause error) error {
	errMsg := "unknown error"
	if cause != nil {
		errMsg = cause.Error()
	}

	if err := d.transitionStatus(ctx, run, ledger.StatusFailed, errMsg); err != nil {
		return fmt.Errorf("dispatcher: transition to failed: %w", err)
	}

	cat := pkgerrors.CategoryUnknown
	if ce, ok := cause.(pkgerrors.CategorizedError); ok {
		cat = ce.Category()
	}

	maxRetries := 0
	var nonRetryable []string
	if spec.RetryPolicy != nil {
		maxRetries = spec.RetryPolicy.MaxRetries
		nonRetryable = spec.RetryPolicy.NonRetryableCategories
	}

	attempt := run.RetryCount + 1
	if d.strategy.ShouldRetry(attempt, maxRetries, cat, nonRetryable) {
		delay := d.strategy.NextDelay(attempt)
		go func() {
			time.Sleep(delay)
			if err := d.transitionStatus(context.Background(), run, ledger.StatusPending, ""); err != nil {
				d.logger.Error("failed to requeue run", slog.String("run_id", run.RunID), slog.Any("error", err))
				return
			}
			latest, err := d.store.GetRun(context.Background(), run.RunID)
			if err != nil {
				d.logger.Error("failed to reload run for retry", slog.String("run_id", run.RunID), slog.Any("error", err))
				return
			}
			if err := d.startRun(context.Background(), latest, spec); err != nil {
				d.logger.Error("failed to restart run", slog.String("run_id", run.RunID), slog.Any("error", err))
			}
		}()
		return nil
	}

	if err := d.store.AddToDLQ(ctx, run.RunID, errMsg, attempt); err != nil {
		return fmt.Errorf("dispatcher: add to dlq: %w", err)
	}
	return nil
}

// Status returns the current ledger Run for runID.
func (d *Dispatcher) Status(ctx context.Context, runID string) (*ledger.Run, error) {
	return d.store.GetRun(ctx, runID)
}

// Cancel transitions a run to CANCELLED and asks the executor to
// interrupt it, best-effort — some executors cannot interrupt work
// already claimed elsewhere.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return fmt.Errorf("dispatcher: run %s is already %s", runID, run.Status)
	}

	if err := d.transitionStatus(ctx, run, ledger.StatusCancelled, "cancelled by request"); err != nil {
		return err
	}

	if run.ExternalRef != "" {
		if err := d.exec.Cancel(ctx, run.ExternalRef); err != nil {
			d.logger.Warn("executor cancel failed", slog.String("run_id", runID), slog.Any("error", err))
		}
	}
	return nil
}

// SubmitOperationSync submits an operation WorkSpec and blocks until the
// resulting run reaches a terminal state or ctx is done. This is the
// synchronous entry point a workflow runner's operation steps call
// (§4.10): "runnable.submit_operation_sync(name, merged_params)".
func (d *Dispatcher) SubmitOperationSync(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	spec := ledger.WorkSpec{Kind: ledger.KindOperation, Name: name, Params: params}

	run, err := d.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		latest, err := d.store.GetRun(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		if latest.Status.IsTerminal() {
			if latest.Status == ledger.StatusCompleted {
				if out, ok := d.outputs.LoadAndDelete(run.RunID); ok {
					return out.(map[string]any), nil
				}
				return nil, nil
			}
			return nil, fmt.Errorf("dispatcher: operation %s ended in status %s: %s", name, latest.Status, latest.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RetryDeadLetter resubmits a dead-lettered run by reconstructing its
// WorkSpec from the DLQ record and transitioning D->P->R.
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, dlqID string) error {
	dl, err := d.store.GetDeadLetter(ctx, dlqID)
	if err != nil {
		return err
	}
	if err := d.store.RetryFromDLQ(ctx, dlqID); err != nil {
		return err
	}
	run, err := d.store.GetRun(ctx, dl.RunID)
	if err != nil {
		return err
	}
	return d.startRun(ctx, run, dl.Spec)
}
