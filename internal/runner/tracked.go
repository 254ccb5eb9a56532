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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracklane/engine/internal/ledger"
	"github.com/tracklane/engine/pkg/workflow"
)

// TrackedStore is the persistence subset TrackedWorkflowRunner needs: run
// lifecycle (§4.2), the manifest table for idempotent resume, and the
// anomaly log for step failures (§4.11). ledger.Store satisfies it.
type TrackedStore interface {
	ledger.RunStore
	ledger.EventStore
	ledger.DLQStore
	ledger.ManifestStore
	ledger.AnomalyStore
}

// TrackedWorkflowRunner extends Runner with manifest-backed persistence
// and idempotent resume (§4.11): each run records its progress stage by
// stage so a crashed or re-submitted execution picks up from the first
// incomplete stage instead of repeating finished work.
type TrackedWorkflowRunner struct {
	*Runner
	store   TrackedStore
	logger  *slog.Logger
	emitter *workflow.EventEmitter
}

// NewTracked wraps an existing Runner with manifest/anomaly persistence.
func NewTracked(r *Runner, store TrackedStore) *TrackedWorkflowRunner {
	return &TrackedWorkflowRunner{Runner: r, store: store, logger: r.logger}
}

// WithEmitter attaches an in-process event emitter: step completions and
// anomalies are published alongside (not instead of) the persisted
// ledger records, for listeners embedded in the same process.
func (t *TrackedWorkflowRunner) WithEmitter(e *workflow.EventEmitter) *TrackedWorkflowRunner {
	t.emitter = e
	return t
}

// Execute runs def against the named (domain, partition), persisting a
// manifest row per completed stage and resuming from the first
// incomplete one on re-entry (§4.11 steps 1-5).
func (t *TrackedWorkflowRunner) Execute(ctx context.Context, domain string, def *workflow.Definition, params map[string]any, partition string) (*ledger.Run, *workflow.WorkflowResult, error) {
	run, err := t.store.CreateExecution(ctx, ledger.WorkflowSpec(def.Name, params))
	if err != nil {
		return nil, nil, fmt.Errorf("tracked runner: opening run: %w", err)
	}

	if err := t.store.UpdateStatus(ctx, run.RunID, ledger.StatusRunning, ""); err != nil {
		return run, nil, fmt.Errorf("tracked runner: starting run: %w", err)
	}

	completedStages, err := t.store.StagesFor(ctx, domain, def.Name, partition)
	if err != nil {
		return run, nil, fmt.Errorf("tracked runner: loading manifest: %w", err)
	}

	result, execErr := t.executeTracked(ctx, run, domain, def, params, partition, completedStages)

	if execErr != nil {
		t.finalizeFailure(ctx, run, def.RetryPolicy, execErr)
		return t.finalRun(ctx, run), result, execErr
	}

	if err := t.store.UpdateStatus(ctx, run.RunID, ledger.StatusCompleted, ""); err != nil {
		return t.finalRun(ctx, run), result, fmt.Errorf("tracked runner: completing run: %w", err)
	}
	return t.finalRun(ctx, run), result, nil
}

// finalRun re-reads the run so callers observe its post-execution status
// rather than the PENDING snapshot CreateExecution returned.
func (t *TrackedWorkflowRunner) finalRun(ctx context.Context, run *ledger.Run) *ledger.Run {
	fresh, err := t.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.logger.Error("failed to reload run", slog.String("run_id", run.RunID), slog.Any("error", err))
		return run
	}
	return fresh
}

func (t *TrackedWorkflowRunner) executeTracked(ctx context.Context, run *ledger.Run, domain string, def *workflow.Definition, params map[string]any, partition string, completedStages map[string]*ledger.Manifest) (*workflow.WorkflowResult, error) {
	merged := mergeParams(def.Defaults, params)
	wfctx := workflow.NewWorkflowContext(merged)

	result := &workflow.WorkflowResult{
		Status:      "running",
		StepTimings: make(map[string]workflow.StepTiming),
	}

	for _, step := range def.Steps {
		if ctx.Err() != nil {
			result.Status = "cancelled"
			return result, ctx.Err()
		}

		if _, done := completedStages[step.Name]; done {
			t.logger.Debug("skipping completed stage", slog.String("workflow", def.Name), slog.String("stage", step.Name), slog.String("partition", partition))
			continue
		}

		startedAt := time.Now()
		res, err := t.runStepWithPolicy(ctx, def, step, wfctx)
		result.StepTimings[step.Name] = workflow.StepTiming{StartedAt: startedAt, Duration: res.Duration}
		result.CompletedSteps = append(result.CompletedSteps, step.Name)

		if t.emitter != nil {
			if emitErr := t.emitter.EmitStepCompleted(ctx, run.RunID, step.Name, res.Duration, res.Output); emitErr != nil {
				t.logger.Debug("step completion listener failed", slog.String("step", step.Name), slog.Any("error", emitErr))
			}
		}

		if err != nil || res.Outcome == workflow.OutcomeFail {
			severity := ledger.SeverityWarning
			errorPolicy := step.ErrorPolicy
			if errorPolicy == "" {
				errorPolicy = def.ErrorPolicy
			}
			if errorPolicy != workflow.ErrorContinue {
				severity = ledger.SeverityCritical
			}
			anomalyErr := t.store.RecordAnomaly(ctx, ledger.Anomaly{
				RunID:    run.RunID,
				StepName: step.Name,
				Severity: severity,
				Category: res.ErrorCategory,
				Message:  res.Error,
			})
			if anomalyErr != nil {
				t.logger.Error("failed to record anomaly", slog.String("step", step.Name), slog.Any("error", anomalyErr))
			}
			if t.emitter != nil {
				if emitErr := t.emitter.EmitAnomaly(ctx, run.RunID, step.Name, string(severity), res.ErrorCategory, res.Error); emitErr != nil {
					t.logger.Debug("anomaly listener failed", slog.String("step", step.Name), slog.Any("error", emitErr))
				}
			}

			if errorPolicy == workflow.ErrorContinue {
				if advErr := t.advance(ctx, domain, def.Name, partition, step.Name, run.RunID); advErr != nil {
					t.logger.Error("failed to advance manifest", slog.String("step", step.Name), slog.Any("error", advErr))
				}
				continue
			}

			result.ErrorStep = step.Name
			if err == nil {
				err = fmt.Errorf("tracked runner: step %q failed: %s", step.Name, res.Error)
			}
			return result, err
		}

		if advErr := t.advance(ctx, domain, def.Name, partition, step.Name, run.RunID); advErr != nil {
			return result, fmt.Errorf("tracked runner: advancing manifest for step %q: %w", step.Name, advErr)
		}
	}

	result.Outputs = wfctx.GetOutputs()
	result.Status = "completed"
	return result, nil
}

func (t *TrackedWorkflowRunner) advance(ctx context.Context, domain, workflowName, partition, stage, executionID string) error {
	return t.store.AdvanceTo(ctx, ledger.Manifest{
		Domain:       domain,
		WorkflowName: workflowName,
		PartitionKey: partition,
		Stage:        stage,
		UpdatedAt:    time.Now().UTC(),
		ExecutionID:  executionID,
	})
}

// finalizeFailure transitions the run to FAILED, or DEAD_LETTERED if the
// workflow's retry budget is already exhausted (§4.11 step 4).
func (t *TrackedWorkflowRunner) finalizeFailure(ctx context.Context, run *ledger.Run, policy *ledger.RetryPolicy, execErr error) {
	if err := t.store.UpdateStatus(ctx, run.RunID, ledger.StatusFailed, execErr.Error()); err != nil {
		t.logger.Error("failed to mark run failed", slog.String("run_id", run.RunID), slog.Any("error", err))
		return
	}

	maxRetries := 0
	if policy != nil {
		maxRetries = policy.MaxRetries
	}
	if run.RetryCount >= maxRetries {
		if err := t.store.AddToDLQ(ctx, run.RunID, execErr.Error(), run.RetryCount); err != nil {
			t.logger.Error("failed to dead-letter run", slog.String("run_id", run.RunID), slog.Any("error", err))
		}
	}
}
