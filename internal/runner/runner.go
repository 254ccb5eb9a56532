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

// Package runner executes a workflow.Definition (§4.10): it resolves
// each step's handler, applies the effective retry policy and
// deadline, and threads step outputs forward through a
// workflow.WorkflowContext, either in declaration order or following
// the dependency DAG with bounded concurrency.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracklane/engine/internal/retry"
	pkgerrors "github.com/tracklane/engine/pkg/errors"
	"github.com/tracklane/engine/pkg/workflow"
	"github.com/tracklane/engine/pkg/workflow/expression"
)

// OperationRunner is the subset of Dispatcher a Runner needs: a
// synchronous operation submission. Decoupled as an interface so the
// runner package does not import internal/dispatch.
type OperationRunner interface {
	SubmitOperationSync(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}

// Hooks are optional step-level observation callbacks.
type Hooks struct {
	OnStepStart func(stepName string)
	OnStepEnd   func(stepName string, result workflow.StepResult)
}

// Options configures a Runner. Strategy, Evaluator, and Logger have
// sane defaults if left nil.
type Options struct {
	MaxConcurrency int
	Strategy       retry.Strategy
	Evaluator      *expression.Evaluator
	Logger         *slog.Logger
	Hooks          Hooks
}

// Runner executes workflow.Definitions.
type Runner struct {
	ops            OperationRunner
	strategy       retry.Strategy
	eval           *expression.Evaluator
	maxConcurrency int
	logger         *slog.Logger
	hooks          Hooks
}

// New returns a Runner that dispatches operation steps through ops.
func New(ops OperationRunner, opts Options) *Runner {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.Strategy == nil {
		opts.Strategy = retry.NewExponentialBackoff()
	}
	if opts.Evaluator == nil {
		opts.Evaluator = expression.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		ops:            ops,
		strategy:       opts.Strategy,
		eval:           opts.Evaluator,
		maxConcurrency: opts.MaxConcurrency,
		logger:         opts.Logger.With(slog.String("component", "workflow_runner")),
		hooks:          opts.Hooks,
	}
}

// Execute runs def to completion (or first STOP-policy failure),
// applying def.ExecutionMode's scheduling discipline.
func (r *Runner) Execute(ctx context.Context, def *workflow.Definition, params map[string]any) (*workflow.WorkflowResult, error) {
	if _, err := def.Lint(nil); err != nil {
		return nil, err
	}

	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	merged := mergeParams(def.Defaults, params)
	wfctx := workflow.NewWorkflowContext(merged)

	result := &workflow.WorkflowResult{
		Status:      "running",
		StepTimings: make(map[string]workflow.StepTiming),
	}

	mode := def.ExecutionMode
	if mode == "" {
		mode = workflow.ModeSequential
	}

	var err error
	if mode == workflow.ModeParallel {
		err = r.executeParallel(ctx, def, wfctx, result)
	} else {
		err = r.executeSequential(ctx, def, wfctx, result)
	}

	result.Outputs = wfctx.GetOutputs()
	if err != nil {
		if result.Status == "running" {
			result.Status = "failed"
		}
		return result, err
	}
	if result.Status == "running" {
		result.Status = "completed"
	}
	return result, nil
}

func (r *Runner) executeSequential(ctx context.Context, def *workflow.Definition, wfctx *workflow.WorkflowContext, result *workflow.WorkflowResult) error {
	for _, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			result.Status = "cancelled"
			return err
		}

		startedAt := time.Now()
		res, err := r.runStepWithPolicy(ctx, def, step, wfctx)
		result.StepTimings[step.Name] = workflow.StepTiming{StartedAt: startedAt, Duration: res.Duration}
		result.CompletedSteps = append(result.CompletedSteps, step.Name)
		if err != nil {
			result.ErrorStep = step.Name
			return err
		}
		if res.Outcome == workflow.OutcomeFail {
			if step.ErrorPolicy == workflow.ErrorContinue || (step.ErrorPolicy == "" && def.ErrorPolicy == workflow.ErrorContinue) {
				continue
			}
			result.ErrorStep = step.Name
			return fmt.Errorf("runner: step %q failed: %s", step.Name, res.Error)
		}
	}
	return nil
}

// executeParallel computes the dependency order and runs ready steps
// through a bounded worker pool, respecting each step's DependsOn
// predecessors (§4.10's parallel scheduler).
func (r *Runner) executeParallel(ctx context.Context, def *workflow.Definition, wfctx *workflow.WorkflowContext, result *workflow.WorkflowResult) error {
	ordered, err := workflow.ComputeTopologicalOrder(def.Steps, def.Name)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	done := make(map[string]bool, len(ordered))
	failed := false
	var firstErr error
	var errorStep string

	sem := make(chan struct{}, r.maxConcurrency)
	var wg sync.WaitGroup

	ready := func() []*workflow.Step {
		mu.Lock()
		defer mu.Unlock()
		var out []*workflow.Step
		for _, s := range ordered {
			if done[s.Name] {
				continue
			}
			satisfied := true
			for _, dep := range s.DependsOn {
				if !done[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				out = append(out, s)
			}
		}
		return out
	}

	scheduled := make(map[string]bool, len(ordered))
	for {
		mu.Lock()
		remaining := len(ordered) - len(done)
		mu.Unlock()
		if remaining == 0 || failed {
			break
		}
		if ctx.Err() != nil {
			mu.Lock()
			failed = true
			firstErr = ctx.Err()
			mu.Unlock()
			break
		}

		launched := false
		for _, step := range ready() {
			mu.Lock()
			if scheduled[step.Name] {
				mu.Unlock()
				continue
			}
			scheduled[step.Name] = true
			mu.Unlock()
			launched = true

			wg.Add(1)
			sem <- struct{}{}
			go func(step *workflow.Step) {
				defer wg.Done()
				defer func() { <-sem }()

				startedAt := time.Now()
				res, err := r.runStepWithPolicy(ctx, def, step, wfctx)

				mu.Lock()
				done[step.Name] = true
				result.StepTimings[step.Name] = workflow.StepTiming{StartedAt: startedAt, Duration: res.Duration}
				result.CompletedSteps = append(result.CompletedSteps, step.Name)
				if err != nil && !failed {
					failed = true
					firstErr = err
					errorStep = step.Name
				} else if res.Outcome == workflow.OutcomeFail && !failed &&
					step.ErrorPolicy != workflow.ErrorContinue && (step.ErrorPolicy != "" || def.ErrorPolicy != workflow.ErrorContinue) {
					failed = true
					firstErr = fmt.Errorf("runner: step %q failed: %s", step.Name, res.Error)
					errorStep = step.Name
				}
				mu.Unlock()
			}(step)
		}

		if !launched {
			time.Sleep(5 * time.Millisecond)
		}
	}

	wg.Wait()

	if failed {
		result.ErrorStep = errorStep
		if result.Status != "cancelled" && ctx.Err() != nil {
			result.Status = "cancelled"
		}
		return firstErr
	}
	return nil
}

// runStepWithPolicy applies the effective retry policy and deadline
// (step override -> workflow default -> runner default) around a
// single step invocation (§4.10 steps 1-5).
func (r *Runner) runStepWithPolicy(ctx context.Context, def *workflow.Definition, step *workflow.Step, wfctx *workflow.WorkflowContext) (workflow.StepResult, error) {
	if r.hooks.OnStepStart != nil {
		r.hooks.OnStepStart(step.Name)
	}

	policy := step.RetryPolicy
	if policy == nil {
		policy = def.RetryPolicy
	}
	maxRetries := 0
	var nonRetryable []string
	if policy != nil {
		maxRetries = policy.MaxRetries
		nonRetryable = policy.NonRetryableCategories
	}

	timeoutSeconds := step.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = def.TimeoutSeconds
	}

	errorPolicy := step.ErrorPolicy
	if errorPolicy == "" {
		errorPolicy = def.ErrorPolicy
	}
	if errorPolicy == "" {
		errorPolicy = workflow.ErrorStop
	}

	start := time.Now()
	var res workflow.StepResult
	var err error

	attempt := 0
	for {
		attempt++
		stepCtx := ctx
		var cancel context.CancelFunc
		if timeoutSeconds > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		}
		res, err = r.runStep(stepCtx, wfctx, step)
		if cancel != nil {
			cancel()
		}

		if err == nil && res.Outcome != workflow.OutcomeFail {
			break
		}

		cat := pkgerrors.Category(res.ErrorCategory)
		if cat == "" {
			cat = pkgerrors.CategoryUnknown
		}
		if !r.strategy.ShouldRetry(attempt, maxRetries, cat, nonRetryable) {
			r.logger.Warn("step exhausted retries", slog.String("step", step.Name), slog.Int("attempt", attempt), slog.String("category", string(cat)))
			break
		}

		delay := r.strategy.NextDelay(attempt)
		r.logger.Debug("retrying step", slog.String("step", step.Name), slog.Int("attempt", attempt), slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			goto done
		case <-time.After(delay):
		}
	}
done:

	res.Duration = time.Since(start)

	if (err != nil || res.Outcome == workflow.OutcomeFail) && errorPolicy == workflow.ErrorContinue {
		if res.Outcome != workflow.OutcomeFail {
			res = workflow.Fail(err, string(pkgerrors.CategoryUnknown))
			res.Duration = time.Since(start)
		}
		err = nil
	}

	wfctx.SetOutput(step.Name, res)
	if r.hooks.OnStepEnd != nil {
		r.hooks.OnStepEnd(step.Name, res)
	}

	return res, err
}

// runStep resolves and invokes the step's handler by type (§4.10 step 3).
func (r *Runner) runStep(ctx context.Context, wfctx *workflow.WorkflowContext, step *workflow.Step) (workflow.StepResult, error) {
	switch step.Type {
	case workflow.StepOperation:
		return r.runOperation(ctx, wfctx, step)
	case workflow.StepLambda, workflow.StepFunction:
		if step.Lambda == nil {
			return workflow.Fail(fmt.Errorf("no lambda configured for step %q", step.Name), string(pkgerrors.CategoryConfig)), nil
		}
		params := r.resolveParams(step.Params, wfctx)
		return step.Lambda(wfctx, params)
	case workflow.StepChoice:
		return r.runChoice(wfctx, step)
	case workflow.StepWait:
		return r.runWait(ctx, step)
	case workflow.StepMap:
		return r.runMap(ctx, wfctx, step)
	default:
		return workflow.Fail(fmt.Errorf("unknown step type %q", step.Type), string(pkgerrors.CategoryConfig)), nil
	}
}

func (r *Runner) runOperation(ctx context.Context, wfctx *workflow.WorkflowContext, step *workflow.Step) (workflow.StepResult, error) {
	params := r.resolveParams(step.Params, wfctx)
	out, err := r.ops.SubmitOperationSync(ctx, step.Operation, params)
	if err != nil {
		cat := string(pkgerrors.CategoryUnknown)
		if ce, ok := err.(pkgerrors.CategorizedError); ok {
			cat = string(ce.Category())
		}
		return workflow.Fail(err, cat), nil
	}
	return workflow.Ok(out), nil
}

func (r *Runner) runChoice(wfctx *workflow.WorkflowContext, step *workflow.Step) (workflow.StepResult, error) {
	exprCtx := r.buildExprContext(wfctx)
	take, err := r.eval.Evaluate(step.Choice.Predicate, exprCtx)
	if err != nil {
		return workflow.Fail(err, string(pkgerrors.CategoryValidation)), nil
	}
	next := step.Choice.ElseStep
	if take {
		next = step.Choice.ThenStep
	}
	res := workflow.Ok(map[string]any{"taken": take})
	res.NextStep = next
	return res, nil
}

func (r *Runner) runWait(ctx context.Context, step *workflow.Step) (workflow.StepResult, error) {
	select {
	case <-time.After(time.Duration(step.WaitSeconds) * time.Second):
		return workflow.Ok(nil), nil
	case <-ctx.Done():
		return workflow.StepResult{}, ctx.Err()
	}
}

// runMap evaluates the map step's items expression and runs the nested
// step list once per element in a child context carrying that element.
func (r *Runner) runMap(ctx context.Context, wfctx *workflow.WorkflowContext, step *workflow.Step) (workflow.StepResult, error) {
	exprCtx := r.buildExprContext(wfctx)
	itemsVal, err := r.eval.EvaluateValue(step.Map.Items, exprCtx)
	if err != nil {
		return workflow.Fail(err, string(pkgerrors.CategoryValidation)), nil
	}

	items, ok := itemsVal.([]interface{})
	if !ok {
		return workflow.Fail(fmt.Errorf("map step %q items expression did not return a sequence", step.Name), string(pkgerrors.CategoryValidation)), nil
	}

	outputs := make([]map[string]any, 0, len(items))
	for i, item := range items {
		childInputs := mergeParams(wfctx.GetInputs(), map[string]any{"item": item, "index": i})
		childCtx := workflow.NewWorkflowContext(childInputs)

		for _, nested := range step.Map.Steps {
			res, err := r.runStepWithPolicy(ctx, &workflow.Definition{Name: step.Name, ErrorPolicy: step.ErrorPolicy, RetryPolicy: step.RetryPolicy}, nested, childCtx)
			if err != nil || res.Outcome == workflow.OutcomeFail {
				return workflow.Fail(fmt.Errorf("map item %d step %q: %w", i, nested.Name, orDefault(err, fmt.Errorf("%s", res.Error))), res.ErrorCategory), nil
			}
		}

		item := make(map[string]any)
		for k, v := range childCtx.GetOutputs() {
			item[k] = v.ToMap()
		}
		outputs = append(outputs, item)
	}

	out := make(map[string]any, 1)
	out["items"] = outputs
	return workflow.Ok(out), nil
}

func (r *Runner) buildExprContext(wfctx *workflow.WorkflowContext) map[string]interface{} {
	steps := make(map[string]expression.StepOutputConverter, len(wfctx.GetOutputs()))
	for name, res := range wfctx.GetOutputs() {
		steps[name] = res
	}
	return expression.BuildContextFromTypedOutputs(wfctx.GetInputs(), steps)
}

func (r *Runner) resolveParams(params map[string]any, wfctx *workflow.WorkflowContext) map[string]any {
	if params == nil {
		return nil
	}
	exprCtx := r.buildExprContext(wfctx)
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			resolved[k] = v
			continue
		}
		preprocessed, err := expression.PreprocessTemplate(s, exprCtx)
		if err != nil {
			resolved[k] = v
			continue
		}
		resolved[k] = preprocessed
	}
	return resolved
}

func mergeParams(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func orDefault(err error, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
