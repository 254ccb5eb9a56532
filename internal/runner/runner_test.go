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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklane/engine/internal/ledger"
	pkgerrors "github.com/tracklane/engine/pkg/errors"
	"github.com/tracklane/engine/pkg/workflow"
)

// stubOps is a fake OperationRunner recording every call it receives.
type stubOps struct {
	calls   []string
	results map[string]map[string]any
	errs    map[string]error
}

func newStubOps() *stubOps {
	return &stubOps{results: make(map[string]map[string]any), errs: make(map[string]error)}
}

func (s *stubOps) SubmitOperationSync(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	s.calls = append(s.calls, name)
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	return s.results[name], nil
}

func TestRunner_SequentialThreadsStepOutputs(t *testing.T) {
	ops := newStubOps()
	ops.results["fetch"] = map[string]any{"count": 3}

	def := &workflow.Definition{
		Name: "pipeline",
		Steps: []*workflow.Step{
			workflow.NewOperationStep("fetch", "fetch"),
			workflow.NewLambdaStep("double", func(ctx *workflow.WorkflowContext, config map[string]any) (workflow.StepResult, error) {
				fetched := ctx.GetOutputs()["fetch"]
				count, _ := fetched.Output["count"].(int)
				return workflow.Ok(map[string]any{"doubled": count * 2}), nil
			}, "fetch"),
		},
	}

	r := New(ops, Options{})
	result, err := r.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, []string{"fetch"}, ops.calls)

	double := result.Outputs["double"]
	assert.Equal(t, workflow.OutcomeOk, double.Outcome)
	assert.Equal(t, 6, double.Output["doubled"])
}

func TestRunner_StopPolicyShortCircuitsOnFailure(t *testing.T) {
	ops := newStubOps()
	ops.errs["broken"] = errors.New("boom")

	ran := false
	def := &workflow.Definition{
		Name: "pipeline",
		Steps: []*workflow.Step{
			workflow.NewOperationStep("broken", "broken"),
			workflow.NewLambdaStep("never", func(ctx *workflow.WorkflowContext, config map[string]any) (workflow.StepResult, error) {
				ran = true
				return workflow.Ok(nil), nil
			}, "broken"),
		},
	}

	r := New(ops, Options{})
	result, err := r.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, "broken", result.ErrorStep)
	assert.False(t, ran)
}

func TestRunner_ContinuePolicyRunsRemainingSteps(t *testing.T) {
	ops := newStubOps()
	ops.errs["broken"] = errors.New("boom")

	def := &workflow.Definition{
		Name:        "pipeline",
		ErrorPolicy: workflow.ErrorContinue,
		Steps: []*workflow.Step{
			workflow.NewOperationStep("broken", "broken"),
			workflow.NewLambdaStep("after", func(ctx *workflow.WorkflowContext, config map[string]any) (workflow.StepResult, error) {
				return workflow.Ok(map[string]any{"ran": true}), nil
			}, "broken"),
		},
	}

	r := New(ops, Options{})
	result, err := r.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, workflow.OutcomeFail, result.Outputs["broken"].Outcome)
	assert.Equal(t, workflow.OutcomeOk, result.Outputs["after"].Outcome)
}

func TestRunner_ChoiceStepSetsNextStep(t *testing.T) {
	ops := newStubOps()
	def := &workflow.Definition{
		Name: "branch",
		Steps: []*workflow.Step{
			workflow.NewChoiceStep("gate", "inputs.go == true", "yes", "no"),
		},
	}

	r := New(ops, Options{})
	result, err := r.Execute(context.Background(), def, map[string]any{"go": true})
	require.NoError(t, err)
	assert.Equal(t, "yes", result.Outputs["gate"].NextStep)
}

func TestRunner_MapStepFansOutOverItems(t *testing.T) {
	ops := newStubOps()
	def := &workflow.Definition{
		Name: "fanout",
		Steps: []*workflow.Step{
			workflow.NewMapStep("square_all", "inputs.values", []*workflow.Step{
				workflow.NewLambdaStep("square", func(ctx *workflow.WorkflowContext, config map[string]any) (workflow.StepResult, error) {
					n, _ := ctx.GetInputs()["item"].(int)
					return workflow.Ok(map[string]any{"squared": n * n}), nil
				}),
			}),
		},
	}

	r := New(ops, Options{})
	result, err := r.Execute(context.Background(), def, map[string]any{
		"values": []interface{}{2, 3, 4},
	})
	require.NoError(t, err)
	items, ok := result.Outputs["square_all"].Output["items"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, items, 3)
	assert.Equal(t, 4, items[0]["square"].(map[string]interface{})["squared"])
}

func TestRunner_ParallelRespectsDependencies(t *testing.T) {
	ops := newStubOps()
	ops.results["a"] = map[string]any{"v": 1}
	ops.results["b"] = map[string]any{"v": 2}

	var order []string
	def := &workflow.Definition{
		Name:          "dag",
		ExecutionMode: workflow.ModeParallel,
		Steps: []*workflow.Step{
			workflow.NewOperationStep("a", "a"),
			workflow.NewOperationStep("b", "b"),
			workflow.NewLambdaStep("c", func(ctx *workflow.WorkflowContext, config map[string]any) (workflow.StepResult, error) {
				order = append(order, "c")
				return workflow.Ok(nil), nil
			}, "a", "b"),
		},
	}

	r := New(ops, Options{MaxConcurrency: 2})
	result, err := r.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Contains(t, result.CompletedSteps, "a")
	assert.Contains(t, result.CompletedSteps, "b")
	assert.Equal(t, []string{"c"}, order)
}

func TestRunner_RetriesTransientFailureThenSucceeds(t *testing.T) {
	ops := newStubOps()
	attempts := 0
	def := &workflow.Definition{
		Name: "flaky",
		Steps: []*workflow.Step{
			workflow.NewLambdaStep("flaky", func(ctx *workflow.WorkflowContext, config map[string]any) (workflow.StepResult, error) {
				attempts++
				if attempts < 3 {
					return workflow.Fail(fmt.Errorf("transient"), string(pkgerrors.CategoryTransient)), nil
				}
				return workflow.Ok(map[string]any{"tries": attempts}), nil
			}),
		},
		RetryPolicy: &ledger.RetryPolicy{MaxRetries: 5},
	}

	r := New(ops, Options{})
	result, err := r.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Outputs["flaky"].Output["tries"])
}

func TestRunner_NonRetryableCategoryFailsImmediately(t *testing.T) {
	ops := newStubOps()
	attempts := 0
	def := &workflow.Definition{
		Name: "badconfig",
		Steps: []*workflow.Step{
			workflow.NewLambdaStep("cfg", func(ctx *workflow.WorkflowContext, config map[string]any) (workflow.StepResult, error) {
				attempts++
				return workflow.Fail(fmt.Errorf("bad config"), string(pkgerrors.CategoryConfig)), nil
			}),
		},
		RetryPolicy: &ledger.RetryPolicy{MaxRetries: 5},
	}

	r := New(ops, Options{})
	_, err := r.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRunner_WaitStepHonorsContextCancellation(t *testing.T) {
	ops := newStubOps()
	def := &workflow.Definition{
		Name: "slow",
		Steps: []*workflow.Step{
			workflow.NewWaitStep("pause", 30),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(ops, Options{})
	_, err := r.Execute(ctx, def, nil)
	require.Error(t, err)
}
