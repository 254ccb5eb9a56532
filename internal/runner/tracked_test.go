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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklane/engine/internal/ledger"
	"github.com/tracklane/engine/internal/ledger/memory"
	"github.com/tracklane/engine/pkg/workflow"
)

func TestTrackedRunner_CompletesAndAdvancesManifest(t *testing.T) {
	ops := newStubOps()
	ops.results["fetch"] = map[string]any{"count": 3}
	ops.results["store"] = map[string]any{"stored": true}

	def := &workflow.Definition{
		Name: "ingest",
		Steps: []*workflow.Step{
			workflow.NewOperationStep("fetch", "fetch"),
			workflow.NewOperationStep("store", "store", "fetch"),
		},
	}

	store := memory.New()
	tracked := NewTracked(New(ops, Options{}), store)

	run, result, err := tracked.Execute(context.Background(), "orders", def, nil, "2026-07-30")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, run.Status)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, []string{"fetch", "store"}, result.CompletedSteps)

	stages, err := store.StagesFor(context.Background(), "orders", "ingest", "2026-07-30")
	require.NoError(t, err)
	assert.Contains(t, stages, "fetch")
	assert.Contains(t, stages, "store")
}

func TestTrackedRunner_ResumeSkipsCompletedStages(t *testing.T) {
	ops := newStubOps()
	ops.results["fetch"] = map[string]any{"count": 3}
	ops.results["store"] = map[string]any{"stored": true}

	def := &workflow.Definition{
		Name: "ingest",
		Steps: []*workflow.Step{
			workflow.NewOperationStep("fetch", "fetch"),
			workflow.NewOperationStep("store", "store", "fetch"),
		},
	}

	store := memory.New()
	require.NoError(t, store.AdvanceTo(context.Background(), ledger.Manifest{
		Domain: "orders", WorkflowName: "ingest", PartitionKey: "2026-07-30", Stage: "fetch",
	}))

	tracked := NewTracked(New(ops, Options{}), store)
	_, result, err := tracked.Execute(context.Background(), "orders", def, nil, "2026-07-30")
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, []string{"store"}, ops.calls)
	assert.NotContains(t, result.CompletedSteps, "fetch")
}

func TestTrackedRunner_StopPolicyRecordsAnomalyAndFailsRun(t *testing.T) {
	ops := newStubOps()
	ops.errs["fetch"] = errors.New("upstream unavailable")

	def := &workflow.Definition{
		Name:        "ingest",
		ErrorPolicy: workflow.ErrorStop,
		Steps: []*workflow.Step{
			workflow.NewOperationStep("fetch", "fetch"),
		},
	}

	store := memory.New()
	tracked := NewTracked(New(ops, Options{}), store)

	run, _, err := tracked.Execute(context.Background(), "orders", def, nil, "2026-07-30")
	require.Error(t, err)
	assert.Equal(t, ledger.StatusDeadLettered, run.Status)

	anomalies, aerr := store.ListAnomalies(context.Background(), run.RunID)
	require.NoError(t, aerr)
	require.Len(t, anomalies, 1)
	assert.Equal(t, ledger.SeverityCritical, anomalies[0].Severity)
	assert.Equal(t, "fetch", anomalies[0].StepName)
}

func TestTrackedRunner_EmitsStepAndAnomalyEvents(t *testing.T) {
	ops := newStubOps()
	ops.errs["fetch"] = errors.New("upstream unavailable")
	ops.results["store"] = map[string]any{"stored": true}

	def := &workflow.Definition{
		Name:        "ingest",
		ErrorPolicy: workflow.ErrorContinue,
		Steps: []*workflow.Step{
			workflow.NewOperationStep("fetch", "fetch"),
			workflow.NewOperationStep("store", "store", "fetch"),
		},
	}

	store := memory.New()
	emitter := workflow.NewEventEmitter(false)

	var completed []string
	var anomalies []string
	emitter.On(workflow.EventStepCompleted, func(ctx context.Context, ev *workflow.Event) error {
		completed = append(completed, ev.Data["step_name"].(string))
		return nil
	})
	emitter.On(workflow.EventAnomaly, func(ctx context.Context, ev *workflow.Event) error {
		anomalies = append(anomalies, ev.Data["step_name"].(string))
		return nil
	})

	tracked := NewTracked(New(ops, Options{}), store).WithEmitter(emitter)

	_, _, err := tracked.Execute(context.Background(), "orders", def, nil, "2026-07-30")
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "store"}, completed)
	assert.Equal(t, []string{"fetch"}, anomalies)
}

func TestTrackedRunner_ContinuePolicyAdvancesPastFailedStage(t *testing.T) {
	ops := newStubOps()
	ops.errs["fetch"] = errors.New("partial source outage")
	ops.results["store"] = map[string]any{"stored": true}

	def := &workflow.Definition{
		Name:        "ingest",
		ErrorPolicy: workflow.ErrorContinue,
		Steps: []*workflow.Step{
			workflow.NewOperationStep("fetch", "fetch"),
			workflow.NewOperationStep("store", "store", "fetch"),
		},
	}

	store := memory.New()
	tracked := NewTracked(New(ops, Options{}), store)

	run, result, err := tracked.Execute(context.Background(), "orders", def, nil, "2026-07-30")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, run.Status)
	assert.Equal(t, []string{"fetch", "store"}, result.CompletedSteps)

	anomalies, aerr := store.ListAnomalies(context.Background(), run.RunID)
	require.NoError(t, aerr)
	require.Len(t, anomalies, 1)
	assert.Equal(t, ledger.SeverityWarning, anomalies[0].Severity)

	stages, serr := store.StagesFor(context.Background(), "orders", "ingest", "2026-07-30")
	require.NoError(t, serr)
	assert.Contains(t, stages, "fetch")
	assert.Contains(t, stages, "store")
}
