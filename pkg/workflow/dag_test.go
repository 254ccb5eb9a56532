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

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/tracklane/engine/pkg/errors"
)

func names(steps []*Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

func TestComputeTopologicalOrder_OrdersByDependency(t *testing.T) {
	steps := []*Step{
		NewOperationStep("c", "op.c", "a", "b"),
		NewOperationStep("a", "op.a"),
		NewOperationStep("b", "op.b", "a"),
	}

	ordered, err := ComputeTopologicalOrder(steps, "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(ordered))
}

func TestComputeTopologicalOrder_DetectsCycle(t *testing.T) {
	steps := []*Step{
		NewOperationStep("a", "op.a", "b"),
		NewOperationStep("b", "op.b", "a"),
	}

	_, err := ComputeTopologicalOrder(steps, "wf")
	require.Error(t, err)
	var cycleErr *pkgerrors.WorkflowCycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "wf", cycleErr.Workflow)
}

func TestComputeTopologicalOrder_IndependentStepsKeepDeclarationOrder(t *testing.T) {
	steps := []*Step{
		NewOperationStep("first", "op.first"),
		NewOperationStep("second", "op.second"),
	}

	ordered, err := ComputeTopologicalOrder(steps, "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, names(ordered))
}

func TestDefinition_LintCatchesDuplicateNames(t *testing.T) {
	d := &Definition{
		Name: "wf",
		Steps: []*Step{
			NewOperationStep("a", "op.a"),
			NewOperationStep("a", "op.b"),
		},
	}
	_, err := d.Lint(nil)
	require.Error(t, err)
}

func TestDefinition_LintCatchesUnknownDependency(t *testing.T) {
	d := &Definition{
		Name: "wf",
		Steps: []*Step{
			NewOperationStep("a", "op.a", "ghost"),
		},
	}
	_, err := d.Lint(nil)
	require.Error(t, err)
}

func TestDefinition_LintWarnsOnUnregisteredHandler(t *testing.T) {
	d := &Definition{
		Name: "wf",
		Steps: []*Step{
			NewOperationStep("a", "op.unregistered"),
		},
	}
	warnings, err := d.Lint(func(name string) bool { return false })
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}

func TestDefinition_StepByName(t *testing.T) {
	d := &Definition{
		Steps: []*Step{NewOperationStep("a", "op.a")},
	}
	require.NotNil(t, d.StepByName("a"))
	require.Nil(t, d.StepByName("missing"))
}

func TestStepResult_SucceededClassification(t *testing.T) {
	assert.True(t, Ok(nil).Succeeded())
	assert.True(t, Skip("not needed").Succeeded())
	assert.False(t, Fail(assert.AnError, "internal").Succeeded())
}

func TestStepResult_ToMapIncludesOutcomeAlias(t *testing.T) {
	m := Ok(map[string]any{"rows": 10}).ToMap()
	assert.Equal(t, "ok", m["status"])
	assert.Equal(t, "ok", m["outcome"])
	assert.Equal(t, 10, m["rows"])
}
