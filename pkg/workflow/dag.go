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
	"fmt"
	"sort"
	"time"

	"github.com/tracklane/engine/internal/ledger"
	pkgerrors "github.com/tracklane/engine/pkg/errors"
)

// StepType selects which kind of unit of work a Step wraps. A Step
// carries no embedded logic itself, only a reference plus type-specific
// payload.
type StepType string

const (
	StepOperation StepType = "operation"
	StepLambda    StepType = "lambda"
	StepFunction  StepType = "function"
	StepChoice    StepType = "choice"
	StepWait      StepType = "wait"
	StepMap       StepType = "map"
)

// ErrorPolicy controls what happens to the workflow when a step fails
// after its retry policy is exhausted.
type ErrorPolicy string

const (
	// ErrorStop short-circuits the workflow to FAILED. Default.
	ErrorStop ErrorPolicy = "stop"
	// ErrorContinue records a fail marker in completed_steps and moves on.
	ErrorContinue ErrorPolicy = "continue"
)

// ExecutionMode selects the runner's scheduling discipline.
type ExecutionMode string

const (
	// ModeSequential iterates steps in declaration order.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel schedules steps as their dependencies complete,
	// bounded by max_concurrency.
	ModeParallel ExecutionMode = "parallel"
)

// LambdaFunc is the in-process callable a lambda/function step invokes
// directly with the step's merged context and config.
type LambdaFunc func(ctx *WorkflowContext, config map[string]any) (StepResult, error)

// ChoiceSpec is the type-specific payload of a choice step: evaluate
// Predicate against the context and branch to ThenStep or ElseStep.
type ChoiceSpec struct {
	Predicate string
	ThenStep  string
	ElseStep  string
}

// MapSpec is the type-specific payload of a map step: evaluate Items
// against the context to get a sequence, then run Steps once per
// element in a child context carrying that element.
type MapSpec struct {
	Items string
	Steps []*Step
}

// Step is a reference to a unit of work inside a Workflow Definition.
type Step struct {
	Name string
	Type StepType

	// Operation is the registered handler name, used when Type is
	// StepOperation.
	Operation string

	// Params are the step's literal configuration values, merged over
	// the workflow's Defaults before dispatch. String values may
	// contain {{ ... }} template references into the workflow context,
	// resolved at execution time.
	Params map[string]any

	// Lambda/Function is the in-process callable, used when Type is
	// StepLambda or StepFunction.
	Lambda LambdaFunc

	// Choice is the branch payload, used when Type is StepChoice.
	Choice *ChoiceSpec

	// WaitSeconds is the sleep duration, used when Type is StepWait.
	WaitSeconds int

	// Map is the fan-out payload, used when Type is StepMap.
	Map *MapSpec

	// DependsOn names predecessor steps (DAG edges). Empty means
	// "depends on the previous sibling" in sequential mode, or "root"
	// in parallel mode.
	DependsOn []string

	// ErrorPolicy overrides the workflow default for this step.
	ErrorPolicy ErrorPolicy

	// RetryPolicy overrides the workflow default for this step.
	RetryPolicy *ledger.RetryPolicy

	// TimeoutSeconds overrides the workflow default for this step.
	TimeoutSeconds int
}

// NewOperationStep builds an operation step.
func NewOperationStep(name, operation string, dependsOn ...string) *Step {
	return &Step{Name: name, Type: StepOperation, Operation: operation, DependsOn: dependsOn}
}

// WithParams attaches literal parameters to a step and returns it, for
// chaining onto a New*Step call.
func (s *Step) WithParams(params map[string]any) *Step {
	s.Params = params
	return s
}

// NewLambdaStep builds an in-process lambda step.
func NewLambdaStep(name string, fn LambdaFunc, dependsOn ...string) *Step {
	return &Step{Name: name, Type: StepLambda, Lambda: fn, DependsOn: dependsOn}
}

// NewChoiceStep builds a branching step.
func NewChoiceStep(name, predicate, thenStep, elseStep string, dependsOn ...string) *Step {
	return &Step{
		Name:      name,
		Type:      StepChoice,
		Choice:    &ChoiceSpec{Predicate: predicate, ThenStep: thenStep, ElseStep: elseStep},
		DependsOn: dependsOn,
	}
}

// NewWaitStep builds a sleep step.
func NewWaitStep(name string, seconds int, dependsOn ...string) *Step {
	return &Step{Name: name, Type: StepWait, WaitSeconds: seconds, DependsOn: dependsOn}
}

// NewMapStep builds a fan-out step.
func NewMapStep(name, items string, steps []*Step, dependsOn ...string) *Step {
	return &Step{Name: name, Type: StepMap, Map: &MapSpec{Items: items, Steps: steps}, DependsOn: dependsOn}
}

// Definition is the immutable blueprint a workflow run is instantiated
// from: name, ordered steps, execution policy, and default parameters
// merged into every run's context.
type Definition struct {
	Name           string
	Domain         string
	Steps          []*Step
	ExecutionMode  ExecutionMode
	Defaults       map[string]any
	ErrorPolicy    ErrorPolicy
	RetryPolicy    *ledger.RetryPolicy
	TimeoutSeconds int
	MaxConcurrency int
}

// StepByName indexes a step by name, or returns nil if absent.
func (d *Definition) StepByName(name string) *Step {
	for _, s := range d.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Lint runs the workflow's build-time checks (§4.9): unique step names,
// all depends_on references resolve, and — as a warning collected
// rather than a hard error, since lazy handler registration is allowed
// — operation steps whose handler name is not yet known to resolver.
func (d *Definition) Lint(resolver func(name string) bool) (warnings []string, err error) {
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if seen[s.Name] {
			return nil, &pkgerrors.ValidationError{
				Field:   "step.name",
				Message: fmt.Sprintf("duplicate step name %q in workflow %q", s.Name, d.Name),
			}
		}
		seen[s.Name] = true
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return nil, &pkgerrors.ValidationError{
					Field:   "step.depends_on",
					Message: fmt.Sprintf("step %q depends_on unknown step %q in workflow %q", s.Name, dep, d.Name),
				}
			}
		}
		if s.Type == StepChoice {
			if s.Choice.ThenStep != "" && !seen[s.Choice.ThenStep] {
				return nil, &pkgerrors.ValidationError{
					Field:   "step.choice.then_step",
					Message: fmt.Sprintf("choice step %q then_step references unknown step %q", s.Name, s.Choice.ThenStep),
				}
			}
			if s.Choice.ElseStep != "" && !seen[s.Choice.ElseStep] {
				return nil, &pkgerrors.ValidationError{
					Field:   "step.choice.else_step",
					Message: fmt.Sprintf("choice step %q else_step references unknown step %q", s.Name, s.Choice.ElseStep),
				}
			}
		}
		if s.Type == StepOperation && resolver != nil && !resolver(s.Operation) {
			warnings = append(warnings, fmt.Sprintf("step %q references handler %q which is not yet registered", s.Name, s.Operation))
		}
	}

	if _, err := computeOrder(d.Steps, d.Name); err != nil {
		return warnings, err
	}

	return warnings, nil
}

// ComputeTopologicalOrder returns the workflow's steps ordered so that
// every step appears after all of its DependsOn predecessors (§4.9),
// using Kahn's algorithm. It fails with a WorkflowCycleError if the
// depends_on graph is cyclic.
func ComputeTopologicalOrder(steps []*Step, workflowName string) ([]*Step, error) {
	return computeOrder(steps, workflowName)
}

func computeOrder(steps []*Step, workflowName string) ([]*Step, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	byName := make(map[string]*Step, len(steps))

	for _, s := range steps {
		byName[s.Name] = s
		if _, ok := inDegree[s.Name]; !ok {
			inDegree[s.Name] = 0
		}
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
			inDegree[s.Name]++
		}
	}

	var ready []string
	for _, s := range steps {
		if inDegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}
	// Deterministic ordering among equally-ready steps, matching
	// declaration order rather than map iteration order.
	sort.SliceStable(ready, func(i, j int) bool {
		return declarationIndex(steps, ready[i]) < declarationIndex(steps, ready[j])
	})

	ordered := make([]*Step, 0, len(steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])

		var newlyReady []string
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.SliceStable(newlyReady, func(i, j int) bool {
			return declarationIndex(steps, newlyReady[i]) < declarationIndex(steps, newlyReady[j])
		})
		ready = append(ready, newlyReady...)
	}

	if len(ordered) != len(steps) {
		var remain []string
		for name, deg := range inDegree {
			if deg > 0 {
				remain = append(remain, name)
			}
		}
		sort.Strings(remain)
		return nil, &pkgerrors.WorkflowCycleError{Workflow: workflowName, Remain: remain}
	}

	return ordered, nil
}

func declarationIndex(steps []*Step, name string) int {
	for i, s := range steps {
		if s.Name == name {
			return i
		}
	}
	return len(steps)
}

// WorkflowResult summarizes one workflow execution.
type WorkflowResult struct {
	Status         string
	CompletedSteps []string
	ErrorStep      string
	StepTimings    map[string]StepTiming
	Outputs        map[string]StepResult
}

// StepTiming records when a step started and how long it ran.
type StepTiming struct {
	StartedAt time.Time
	Duration  time.Duration
}
