package workflow

import (
	"fmt"
	"time"
)

// ErrKeyNotFound represents an error when a requested key does not exist in the context.
type ErrKeyNotFound struct {
	Key string
}

// Error implements the error interface.
// Security: Does not include the actual value to prevent credential leakage.
func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}

// ErrTypeAssertion represents an error when a value cannot be asserted to the expected type.
type ErrTypeAssertion struct {
	Key  string // The key that was accessed
	Got  string // The actual type received (as string representation)
	Want string // The expected type
}

// Error implements the error interface.
// Security: Does not include the actual value to prevent credential leakage.
func (e ErrTypeAssertion) Error() string {
	return fmt.Sprintf("key %q is %s, not %s", e.Key, e.Got, e.Want)
}

// WorkflowContext provides type-safe access to workflow inputs, outputs, and variables.
// Methods are safe for concurrent reads but NOT safe for concurrent writes.
// Caller must guard mutations with appropriate synchronization.
type WorkflowContext struct {
	inputs  map[string]any
	outputs map[string]StepResult
	vars    map[string]any
}

// NewWorkflowContext creates a new WorkflowContext with the provided inputs.
func NewWorkflowContext(inputs map[string]any) *WorkflowContext {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &WorkflowContext{
		inputs:  inputs,
		outputs: make(map[string]StepResult),
		vars:    make(map[string]any),
	}
}

// GetString retrieves a string value from the workflow inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
// Security: Error messages do not include the actual value to prevent leaks.
func (c *WorkflowContext) GetString(key string) (string, error) {
	val, ok := c.inputs[key]
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	str, ok := val.(string)
	if !ok {
		return "", ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "string"}
	}
	return str, nil
}

// GetStringOr returns a string value or the default if key is missing or wrong type.
// Never panics. Does not log the actual value for security.
func (c *WorkflowContext) GetStringOr(key string, defaultVal string) string {
	str, err := c.GetString(key)
	if err != nil {
		return defaultVal
	}
	return str
}

// GetInt64 retrieves an int64 value from the workflow inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
// Security: Error messages do not include the actual value to prevent leaks.
func (c *WorkflowContext) GetInt64(key string) (int64, error) {
	val, ok := c.inputs[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}

	// Handle various integer types that might come from JSON/YAML unmarshaling
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		// JSON numbers are unmarshaled as float64
		return int64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "int64"}
	}
}

// GetInt64Or returns an int64 value or the default if key is missing or wrong type.
// Never panics. Does not log the actual value for security.
func (c *WorkflowContext) GetInt64Or(key string, defaultVal int64) int64 {
	i, err := c.GetInt64(key)
	if err != nil {
		return defaultVal
	}
	return i
}

// GetBool retrieves a bool value from the workflow inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
// Security: Error messages do not include the actual value to prevent leaks.
func (c *WorkflowContext) GetBool(key string) (bool, error) {
	val, ok := c.inputs[key]
	if !ok {
		return false, ErrKeyNotFound{Key: key}
	}
	b, ok := val.(bool)
	if !ok {
		return false, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "bool"}
	}
	return b, nil
}

// GetBoolOr returns a bool value or the default if key is missing or wrong type.
// Never panics. Does not log the actual value for security.
func (c *WorkflowContext) GetBoolOr(key string, defaultVal bool) bool {
	b, err := c.GetBool(key)
	if err != nil {
		return defaultVal
	}
	return b
}

// GetFloat64 retrieves a float64 value from the workflow inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
// Security: Error messages do not include the actual value to prevent leaks.
func (c *WorkflowContext) GetFloat64(key string) (float64, error) {
	val, ok := c.inputs[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}

	// Handle various numeric types
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "float64"}
	}
}

// GetFloat64Or returns a float64 value or the default if key is missing or wrong type.
// Never panics. Does not log the actual value for security.
func (c *WorkflowContext) GetFloat64Or(key string, defaultVal float64) float64 {
	f, err := c.GetFloat64(key)
	if err != nil {
		return defaultVal
	}
	return f
}

// GetSlice retrieves a slice value from the workflow inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
// Note: Returns []interface{} due to type safety limitations with generic slices.
// Security: Error messages do not include the actual value to prevent leaks.
func (c *WorkflowContext) GetSlice(key string) ([]interface{}, error) {
	val, ok := c.inputs[key]
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	slice, ok := val.([]interface{})
	if !ok {
		return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "[]interface{}"}
	}
	return slice, nil
}

// GetMap retrieves a map value from the workflow inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
// Note: Returns map[string]interface{} due to type safety limitations with generic maps.
// Security: Error messages do not include the actual value to prevent leaks.
func (c *WorkflowContext) GetMap(key string) (map[string]interface{}, error) {
	val, ok := c.inputs[key]
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	m, ok := val.(map[string]interface{})
	if !ok {
		return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "map[string]interface{}"}
	}
	return m, nil
}

// GetInputs returns the underlying inputs map for expression evaluation.
// This is used by the expression layer to convert typed context to untyped maps.
// Safe for concurrent reads.
func (c *WorkflowContext) GetInputs() map[string]any {
	return c.inputs
}

// GetOutputs returns the step results map for expression evaluation.
// This is used by the expression layer to convert typed context to untyped maps.
// Safe for concurrent reads.
func (c *WorkflowContext) GetOutputs() map[string]StepResult {
	return c.outputs
}

// SetOutput stores a step's result in the context.
// This is used during workflow execution to track step results.
// NOT safe for concurrent writes - caller must synchronize.
func (c *WorkflowContext) SetOutput(stepID string, result StepResult) {
	c.outputs[stepID] = result
}

// StepOutcome is the three-way terminal classification of a step's
// execution: it ran and produced output, it was skipped by a guard, or
// it failed.
type StepOutcome string

const (
	OutcomeOk   StepOutcome = "ok"
	OutcomeSkip StepOutcome = "skip"
	OutcomeFail StepOutcome = "fail"
)

// StepResult is the envelope every step returns, replacing the
// LLM-response-shaped output this package originally modeled: any
// handler kind (operation, lambda, choice, wait, map) produces one of
// these three variants, not just a text completion.
type StepResult struct {
	// Outcome classifies how the step ended.
	Outcome StepOutcome `json:"outcome"`

	// Output holds the handler's result payload on OutcomeOk.
	Output map[string]any `json:"output,omitempty"`

	// ContextUpdates are merged into the workflow context's variable
	// space ahead of the next step, distinct from Output which is
	// only addressable as steps.<name>.*.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`

	// Quality carries optional step-level metrics (row counts,
	// completeness scores) that do not belong in Output proper.
	Quality map[string]any `json:"quality,omitempty"`

	// Error is the failure message on OutcomeFail.
	Error string `json:"error,omitempty"`

	// ErrorCategory mirrors pkg/errors.Category as a string so this
	// package does not need to import pkg/errors just for one field.
	ErrorCategory string `json:"error_category,omitempty"`

	// SkipReason explains why a guarded step did not run on OutcomeSkip.
	SkipReason string `json:"skip_reason,omitempty"`

	// NextStep overrides linear/topological flow, set by choice steps
	// to name the then/else branch to run next.
	NextStep string `json:"next_step,omitempty"`

	// Duration is how long the step took to reach this outcome.
	Duration time.Duration `json:"duration,omitempty"`
}

// Ok builds a successful StepResult.
func Ok(output map[string]any) StepResult {
	return StepResult{Outcome: OutcomeOk, Output: output}
}

// Skip builds a skipped StepResult.
func Skip(reason string) StepResult {
	return StepResult{Outcome: OutcomeSkip, SkipReason: reason}
}

// Fail builds a failed StepResult.
func Fail(err error, category string) StepResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return StepResult{Outcome: OutcomeFail, Error: msg, ErrorCategory: category}
}

// Succeeded reports whether the step's outcome counts toward a
// successful predecessor set (Ok and Skip both do; only Fail does not).
func (s StepResult) Succeeded() bool {
	return s.Outcome == OutcomeOk || s.Outcome == OutcomeSkip
}

// ToMap converts StepResult to an untyped map for expression evaluation,
// implementing expression.StepOutputConverter.
func (s StepResult) ToMap() map[string]interface{} {
	result := make(map[string]interface{})

	result["outcome"] = string(s.Outcome)
	// "status" is kept as an alias so existing {{ steps.x.status }}
	// expressions written against the old success/error/skipped
	// vocabulary continue to resolve.
	result["status"] = string(s.Outcome)

	for k, v := range s.Output {
		result[k] = v
	}

	if s.Error != "" {
		result["error"] = s.Error
		result["error_category"] = s.ErrorCategory
	}
	if s.SkipReason != "" {
		result["skip_reason"] = s.SkipReason
	}
	if s.Quality != nil {
		result["quality"] = s.Quality
	}

	return result
}
