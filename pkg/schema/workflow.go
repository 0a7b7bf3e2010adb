package schema

import "encoding/json"

// WorkflowDefinition is the declarative workflow format, loaded from a YAML
// or JSON file at startup. Immutable once a run starts.
type WorkflowDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Inputs      map[string]any   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"` // defaults to the plugin name
	Plugin string `json:"plugin" yaml:"plugin"`

	// Input is the step's input payload. It may embed ${{...}} references
	// to prior step outputs and workflow inputs, or "jq:" dynamic lookups.
	Input json.RawMessage `json:"input,omitempty" yaml:"input,omitempty"`

	// Condition is a CEL predicate (or "expr:"-prefixed expr-lang
	// expression) over accumulated results. False records Skipped.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	Retry   *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout string       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepID returns the effective step identifier.
func (s *StepDefinition) StepID() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Plugin
}
