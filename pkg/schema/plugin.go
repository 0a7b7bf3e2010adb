package schema

import "encoding/json"

// Dependency declares that a plugin requires another plugin to run first.
// Constraint uses semver range syntax (e.g. "^1.2", ">=0.3.0 <0.5.0");
// empty means any version. Optional dependencies are ordered before their
// dependent when registered, and silently ignored when absent.
type Dependency struct {
	Name       string `json:"name" yaml:"name"`
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Optional   bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// PluginDescriptor is the immutable registration record for one plugin.
// Registered once at startup from the manifest; never mutated within a run.
type PluginDescriptor struct {
	Name        string       `json:"name" yaml:"name"`
	Version     string       `json:"version" yaml:"version"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Categories  []string     `json:"categories,omitempty" yaml:"categories,omitempty"`
	Tags        []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
	Requires    []Dependency `json:"requires,omitempty" yaml:"requires,omitempty"`

	// RetryableKinds lists the error codes this plugin declares safe to
	// retry. Empty means the default execution-error class.
	RetryableKinds []string `json:"retryable_kinds,omitempty" yaml:"retryable_kinds,omitempty"`

	// NonIdempotent marks plugins with external side effects. Their
	// timeouts are surfaced as non-retryable to avoid duplicate effects.
	NonIdempotent bool `json:"non_idempotent,omitempty" yaml:"non_idempotent,omitempty"`

	// ConfigSchema is an optional JSON Schema used to validate step input
	// at run start. Not consulted by the resolver.
	ConfigSchema json.RawMessage `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`
}

// RetryPolicy configures retry behavior for plugin execution.
// Delays are exponential: base × 2^attempt, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   string `json:"base_delay,omitempty" yaml:"base_delay,omitempty"` // e.g. "1s", "500ms"
	MaxDelay    string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter      bool   `json:"jitter,omitempty" yaml:"jitter,omitempty"`

	// AttemptTimeout bounds a single attempt; exceeding it is a Timeout
	// failure (non-retryable for non-idempotent plugins).
	AttemptTimeout string `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
}

// ExecutionStatus is the terminal status of one plugin invocation.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// ErrorDetail is the persisted error summary of a failed execution.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ExecutionResult is produced once per plugin invocation. Retried attempts
// are folded into Attempts; they are never reported as separate results.
type ExecutionResult struct {
	Plugin     string          `json:"plugin"`
	Status     ExecutionStatus `json:"status"`
	Output     map[string]any  `json:"output,omitempty"`
	Error      *ErrorDetail    `json:"error,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}
