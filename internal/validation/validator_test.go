package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/internal/registry"
	"github.com/drover-sh/drover/pkg/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "daily-engagement",
		Steps: []schema.StepDefinition{
			{Plugin: "login"},
			{
				Plugin: "feed_scroller",
				Input:  json.RawMessage(`{"count":5}`),
				Retry:  &schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "1s", MaxDelay: "30s", Jitter: true},
			},
		},
	}
}

func TestValidateDefinition_Valid(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidateDefinition_Shape(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
	}{
		{"missing name", func(d *schema.WorkflowDefinition) { d.Name = "" }},
		{"no steps", func(d *schema.WorkflowDefinition) { d.Steps = nil }},
		{"step without plugin", func(d *schema.WorkflowDefinition) { d.Steps[0].Plugin = "" }},
		{"bad timeout", func(d *schema.WorkflowDefinition) { d.Steps[0].Timeout = "soon" }},
		{"zero max_attempts", func(d *schema.WorkflowDefinition) {
			d.Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 0}
		}},
		{"bad base_delay", func(d *schema.WorkflowDefinition) {
			d.Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 2, BaseDelay: "fast"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			err := v.ValidateDefinition(def)
			assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(err))
		})
	}
}

func TestValidateDefinition_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps = append(def.Steps, schema.StepDefinition{ID: "login", Plugin: "session_check"})

	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"login" twice`)
}

func TestValidateInput_AgainstConfigSchema(t *testing.T) {
	v := newValidator(t)
	desc := &schema.PluginDescriptor{
		Name:    "feed_scroller",
		Version: "1.0.0",
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"count": {"type": "integer", "minimum": 1}},
			"required": ["count"],
			"additionalProperties": false
		}`),
	}

	assert.NoError(t, v.ValidateInput(desc, json.RawMessage(`{"count":5}`)))

	err := v.ValidateInput(desc, json.RawMessage(`{"count":0}`))
	assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(err))

	err = v.ValidateInput(desc, json.RawMessage(`{"pace":"slow"}`))
	assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(err))
}

func TestValidateInput_NoSchemaAcceptsAnything(t *testing.T) {
	v := newValidator(t)
	desc := &schema.PluginDescriptor{Name: "login", Version: "1.0.0"}
	assert.NoError(t, v.ValidateInput(desc, json.RawMessage(`{"anything":true}`)))
}

func TestValidateInput_SchemaCacheReused(t *testing.T) {
	v := newValidator(t)
	desc := &schema.PluginDescriptor{
		Name:         "p",
		Version:      "1.0.0",
		ConfigSchema: json.RawMessage(`{"type":"object"}`),
	}

	require.NoError(t, v.ValidateInput(desc, json.RawMessage(`{}`)))
	require.NoError(t, v.ValidateInput(desc, json.RawMessage(`{"x":1}`)))
	assert.Len(t, v.cache, 1)
}

// --- references ---

func TestValidateReferences_EarlierStepsOnly(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "wf",
		Steps: []schema.StepDefinition{
			{ID: "scan", Plugin: "feed_scroller"},
			{Plugin: "post_publisher", Input: json.RawMessage(`{"text":"${{steps.scan.output.summary}}"}`)},
		},
	}
	assert.NoError(t, ValidateReferences(def))
}

func TestValidateReferences_ForwardReferenceFails(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "wf",
		Steps: []schema.StepDefinition{
			{Plugin: "post_publisher", Input: json.RawMessage(`{"text":"${{steps.scan.output.summary}}"}`)},
			{ID: "scan", Plugin: "feed_scroller"},
		},
	}
	err := ValidateReferences(def)
	assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "steps.scan")
}

func TestValidateReferences_UnknownStepFails(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "wf",
		Steps: []schema.StepDefinition{
			{Plugin: "login", Input: json.RawMessage(`{"x":"${{steps.ghost.output.y}}"}`)},
		},
	}
	assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(ValidateReferences(def)))
}

// --- dependency ordering ---

func depSnapshot(t *testing.T) *registry.Snapshot {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.Register(&schema.PluginDescriptor{Name: "login", Version: "1.2.0"}))
	require.NoError(t, r.Register(&schema.PluginDescriptor{
		Name: "feed_scroller", Version: "2.0.0",
		Requires: []schema.Dependency{{Name: "login", Constraint: "^1.0"}},
	}))
	require.NoError(t, r.Register(&schema.PluginDescriptor{
		Name: "session_check", Version: "1.0.0",
		Requires: []schema.Dependency{{Name: "login", Optional: true}},
	}))
	return r.Snapshot()
}

func TestValidateDependencies_SatisfiedByEarlierStep(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "wf",
		Steps: []schema.StepDefinition{
			{Plugin: "login"},
			{Plugin: "feed_scroller"},
		},
	}
	assert.NoError(t, ValidateDependencies(def, depSnapshot(t)))
}

func TestValidateDependencies_MissingRequiredStep(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "wf",
		Steps: []schema.StepDefinition{{Plugin: "feed_scroller"}},
	}
	err := ValidateDependencies(def, depSnapshot(t))
	assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "login")
}

func TestValidateDependencies_OptionalDepNotRequired(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "wf",
		Steps: []schema.StepDefinition{{Plugin: "session_check"}},
	}
	assert.NoError(t, ValidateDependencies(def, depSnapshot(t)))
}

func TestValidateDependencies_UnregisteredPlugin(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "wf",
		Steps: []schema.StepDefinition{{Plugin: "ghost"}},
	}
	err := ValidateDependencies(def, depSnapshot(t))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestValidateRun_FullPass(t *testing.T) {
	v := newValidator(t)
	def := &schema.WorkflowDefinition{
		Name: "wf",
		Steps: []schema.StepDefinition{
			{Plugin: "login"},
			{Plugin: "feed_scroller", Input: json.RawMessage(`{"count":3}`)},
		},
	}
	assert.NoError(t, v.ValidateRun(def, depSnapshot(t)))
}
