// Package validation checks workflow definitions before a run starts:
// structural shape via JSON Schema, static step references, dependency
// ordering, and plugin config schemas.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/drover-sh/drover/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition. Embedded so
// validation has no filesystem dependency.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://drover.sh/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "inputs": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["plugin"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "plugin": { "type": "string", "minLength": 1 },
        "input": {},
        "condition": { "type": "string", "minLength": 1 },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "base_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "jitter": { "type": "boolean" },
        "attempt_timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// Validator validates workflow definitions and step inputs. Safe for
// concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded workflow schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://drover.sh/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://drover.sh/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{
		workflowSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks the definition's shape and step ID uniqueness.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeDefinition, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition,
			"workflow definition is not serializable").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toDefinitionError(def.Name, err)
	}

	// Uniqueness of effective step IDs is beyond JSON Schema.
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		id := step.StepID()
		if _, dup := seen[id]; dup {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"workflow %s declares step id %q twice", def.Name, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ValidateInput checks a resolved step input against the plugin's config
// schema. A plugin without a schema accepts anything.
func (v *Validator) ValidateInput(desc *schema.PluginDescriptor, input json.RawMessage) error {
	if desc == nil || len(desc.ConfigSchema) == 0 || len(input) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(desc.ConfigSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"plugin %s carries an invalid config schema", desc.Name).
			WithPlugin(desc.Name).WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(input)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"step input for plugin %s is not valid JSON", desc.Name).
			WithPlugin(desc.Name).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toDefinitionError(desc.Name, err).WithPlugin(desc.Name)
	}
	return nil
}

func (v *Validator) getOrCompile(schemaBytes json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}

	url := fmt.Sprintf("drover://config-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add config schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toDefinitionError flattens a jsonschema validation tree into one
// WORKFLOW_DEFINITION_ERROR listing every leaf violation.
func toDefinitionError(subject string, err error) *schema.DroverError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeDefinition, "%s: %v", subject, err)
	}

	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeDefinition, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeDefinition,
		"%s failed validation with %d violations", subject, len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
