package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/drover-sh/drover/pkg/schema"
)

// SecretResolver resolves secret references during interpolation. The
// resolved value is embedded into the step input but never logged.
type SecretResolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Interpolator resolves ${{...}} references in step inputs.
// Two-pass: first all non-secret namespaces, then secrets, so secret values
// never pass through intermediate representations twice.
type Interpolator struct {
	secrets SecretResolver
	jq      *GoJQEngine
}

// NewInterpolator creates an Interpolator. The resolver may be nil; secret
// references then fail with a configuration error.
func NewInterpolator(secrets SecretResolver) *Interpolator {
	return &Interpolator{secrets: secrets, jq: NewGoJQEngine()}
}

// Resolve interpolates raw JSON step input against the scope.
func (in *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	data := scope.Data()

	resolved, err := in.resolvePass(ctx, string(raw), data, false)
	if err != nil {
		return nil, err
	}
	resolved, err = in.resolvePass(ctx, resolved, data, true)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(resolved), nil
}

// resolvePass scans for ${{...}} tokens. With secretPass false it resolves
// everything except secrets.*; with secretPass true only secrets.*.
func (in *Interpolator) resolvePass(ctx context.Context, input string, data map[string]any, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeDefinition, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeDefinition,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeDefinition, "empty variable reference: ${{ }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")
		if secretPass != isSecret {
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := in.resolveExpr(ctx, expr, data)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return result.String(), nil
}

func (in *Interpolator) resolveExpr(ctx context.Context, expr string, data map[string]any) (any, error) {
	if query, ok := strings.CutPrefix(expr, jqPrefix); ok {
		return in.resolveJQ(ctx, strings.TrimSpace(query), expr, data)
	}

	namespace, _, _ := strings.Cut(expr, ".")

	switch namespace {
	case "steps":
		return in.resolveSteps(expr, data)
	case "inputs", "run", "account":
		return in.resolveNamespace(namespace, expr, data)
	case "secrets":
		return in.resolveSecret(ctx, expr)
	default:
		available := []string{"steps", "inputs", "run", "account", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps handles steps.<id>.output[.<field>...] and steps.<id>.status.
func (in *Interpolator) resolveSteps(expr string, data map[string]any) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, id, property, rest]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid step reference %q: expected steps.<id>.output[.<field>] or steps.<id>.status", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	steps, _ := data["steps"].(map[string]any)
	entry, ok := steps[parts[1]]
	if !ok {
		available := mapKeys(steps)
		return nil, schema.NewErrorf(schema.ErrCodeMissingInput,
			"step %q not found in ${{%s}}; completed steps: [%s]", parts[1], expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_steps": available})
	}

	record, _ := entry.(map[string]any)
	switch parts[2] {
	case "status":
		return record["status"], nil
	case "output":
		output := record["output"]
		if len(parts) == 3 {
			return output, nil
		}
		return traversePath(output, parts[3], expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid step reference %q: only output and status are addressable (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}
}

func (in *Interpolator) resolveNamespace(namespace, expr string, data map[string]any) (any, error) {
	_, fieldPath, ok := strings.Cut(expr, ".")
	if !ok || fieldPath == "" {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid reference %q: expected %s.<field>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	m, _ := data[namespace].(map[string]any)
	if m == nil {
		return nil, schema.NewErrorf(schema.ErrCodeMissingInput,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Direct key lookup first, so keys containing dots still resolve.
	if val, ok := m[fieldPath]; ok {
		return val, nil
	}
	return traversePath(m, fieldPath, expr)
}

// resolveJQ evaluates a jq: dynamic lookup against the full scope. Unlike
// literal step references, which are checked at run start, a query producing
// no result fails the step with MISSING_INPUT at evaluation time.
func (in *Interpolator) resolveJQ(ctx context.Context, query, expr string, data map[string]any) (any, error) {
	val, err := in.jq.Evaluate(ctx, query, data)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, schema.NewErrorf(schema.ErrCodeMissingInput,
			"jq lookup ${{%s}} produced no result", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	return val, nil
}

func (in *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	_, key, ok := strings.Cut(expr, ".")
	if !ok || key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid secret reference %q: expected secrets.<key>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if in.secrets == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"cannot resolve secret %q: no vault configured", key)
	}

	val, err := in.secrets.Resolve(ctx, key)
	if err != nil {
		// The error carries the key only, never the value.
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"failed to resolve secret %q", key).WithCause(err)
	}
	return string(val), nil
}

// traversePath navigates nested maps using a dot-delimited path. A missing
// field is a MISSING_INPUT failure resolved at evaluation time.
func traversePath(root any, path, expr string) (any, error) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"empty segment in path %q", expr).
				WithDetails(map[string]any{"expression": expr})
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMissingInput,
				"cannot traverse into non-object at %q in %q (type %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := m[seg]
		if !ok {
			available := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeMissingInput,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

// marshalInline embeds a resolved value into the surrounding JSON text.
// Strings are written without enclosing quotes (the reference normally sits
// inside a JSON string) but with JSON escaping applied, so a value carrying
// quotes or backslashes cannot corrupt the document; complex values are
// JSON-encoded inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		b, _ := json.Marshal(v)
		return string(b[1 : len(b)-1])
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.RawMessage:
		return string(v)
	case int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether a JSON blob contains ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// StepRefs extracts the step IDs referenced via ${{steps.<id>...}} in a raw
// input blob. Used by definition validation to check literal references
// before a run starts.
func StepRefs(raw json.RawMessage) []string {
	s := string(raw)
	seen := make(map[string]bool)
	var refs []string

	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}

		expr := strings.TrimSpace(rest[:closeIdx])
		if after, ok := strings.CutPrefix(expr, "steps."); ok {
			id, _, _ := strings.Cut(after, ".")
			if id != "" && !seen[id] {
				seen[id] = true
				refs = append(refs, id)
			}
		}
		s = rest[closeIdx+2:]
	}
	return refs
}
