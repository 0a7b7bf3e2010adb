package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/schema"
)

func scopeData() map[string]any {
	return map[string]any{
		"steps": map[string]any{
			"login": map[string]any{
				"status": "success",
				"output": map[string]any{"user_id": "u-91", "two_factor": false},
			},
			"scroll": map[string]any{
				"status": "failed",
				"output": map[string]any{},
				"error":  map[string]any{"kind": "timeout", "message": "feed did not load"},
			},
		},
		"inputs":  map[string]any{"post_count": 5, "dry_run": false},
		"run":     map[string]any{"run_id": "r-1", "workflow": "daily-engagement"},
		"account": map[string]any{"id": "acct-1", "proxy": "socks5://10.0.0.2:1080"},
	}
}

func TestCEL_StepStatusCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `steps.login.status == "success"`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `steps.scroll.status == "failed"`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingNamespaceDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `"login" in steps`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_CompileErrorIsDefinitionError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `steps.login.status ==`, scopeData())
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeDefinition, derr.Code)
}

func TestCEL_ProgramCacheIsReused(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	expr := `inputs.post_count >= 3`
	_, err = e.Evaluate(context.Background(), expr, scopeData())
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[expr]
	e.mu.RUnlock()
	assert.True(t, cached)
}

func TestExpr_ArrayOperations(t *testing.T) {
	e := NewExprEngine()

	data := map[string]any{
		"steps": map[string]any{
			"scan": map[string]any{
				"output": map[string]any{
					"posts": []any{
						map[string]any{"likes": 10},
						map[string]any{"likes": 3},
					},
				},
			},
		},
	}

	out, err := e.Evaluate(context.Background(),
		`any(steps.scan.output.posts, .likes > 5)`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGoJQ_FieldLookup(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.steps.login.output.user_id`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, "u-91", out)
}

func TestGoJQ_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{"items": []any{1, 2, 3}}
	out, err := e.Evaluate(context.Background(), `.items[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, out)
}

func TestGoJQ_EnvIsSandboxed(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestEngines_PrefixRouting(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)
	ctx := context.Background()

	// Default dialect is CEL.
	out, err := engines.EvaluateCondition(ctx, `steps.login.status == "success"`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = engines.EvaluateCondition(ctx, `expr: (inputs.post_count ?? 0) > 0`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = engines.EvaluateCondition(ctx, `jq: .steps.login.status`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, "success", out)
}
