package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/schema"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(v), nil
}

func testScope(t *testing.T) *Scope {
	t.Helper()
	scope := NewScope(
		map[string]any{"target_url": "https://example.com/feed", "count": 4},
		map[string]any{"run_id": "r-7", "workflow": "daily"},
		map[string]any{"id": "acct-3"},
	)
	require.NoError(t, scope.AddStepResult("login", schema.ExecutionResult{
		Plugin: "login",
		Status: schema.ExecutionSuccess,
		Output: map[string]any{"user_id": "u-42", "session": map[string]any{"locale": "en_US"}},
	}))
	return scope
}

func TestResolve_StepOutputField(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	out, err := in.Resolve(context.Background(),
		json.RawMessage(`{"user":"${{steps.login.output.user_id}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"u-42"}`, string(out))
}

func TestResolve_StepStatus(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	out, err := in.Resolve(context.Background(),
		json.RawMessage(`{"prior":"${{steps.login.status}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prior":"success"}`, string(out))
}

func TestResolve_InputsRunAccount(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	raw := json.RawMessage(`{"url":"${{inputs.target_url}}","run":"${{run.run_id}}","acct":"${{account.id}}"}`)
	out, err := in.Resolve(context.Background(), raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.com/feed","run":"r-7","acct":"acct-3"}`, string(out))
}

func TestResolve_NonStringValueEmbedsJSON(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	out, err := in.Resolve(context.Background(),
		json.RawMessage(`{"count":${{inputs.count}}}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":4}`, string(out))
}

func TestResolve_StringValueIsJSONEscaped(t *testing.T) {
	in := NewInterpolator(nil)
	scope := NewScope(
		map[string]any{"caption": `she said "hello" and left a \ behind`},
		map[string]any{"run_id": "r-7"},
		map[string]any{"id": "acct-3"},
	)

	out, err := in.Resolve(context.Background(),
		json.RawMessage(`{"text":"${{inputs.caption}}"}`), scope)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, `she said "hello" and left a \ behind`, decoded["text"])
}

func TestResolve_JQLookup(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	out, err := in.Resolve(context.Background(),
		json.RawMessage(`{"user":"${{jq: .steps.login.output.user_id}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"u-42"}`, string(out))
}

func TestResolve_JQLookupComputesValue(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	out, err := in.Resolve(context.Background(),
		json.RawMessage(`{"twice":${{jq: .inputs.count * 2}}}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"twice":8}`, string(out))
}

func TestResolve_JQNoResultIsMissingInput(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	_, err := in.Resolve(context.Background(),
		json.RawMessage(`{"x":"${{jq: .steps.login.output.ghost}}"}`), scope)
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeMissingInput, derr.Code)
	assert.Contains(t, derr.Message, "produced no result")
}

func TestResolve_MissingStepIsMissingInput(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	_, err := in.Resolve(context.Background(),
		json.RawMessage(`{"x":"${{steps.ghost.output.y}}"}`), scope)
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeMissingInput, derr.Code)
	assert.Contains(t, derr.Message, "login") // lists completed steps
}

func TestResolve_MissingFieldIsMissingInput(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	_, err := in.Resolve(context.Background(),
		json.RawMessage(`{"x":"${{steps.login.output.ghost}}"}`), scope)
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeMissingInput, derr.Code)
}

func TestResolve_UnknownNamespaceIsDefinitionError(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	_, err := in.Resolve(context.Background(),
		json.RawMessage(`{"x":"${{params.y}}"}`), scope)
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeDefinition, derr.Code)
}

func TestResolve_UnclosedExpression(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	_, err := in.Resolve(context.Background(),
		json.RawMessage(`{"x":"${{inputs.count"}`), scope)
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeDefinition, derr.Code)
}

func TestResolve_SecretsSecondPass(t *testing.T) {
	in := NewInterpolator(mapResolver{"fb_token": "tok-secret"})
	scope := testScope(t)

	out, err := in.Resolve(context.Background(),
		json.RawMessage(`{"token":"${{secrets.fb_token}}","user":"${{steps.login.output.user_id}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"tok-secret","user":"u-42"}`, string(out))
}

func TestResolve_SecretFailureOmitsValue(t *testing.T) {
	in := NewInterpolator(mapResolver{})
	scope := testScope(t)

	_, err := in.Resolve(context.Background(),
		json.RawMessage(`{"token":"${{secrets.fb_token}}"}`), scope)
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeVault, derr.Code)
	assert.Contains(t, derr.Message, "fb_token")
}

func TestResolve_NoSecretResolverConfigured(t *testing.T) {
	in := NewInterpolator(nil)
	scope := testScope(t)

	_, err := in.Resolve(context.Background(),
		json.RawMessage(`{"token":"${{secrets.fb_token}}"}`), scope)
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeConfig, derr.Code)
}

func TestScope_StepResultsAreImmutable(t *testing.T) {
	scope := testScope(t)

	err := scope.AddStepResult("login", schema.ExecutionResult{Status: schema.ExecutionFailed})
	require.Error(t, err)

	// Mutating a snapshot must not leak back into the scope.
	data := scope.Data()
	steps := data["steps"].(map[string]any)
	steps["login"].(map[string]any)["status"] = "tampered"

	fresh := scope.Data()["steps"].(map[string]any)
	assert.Equal(t, "success", fresh["login"].(map[string]any)["status"])
}

func TestStepRefs_ExtractsLiteralReferences(t *testing.T) {
	raw := json.RawMessage(`{
		"a": "${{steps.login.output.user_id}}",
		"b": "${{steps.scan.status}}",
		"c": "${{inputs.count}}",
		"d": "${{steps.login.output.session.locale}}"
	}`)
	assert.Equal(t, []string{"login", "scan"}, StepRefs(raw))
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation(json.RawMessage(`{"a":"${{inputs.x}}"}`)))
	assert.False(t, HasInterpolation(json.RawMessage(`{"a":"plain"}`)))
}
