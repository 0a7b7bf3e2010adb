package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/schema"
)

func TestError_FormatsFatal(t *testing.T) {
	e := &Error{Message: "session invalidated", Fatal: true}
	assert.Contains(t, e.Error(), "fatal")

	e = &Error{Message: "element not found"}
	assert.NotContains(t, e.Error(), "fatal")
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("pipe closed")
	e := &Error{Message: "calling tool", Cause: cause}
	assert.ErrorIs(t, e, cause)
}

func TestNewMCPDriver_RequiresCommand(t *testing.T) {
	_, err := NewMCPDriver(MCPConfig{}, nil)
	var derr *schema.DroverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, schema.ErrCodeConfig, derr.Code)
}

func TestToolError_StructuredBody(t *testing.T) {
	e := toolError("page.click", `{"message":"selector not found","fatal":false}`)
	assert.Contains(t, e.Message, "selector not found")
	assert.False(t, e.Fatal)

	e = toolError("page.click", `{"message":"auth revoked","fatal":true}`)
	assert.True(t, e.Fatal)
}

func TestToolError_PlainText(t *testing.T) {
	e := toolError("page.click", "boom")
	assert.Contains(t, e.Message, "boom")
	assert.False(t, e.Fatal)
}

func TestFakeDriver_RecordsCallsPerAccount(t *testing.T) {
	f := NewFakeDriver()
	f.ScriptResult("feed.scroll", map[string]any{"posts_seen": 12})

	ctx := context.Background()
	h, err := f.Open(ctx, schema.AccountIdentity{ID: "acct-1"}, nil)
	require.NoError(t, err)

	out, err := h.Invoke(ctx, Payload{Action: "feed.scroll", Params: map[string]any{"count": 3}})
	require.NoError(t, err)
	assert.Equal(t, 12, out["posts_seen"])

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "acct-1", calls[0].AccountID)
	assert.Equal(t, "feed.scroll", calls[0].Action)
}

func TestFakeDriver_ClosedHandleRejectsInvoke(t *testing.T) {
	f := NewFakeDriver()
	ctx := context.Background()

	h, err := f.Open(ctx, schema.AccountIdentity{ID: "acct-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.OpenCount("acct-1"))

	require.NoError(t, h.Close(ctx))
	assert.Equal(t, 0, f.OpenCount("acct-1"))

	_, err = h.Invoke(ctx, Payload{Action: "noop"})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.True(t, derr.Fatal)
}

func TestFakeDriver_StatePassthrough(t *testing.T) {
	f := NewFakeDriver()
	ctx := context.Background()

	state := []byte(`{"cookies":[{"name":"c_user"}]}`)
	h, err := f.Open(ctx, schema.AccountIdentity{ID: "acct-1"}, state)
	require.NoError(t, err)

	got, err := h.ExportState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}
