package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, AccountID(ctx))
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, Plugin(ctx))

	ctx = WithAccountID(ctx, "acct-1")
	ctx = WithRunID(ctx, "run-42")
	ctx = WithPlugin(ctx, "login")

	assert.Equal(t, "acct-1", AccountID(ctx))
	assert.Equal(t, "run-42", RunID(ctx))
	assert.Equal(t, "login", Plugin(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithAccountID(context.Background(), "acct-1")
	ctx = WithRunID(ctx, "run-42")

	logger.InfoContext(ctx, "step done")

	out := buf.String()
	assert.Contains(t, out, "account_id=acct-1")
	assert.Contains(t, out, "run_id=run-42")
	assert.NotContains(t, out, "plugin=")
}

func TestCorrelationHandler_NoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	out := buf.String()
	assert.Contains(t, out, "plain")
	assert.NotContains(t, out, "account_id=")
}
