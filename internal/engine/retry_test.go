package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/internal/driver"
	"github.com/drover-sh/drover/pkg/schema"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		desc      *schema.PluginDescriptor
		kind      string
		retryable bool
		fatal     bool
	}{
		{
			name: "fatal driver error loses session",
			err:  &driver.Error{Message: "browser crashed", Fatal: true},
			kind: KindSessionLost, fatal: true,
		},
		{
			name: "non-fatal driver error retries",
			err:  &driver.Error{Message: "element not found"},
			kind: KindDriver, retryable: true,
		},
		{
			name: "cancellation never retries",
			err:  context.Canceled,
			kind: KindCancelled,
		},
		{
			name: "deadline is a retryable timeout",
			err:  context.DeadlineExceeded,
			kind: KindTimeout, retryable: true,
		},
		{
			name: "timeout on non-idempotent plugin does not retry",
			err:  context.DeadlineExceeded,
			desc: &schema.PluginDescriptor{Name: "p", NonIdempotent: true},
			kind: KindTimeout,
		},
		{
			name: "structured non-retryable code",
			err:  schema.NewError(schema.ErrCodeDefinition, "bad input"),
			kind: "workflow_definition",
		},
		{
			name: "structured retryable code",
			err:  schema.NewError(schema.ErrCodeStore, "db locked"),
			kind: "store", retryable: true,
		},
		{
			name: "rate limit message",
			err:  errors.New("HTTP 429: too many requests"),
			kind: KindRateLimited, retryable: true,
		},
		{
			name: "network message",
			err:  errors.New("dial tcp: connection refused"),
			kind: KindNetwork, retryable: true,
		},
		{
			name: "kinds filter admits listed kind",
			err:  errors.New("too many requests"),
			desc: &schema.PluginDescriptor{Name: "p", RetryableKinds: []string{KindRateLimited}},
			kind: KindRateLimited, retryable: true,
		},
		{
			name: "kinds filter rejects unlisted kind",
			err:  errors.New("connection refused"),
			desc: &schema.PluginDescriptor{Name: "p", RetryableKinds: []string{KindRateLimited}},
			kind: KindNetwork,
		},
		{
			name: "panic never retries",
			err:  &panicError{value: "boom"},
			kind: KindPanic,
		},
		{
			name: "unknown error defaults to retryable execution",
			err:  errors.New("something odd"),
			kind: KindExecution, retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := classify(tt.err, tt.desc)
			assert.Equal(t, tt.kind, cls.Kind)
			assert.Equal(t, tt.retryable, cls.Retryable)
			assert.Equal(t, tt.fatal, cls.FatalSession)
		})
	}
}

func TestComputeBackoff_ExponentialWithCap(t *testing.T) {
	policy := &schema.RetryPolicy{BaseDelay: "100ms", MaxDelay: "500ms"}

	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(policy, 3))
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(policy, 4), "cap applies")
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(policy, 10))
}

func TestComputeBackoff_Jitter(t *testing.T) {
	policy := &schema.RetryPolicy{BaseDelay: "100ms", Jitter: true}

	for range 50 {
		d := ComputeBackoff(policy, 1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)
	}
}

func TestComputeBackoff_Degenerate(t *testing.T) {
	assert.Zero(t, ComputeBackoff(nil, 1))
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{}, 1))
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{BaseDelay: "not-a-duration"}, 1))
}

func TestWaitForBackoff_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForBackoff(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
