package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/drover-sh/drover/internal/driver"
	"github.com/drover-sh/drover/pkg/schema"
)

// Failure kinds surfaced in ExecutionResult.Error and matched against a
// descriptor's RetryableKinds.
const (
	KindTimeout     = "timeout"
	KindNetwork     = "network"
	KindRateLimited = "rate_limited"
	KindSessionLost = "session_lost"
	KindCancelled   = "cancelled"
	KindDriver      = "driver"
	KindExecution   = "execution"
	KindPanic       = "panic"
	KindExhausted   = "exhausted"
)

// classification is the outcome of triaging one attempt's failure.
type classification struct {
	Kind      string
	Code      string
	Retryable bool
	// FatalSession marks failures that invalidate the whole session, not
	// just the attempt.
	FatalSession bool
}

// classify triages an attempt failure against the plugin's descriptor.
//
// Fatal driver failures lose the session and are never retried. Parent
// cancellation is never retried. Timeouts are retryable unless the plugin is
// non-idempotent, in which case a timed-out attempt may have taken effect.
// When the descriptor lists RetryableKinds, only those kinds retry.
func classify(err error, desc *schema.PluginDescriptor) classification {
	c := triage(err)

	if c.FatalSession {
		return c
	}
	if c.Kind == KindTimeout && desc != nil && desc.NonIdempotent {
		c.Retryable = false
		return c
	}
	if desc != nil && len(desc.RetryableKinds) > 0 && c.Retryable {
		c.Retryable = false
		for _, k := range desc.RetryableKinds {
			if k == c.Kind {
				c.Retryable = true
				break
			}
		}
	}
	return c
}

func triage(err error) classification {
	var pErr *panicError
	if errors.As(err, &pErr) {
		return classification{Kind: KindPanic, Code: schema.ErrCodeExecution}
	}

	var drvErr *driver.Error
	if errors.As(err, &drvErr) && drvErr.Fatal {
		return classification{Kind: KindSessionLost, Code: schema.ErrCodeSessionLost, FatalSession: true}
	}

	if errors.Is(err, context.Canceled) {
		return classification{Kind: KindCancelled, Code: schema.ErrCodeCancelled}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classification{Kind: KindTimeout, Code: schema.ErrCodeTimeout, Retryable: true}
	}

	var derr *schema.DroverError
	if errors.As(err, &derr) {
		return classification{
			Kind:      kindFromCode(derr.Code),
			Code:      derr.Code,
			Retryable: derr.IsRetryable(),
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return classification{Kind: KindNetwork, Code: schema.ErrCodeDriver, Retryable: true}
	}

	// Driver messages carry no structured kind; fall back to the message.
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "too many requests", "rate limit", "slow down"):
		return classification{Kind: KindRateLimited, Code: schema.ErrCodeDriver, Retryable: true}
	case containsAny(msg, "connection refused", "connection reset", "broken pipe",
		"i/o timeout", "temporary failure", "service unavailable", "gateway timeout"):
		return classification{Kind: KindNetwork, Code: schema.ErrCodeDriver, Retryable: true}
	}

	if errors.As(err, &drvErr) {
		return classification{Kind: KindDriver, Code: schema.ErrCodeDriver, Retryable: true}
	}
	return classification{Kind: KindExecution, Code: schema.ErrCodeExecution, Retryable: true}
}

func kindFromCode(code string) string {
	switch code {
	case schema.ErrCodeTimeout:
		return KindTimeout
	case schema.ErrCodeDriver:
		return KindDriver
	case schema.ErrCodeSessionLost:
		return KindSessionLost
	case schema.ErrCodeCancelled:
		return KindCancelled
	default:
		return strings.ToLower(strings.TrimSuffix(code, "_ERROR"))
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before the given retry. Attempt is the
// attempt that just failed, starting at 1. Exponential: base doubles per
// attempt, capped at MaxDelay. Jitter draws uniformly from [delay/2, delay)
// so a fleet of accounts does not retry in lockstep.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.BaseDelay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.BaseDelay)
	if err != nil || base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay < 0 { // overflow
			delay = 1<<62 - 1
			break
		}
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	if policy.Jitter && delay > 1 {
		half := delay / 2
		delay = half + rand.N(half)
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns the context error if
// cancelled first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
