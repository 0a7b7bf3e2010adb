// Package engine executes plugins against account sessions with retry,
// backoff, and attempt timeouts, and owns the run and step state machines.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-sh/drover/internal/logging"
	"github.com/drover-sh/drover/internal/plugins"
	"github.com/drover-sh/drover/internal/session"
	"github.com/drover-sh/drover/pkg/schema"
)

// Engine runs single plugin executions. Stateless apart from the logger;
// safe for concurrent use.
type Engine struct {
	logger *slog.Logger
}

// New creates an Engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// ExecuteRequest describes one plugin execution.
type ExecuteRequest struct {
	Plugin  plugins.Plugin
	Session *session.Handle
	Input   json.RawMessage
	Policy  *schema.RetryPolicy
	// OnRetry fires after a retryable failure, before the backoff wait.
	// Attempt is the attempt that just failed, starting at 1.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy applies when a step declares none.
func DefaultRetryPolicy() *schema.RetryPolicy {
	return &schema.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   "2s",
		MaxDelay:    "30s",
		Jitter:      true,
	}
}

// Execute runs the plugin with the request's retry policy and returns the
// final outcome. It never returns an error: failures are folded into the
// result so the caller can persist them uniformly.
//
// A fatal driver failure invalidates the session and stops immediately with
// a session_lost failure. Exhausting MaxAttempts on a retryable failure
// yields kind "exhausted" with a message carrying the last attempt's error.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) schema.ExecutionResult {
	desc := req.Plugin.Descriptor()
	ctx = logging.WithPlugin(ctx, desc.Name)

	policy := req.Policy
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	var lastCls classification

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := e.runAttempt(ctx, req, policy)
		if err == nil {
			return schema.ExecutionResult{
				Plugin:     desc.Name,
				Status:     schema.ExecutionSuccess,
				Output:     out,
				Attempts:   attempt,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
		lastErr = err
		lastCls = classify(err, desc)

		if lastCls.FatalSession {
			req.Session.Invalidate()
			e.logger.ErrorContext(ctx, "session lost during execution", "attempt", attempt, "error", err)
			return e.failure(desc.Name, lastCls, err.Error(), attempt, start)
		}
		if !lastCls.Retryable {
			e.logger.WarnContext(ctx, "execution failed",
				"attempt", attempt, "kind", lastCls.Kind, "error", err)
			return e.failure(desc.Name, lastCls, err.Error(), attempt, start)
		}
		if attempt == maxAttempts {
			break
		}

		if req.OnRetry != nil {
			req.OnRetry(attempt, err)
		}
		delay := ComputeBackoff(policy, attempt)
		e.logger.WarnContext(ctx, "retrying after failure",
			"attempt", attempt, "kind", lastCls.Kind, "backoff", delay, "error", err)
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			cls := classification{Kind: KindCancelled, Code: schema.ErrCodeCancelled}
			return e.failure(desc.Name, cls, werr.Error(), attempt, start)
		}
	}

	msg := fmt.Sprintf("retries exhausted after %d attempts: %s", maxAttempts, lastErr.Error())
	e.logger.ErrorContext(ctx, "retries exhausted", "attempts", maxAttempts, "kind", lastCls.Kind)
	lastCls.Kind = KindExhausted
	return e.failure(desc.Name, lastCls, msg, maxAttempts, start)
}

func (e *Engine) failure(plugin string, cls classification, msg string, attempts int, start time.Time) schema.ExecutionResult {
	return schema.ExecutionResult{
		Plugin:     plugin,
		Status:     schema.ExecutionFailed,
		Error:      &schema.ErrorDetail{Kind: cls.Kind, Message: msg},
		Attempts:   attempts,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// runAttempt runs one attempt under the policy's attempt timeout, converting
// panics into errors so a misbehaving plugin cannot take down the worker.
func (e *Engine) runAttempt(ctx context.Context, req ExecuteRequest, policy *schema.RetryPolicy) (out map[string]any, err error) {
	if policy.AttemptTimeout != "" {
		if d, perr := time.ParseDuration(policy.AttemptTimeout); perr == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	return req.Plugin.Run(ctx, req.Session, req.Input)
}

// panicError wraps a recovered panic. Panics are bugs; retrying them is
// wasted work, so triage marks them non-retryable.
type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("plugin panicked: %v", p.value)
}
