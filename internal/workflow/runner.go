// Package workflow runs workflow definitions against accounts: one step at
// a time, each step committed to the store before the run advances, so an
// interrupted run resumes from its first uncommitted step.
package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/drover-sh/drover/internal/engine"
	"github.com/drover-sh/drover/internal/expressions"
	"github.com/drover-sh/drover/internal/logging"
	"github.com/drover-sh/drover/internal/plugins"
	"github.com/drover-sh/drover/internal/session"
	"github.com/drover-sh/drover/internal/store"
	"github.com/drover-sh/drover/internal/validation"
	"github.com/drover-sh/drover/pkg/schema"
)

// Config wires a Runner's collaborators.
type Config struct {
	Store     store.Store
	Events    engine.EventAppender
	Catalog   *plugins.Catalog
	Sessions  *session.Coordinator
	Engine    *engine.Engine
	Engines   *expressions.Engines
	Interp    *expressions.Interpolator
	Validator *validation.Validator
	Logger    *slog.Logger
}

// Runner executes workflow runs.
type Runner struct {
	store     store.Store
	catalog   *plugins.Catalog
	sessions  *session.Coordinator
	exec      *engine.Engine
	engines   *expressions.Engines
	interp    *expressions.Interpolator
	validator *validation.Validator
	runFSM    *engine.RunFSM
	stepFSM   *engine.StepFSM
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		sessions:  cfg.Sessions,
		exec:      cfg.Engine,
		engines:   cfg.Engines,
		interp:    cfg.Interp,
		validator: cfg.Validator,
		runFSM:    engine.NewRunFSM(cfg.Events),
		stepFSM:   engine.NewStepFSM(cfg.Events),
		logger:    logger,
	}
}

// Start validates the definition, persists a new run, and executes it. The
// returned run carries the terminal (or paused) status; Start returns an
// error only when the run could not be started at all.
func (r *Runner) Start(ctx context.Context, def schema.WorkflowDefinition, accountID string, inputs map[string]any) (*store.Run, error) {
	if err := r.validator.ValidateRun(&def, r.catalog.Registry().Snapshot()); err != nil {
		return nil, err
	}

	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:           uuid.New().String(),
		WorkflowName: def.Name,
		AccountID:    accountID,
		Definition:   def,
		Inputs:       inputs,
		Status:       schema.RunStatusPending,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	return r.execute(ctx, run, account)
}

// Resume continues a paused run from its first uncommitted step.
func (r *Runner) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusPaused && run.Status != schema.RunStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s, only paused or pending runs resume", runID, run.Status).
			WithRun(runID)
	}

	account, err := r.store.GetAccount(ctx, run.AccountID)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run, account)
}

// execute drives the step loop while holding the account session.
func (r *Runner) execute(ctx context.Context, run *store.Run, account *store.Account) (*store.Run, error) {
	ctx = logging.WithRunID(ctx, run.ID)
	ctx = logging.WithAccountID(ctx, account.ID)

	handle, err := r.sessions.Acquire(ctx, account.Identity())
	if err != nil {
		return nil, err
	}
	defer r.sessions.Release(ctx, handle)

	if err := r.transitionRun(ctx, run, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "run started",
		"workflow", run.WorkflowName, "from_step", run.StepIndex)

	scope, err := r.buildScope(ctx, run, account)
	if err != nil {
		return r.failRun(ctx, run, err)
	}

	steps := run.Definition.Steps
	for i := run.StepIndex; i < len(steps); i++ {
		// Cancellation is observed between steps so a committed prefix
		// stays resumable.
		if ctx.Err() != nil {
			return r.pauseRun(ctx, run)
		}

		step := steps[i]
		outcome, err := r.runStep(ctx, run, scope, handle, step, i)
		if err != nil {
			return r.failRun(ctx, run, err)
		}
		switch outcome {
		case stepPaused:
			return r.pauseRun(ctx, run)
		case stepFailed:
			return r.failRun(ctx, run, nil)
		}
	}

	if err := r.transitionRun(ctx, run, schema.RunStatusCompleted); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "run completed", "workflow", run.WorkflowName)
	return run, nil
}

type stepOutcome int

const (
	stepAdvanced stepOutcome = iota
	stepFailed
	stepPaused
)

// runStep executes one step: condition, interpolation, schema check,
// engine execution, and the atomic commit that advances the run. A non-nil
// error means infrastructure failed (store, event log); plugin failures
// come back as stepFailed with the record already committed.
func (r *Runner) runStep(ctx context.Context, run *store.Run, scope *expressions.Scope, handle *session.Handle, step schema.StepDefinition, position int) (stepOutcome, error) {
	stepID := step.StepID()

	if step.Condition != "" {
		proceed, err := r.evalCondition(ctx, step, scope)
		if err != nil {
			return r.commitFailure(ctx, run, scope, step, position, 0, err)
		}
		if !proceed {
			if err := r.stepFSM.Transition(ctx, run.ID, stepID, schema.StepStatusPending, schema.StepStatusSkipped, nil); err != nil {
				return stepAdvanced, err
			}
			res := schema.ExecutionResult{Plugin: step.Plugin, Status: schema.ExecutionSkipped}
			if err := r.commitResult(ctx, run, scope, step, position, res); err != nil {
				return stepAdvanced, err
			}
			r.logger.InfoContext(ctx, "step skipped", "step", stepID, "condition", step.Condition)
			return stepAdvanced, nil
		}
	}

	plugin, err := r.catalog.Get(step.Plugin)
	if err != nil {
		return r.commitFailure(ctx, run, scope, step, position, 0, err)
	}

	input, err := r.interp.Resolve(ctx, step.Input, scope)
	if err != nil {
		return r.commitFailure(ctx, run, scope, step, position, 0, err)
	}
	if err := r.validator.ValidateInput(plugin.Descriptor(), input); err != nil {
		return r.commitFailure(ctx, run, scope, step, position, 0, err)
	}

	if err := r.stepFSM.Transition(ctx, run.ID, stepID, schema.StepStatusPending, schema.StepStatusRunning, nil); err != nil {
		return stepAdvanced, err
	}

	res := r.exec.Execute(ctx, engine.ExecuteRequest{
		Plugin:  plugin,
		Session: handle,
		Input:   input,
		Policy:  stepPolicy(step),
		OnRetry: func(int, error) {
			_ = r.stepFSM.Transition(ctx, run.ID, stepID, schema.StepStatusRunning, schema.StepStatusRetrying, nil)
			_ = r.stepFSM.Transition(ctx, run.ID, stepID, schema.StepStatusRetrying, schema.StepStatusRunning, nil)
		},
	})

	// A cancelled attempt is not committed: the step reruns on resume.
	if res.Status == schema.ExecutionFailed && res.Error != nil && res.Error.Kind == engine.KindCancelled {
		return stepPaused, nil
	}

	// The attempt finished; its commit must land even if the run was
	// cancelled while it was in flight.
	ctx = context.WithoutCancel(ctx)

	if err := r.commitResult(ctx, run, scope, step, position, res); err != nil {
		return stepAdvanced, err
	}

	if res.Status == schema.ExecutionFailed {
		payload, _ := json.Marshal(res.Error)
		_ = r.stepFSM.Transition(ctx, run.ID, stepID, schema.StepStatusRunning, schema.StepStatusFailed, payload)
		r.logger.WarnContext(ctx, "step failed",
			"step", stepID, "kind", res.Error.Kind, "attempts", res.Attempts)
		return stepFailed, nil
	}

	payload, _ := json.Marshal(res.Output)
	if err := r.stepFSM.Transition(ctx, run.ID, stepID, schema.StepStatusRunning, schema.StepStatusCompleted, payload); err != nil {
		return stepAdvanced, err
	}
	r.logger.InfoContext(ctx, "step completed",
		"step", stepID, "attempts", res.Attempts, "duration_ms", res.DurationMs)
	return stepAdvanced, nil
}

// commitFailure records a step that failed before execution (condition
// error, unresolvable input, schema violation).
func (r *Runner) commitFailure(ctx context.Context, run *store.Run, scope *expressions.Scope, step schema.StepDefinition, position, attempts int, cause error) (stepOutcome, error) {
	kind := "execution"
	if code := schema.CodeOf(cause); code != "" {
		switch code {
		case schema.ErrCodeMissingInput:
			kind = "missing_input"
		case schema.ErrCodeDefinition:
			kind = "definition"
		case schema.ErrCodeVault:
			kind = "vault"
		case schema.ErrCodeNotFound:
			kind = "not_found"
		}
	}
	res := schema.ExecutionResult{
		Plugin:   step.Plugin,
		Status:   schema.ExecutionFailed,
		Error:    &schema.ErrorDetail{Kind: kind, Message: cause.Error()},
		Attempts: attempts,
	}
	if err := r.commitResult(ctx, run, scope, step, position, res); err != nil {
		return stepAdvanced, err
	}
	payload, _ := json.Marshal(res.Error)
	_ = r.stepFSM.Transition(ctx, run.ID, step.StepID(), schema.StepStatusPending, schema.StepStatusRunning, nil)
	_ = r.stepFSM.Transition(ctx, run.ID, step.StepID(), schema.StepStatusRunning, schema.StepStatusFailed, payload)
	r.logger.WarnContext(ctx, "step rejected before execution",
		"step", step.StepID(), "kind", kind, "error", cause)
	return stepFailed, nil
}

// commitResult persists the step record and the step-index advance in one
// transaction, then folds the result into the evaluation scope.
func (r *Runner) commitResult(ctx context.Context, run *store.Run, scope *expressions.Scope, step schema.StepDefinition, position int, res schema.ExecutionResult) error {
	record := &store.StepRecord{
		RunID:      run.ID,
		Position:   position,
		StepID:     step.StepID(),
		Plugin:     step.Plugin,
		Status:     res.Status,
		Attempts:   res.Attempts,
		DurationMs: res.DurationMs,
	}
	if res.Output != nil {
		out, err := json.Marshal(res.Output)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"step %s output is not serializable", step.StepID()).WithCause(err)
		}
		record.Output = out
	}
	if res.Error != nil {
		detail, _ := json.Marshal(res.Error)
		record.Error = detail
	}

	if err := r.store.CommitStep(ctx, record); err != nil {
		return err
	}
	run.StepIndex = position + 1

	return scope.AddStepResult(step.StepID(), res)
}

func (r *Runner) evalCondition(ctx context.Context, step schema.StepDefinition, scope *expressions.Scope) (bool, error) {
	out, err := r.engines.EvaluateCondition(ctx, step.Condition, scope.Data())
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeDefinition,
			"condition on step %q evaluated to %T, want bool", step.StepID(), out)
	}
	return b, nil
}

// buildScope seeds the expression scope and, when resuming, replays the
// committed step records into it.
func (r *Runner) buildScope(ctx context.Context, run *store.Run, account *store.Account) (*expressions.Scope, error) {
	runNS := map[string]any{
		"id":         run.ID,
		"workflow":   run.WorkflowName,
		"account_id": run.AccountID,
	}
	accountNS := map[string]any{
		"id":         account.ID,
		"proxy":      account.Proxy,
		"user_agent": account.UserAgent,
		"active":     account.Active,
	}
	scope := expressions.NewScope(run.Inputs, runNS, accountNS)

	if run.StepIndex == 0 {
		return scope, nil
	}

	records, err := r.store.ListStepRecords(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Position >= run.StepIndex {
			break
		}
		if err := scope.AddStepResult(rec.StepID, recordToResult(rec)); err != nil {
			return nil, err
		}
	}
	return scope, nil
}

func recordToResult(rec *store.StepRecord) schema.ExecutionResult {
	res := schema.ExecutionResult{
		Plugin:     rec.Plugin,
		Status:     rec.Status,
		Attempts:   rec.Attempts,
		DurationMs: rec.DurationMs,
	}
	if len(rec.Output) > 0 {
		var out map[string]any
		if json.Unmarshal(rec.Output, &out) == nil {
			res.Output = out
		}
	}
	if len(rec.Error) > 0 {
		var detail schema.ErrorDetail
		if json.Unmarshal(rec.Error, &detail) == nil {
			res.Error = &detail
		}
	}
	return res
}

func (r *Runner) transitionRun(ctx context.Context, run *store.Run, to schema.RunStatus) error {
	if err := r.runFSM.Transition(ctx, run.ID, run.Status, to); err != nil {
		return err
	}

	update := store.RunUpdate{Status: &to}
	now := time.Now().UTC()
	switch to {
	case schema.RunStatusRunning:
		if run.Status == schema.RunStatusPending {
			update.StartedAt = &now
		}
	case schema.RunStatusCompleted, schema.RunStatusFailed:
		update.CompletedAt = &now
	}
	if err := r.store.UpdateRun(ctx, run.ID, update); err != nil {
		return err
	}
	run.Status = to
	return nil
}

func (r *Runner) pauseRun(ctx context.Context, run *store.Run) (*store.Run, error) {
	// The pause record must land even when the cancellation that caused it
	// came from ctx itself.
	ctx = context.WithoutCancel(ctx)
	if err := r.transitionRun(ctx, run, schema.RunStatusPaused); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "run paused", "next_step", run.StepIndex)
	return run, nil
}

// failRun marks the run failed. cause is non-nil for failures outside step
// execution; step failures carry their detail in the step record.
func (r *Runner) failRun(ctx context.Context, run *store.Run, cause error) (*store.Run, error) {
	ctx = context.WithoutCancel(ctx)
	if err := r.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusFailed); err != nil {
		return nil, err
	}

	failed := schema.RunStatusFailed
	now := time.Now().UTC()
	update := store.RunUpdate{Status: &failed, CompletedAt: &now}
	if cause != nil {
		detail, _ := json.Marshal(schema.ErrorDetail{
			Kind:    schema.CodeOf(cause),
			Message: cause.Error(),
		})
		update.Error = detail
	}
	if err := r.store.UpdateRun(ctx, run.ID, update); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatusFailed
	r.logger.WarnContext(ctx, "run failed", "workflow", run.WorkflowName)
	return run, nil
}

// stepPolicy merges the step's retry policy with its timeout. The step
// timeout becomes the per-attempt timeout unless the policy sets its own.
func stepPolicy(step schema.StepDefinition) *schema.RetryPolicy {
	policy := engine.DefaultRetryPolicy()
	if step.Retry != nil {
		p := *step.Retry
		policy = &p
	}
	if policy.AttemptTimeout == "" && step.Timeout != "" {
		policy.AttemptTimeout = step.Timeout
	}
	return policy
}
