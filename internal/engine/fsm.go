package engine

import (
	"context"

	"github.com/drover-sh/drover/internal/store"
	"github.com/drover-sh/drover/pkg/schema"
)

// EventAppender is satisfied by the store and the event log. FSMs emit a
// lifecycle event on every transition that has one.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions is the run lifecycle. Paused runs resume into running;
// completed and failed are terminal.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusPaused:    {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidStepTransitions is the step lifecycle within a run.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying:  {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// RunFSM validates run transitions and emits the matching lifecycle event.
// Persisting the new status is the caller's job.
type RunFSM struct {
	appender EventAppender
}

// NewRunFSM creates a RunFSM emitting through the appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates from -> to for the run and appends its event.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	if !transitionAllowed(ValidRunTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).WithRun(runID)
	}

	eventType := runEventType(from, to)
	if eventType == "" || f.appender == nil {
		return nil
	}
	if err := f.appender.AppendEvent(ctx, &store.Event{RunID: runID, Type: eventType}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"emit run event %s: %v", eventType, err).WithRun(runID).WithCause(err)
	}
	return nil
}

// StepFSM validates step transitions and emits the matching lifecycle event.
type StepFSM struct {
	appender EventAppender
}

// NewStepFSM creates a StepFSM emitting through the appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates from -> to for the step and appends its event. The
// payload, when non-nil, rides along on the event.
func (f *StepFSM) Transition(ctx context.Context, runID, stepID string, from, to schema.StepStatus, payload []byte) error {
	if !transitionAllowed(ValidStepTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition for %s: %s -> %s", stepID, from, to).
			WithRun(runID).WithDetails(map[string]any{"step_id": stepID})
	}

	eventType := stepEventType(to)
	if eventType == "" || f.appender == nil {
		return nil
	}
	event := &store.Event{RunID: runID, StepID: stepID, Type: eventType, Payload: payload}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"emit step event %s: %v", eventType, err).WithRun(runID).WithCause(err)
	}
	return nil
}

func transitionAllowed[S comparable](table map[S][]S, from, to S) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusPaused {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	default:
		return ""
	}
}
