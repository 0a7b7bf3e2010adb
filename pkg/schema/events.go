package schema

// Event type constants for the append-only run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventSessionOpened = "session_opened"
	EventSessionClosed = "session_closed"
	EventSessionLost   = "session_lost"
)
