package store

import (
	"encoding/json"
	"time"

	"github.com/drover-sh/drover/pkg/schema"
)

// Account is the persisted representation of a managed account. Credentials
// live in the vault; only the opaque reference is stored here.
type Account struct {
	ID            string     `json:"id"`
	CredentialRef string     `json:"credential_ref"`
	Proxy         string     `json:"proxy,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	Active        bool       `json:"active"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
}

// Identity converts the persisted account into the runtime identity handed
// to drivers and plugins.
func (a *Account) Identity() schema.AccountIdentity {
	return schema.AccountIdentity{
		ID:            a.ID,
		CredentialRef: a.CredentialRef,
		Proxy:         a.Proxy,
		UserAgent:     a.UserAgent,
		Active:        a.Active,
	}
}

// Run is the persisted state of one workflow run. StepIndex is the first
// uncommitted step: a resumed run continues from there.
type Run struct {
	ID           string                    `json:"id"`
	WorkflowName string                    `json:"workflow_name"`
	AccountID    string                    `json:"account_id"`
	Definition   schema.WorkflowDefinition `json:"definition"`
	Inputs       map[string]any            `json:"inputs,omitempty"`
	Status       schema.RunStatus          `json:"status"`
	StepIndex    int                       `json:"step_index"`
	Error        json.RawMessage           `json:"error,omitempty"`
	ScheduleID   string                    `json:"schedule_id,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// StepRecord is one committed step outcome in a run's history. Position is
// the step's index in the definition; committing position n advances the
// run's StepIndex to n+1.
type StepRecord struct {
	RunID      string                 `json:"run_id"`
	Position   int                    `json:"position"`
	StepID     string                 `json:"step_id"`
	Plugin     string                 `json:"plugin"`
	Status     schema.ExecutionStatus `json:"status"`
	Output     json.RawMessage        `json:"output,omitempty"`
	Error      json.RawMessage        `json:"error,omitempty"`
	Attempts   int                    `json:"attempts"`
	DurationMs int64                  `json:"duration_ms"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	AccountID string          `json:"account_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered workflow run for one account.
type ScheduledJob struct {
	ID             string          `json:"id"`
	WorkflowName   string          `json:"workflow_name"`
	AccountID      string          `json:"account_id"`
	CronExpression string          `json:"cron_expression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// AccountFilter specifies criteria for listing accounts.
type AccountFilter struct {
	Active *bool `json:"active,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	AccountID    string            `json:"account_id,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events by type.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	AccountID string     `json:"account_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
