package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/drover-sh/drover/pkg/schema"
)

// EventLog provides append and replay operations over the run event log.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return appendEventTx(ctx, el.store.DB(), event)
}

// appendEventTx assigns the next per-run sequence and inserts the event in
// one transaction. A write-intent statement forces immediate lock
// acquisition so concurrent appenders cannot interleave the sequence read
// and write.
func appendEventTx(ctx context.Context, db *sql.DB, event *Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, account_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), nullStr(event.AccountID),
		event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by
// sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepTimeline is the replayed state of one step within a run.
type StepTimeline struct {
	RunID       string
	StepID      string
	Status      schema.StepStatus
	Retries     int
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  int64
}

// Replay reconstructs per-step timelines for a run from its event log.
// Fails on sequence gaps: a gap means the log was tampered with or lost
// writes.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepTimeline, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	timelines := make(map[string]*StepTimeline)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		tl, ok := timelines[e.StepID]
		if !ok {
			tl = &StepTimeline{RunID: runID, StepID: e.StepID, Status: schema.StepStatusPending}
			timelines[e.StepID] = tl
		}

		switch e.Type {
		case schema.EventStepStarted:
			tl.Status = schema.StepStatusRunning
			ts := e.Timestamp
			tl.StartedAt = &ts

		case schema.EventStepCompleted:
			tl.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			tl.CompletedAt = &ts
			if tl.StartedAt != nil {
				tl.DurationMs = ts.Sub(*tl.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			tl.Status = schema.StepStatusFailed

		case schema.EventStepSkipped:
			tl.Status = schema.StepStatusSkipped

		case schema.EventStepRetrying:
			tl.Status = schema.StepStatusRetrying
			tl.Retries++
		}
	}

	return timelines, nil
}
