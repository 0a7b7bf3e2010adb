package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/drover-sh/drover/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/drover.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Accounts ---

func (s *LibSQLStore) UpsertAccount(ctx context.Context, acct *Account) error {
	if acct.ID == "" {
		return schema.NewError(schema.ErrCodeConfig, "account id is required")
	}
	if acct.CredentialRef == "" {
		return schema.NewErrorf(schema.ErrCodeConfig, "account %s has no credential_ref", acct.ID).
			WithAccount(acct.ID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, credential_ref, proxy, user_agent, active, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   credential_ref=excluded.credential_ref, proxy=excluded.proxy,
		   user_agent=excluded.user_agent, active=excluded.active,
		   notes=excluded.notes, updated_at=CURRENT_TIMESTAMP`,
		acct.ID, acct.CredentialRef, nullStr(acct.Proxy), nullStr(acct.UserAgent),
		acct.Active, nullStr(acct.Notes), timeOrNow(acct.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	var proxy, userAgent, notes sql.NullString
	var lastRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, credential_ref, proxy, user_agent, active, notes, created_at, updated_at, last_run_at
		 FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.CredentialRef, &proxy, &userAgent, &a.Active, &notes, &a.CreatedAt, &a.UpdatedAt, &lastRun)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("account", id)
	}
	if err != nil {
		return nil, err
	}
	a.Proxy = proxy.String
	a.UserAgent = userAgent.String
	a.Notes = notes.String
	if lastRun.Valid {
		a.LastRunAt = &lastRun.Time
	}
	return a, nil
}

func (s *LibSQLStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error) {
	query := `SELECT id, credential_ref, proxy, user_agent, active, notes, created_at, updated_at, last_run_at FROM accounts`
	var args []any
	if filter.Active != nil {
		query += " WHERE active = ?"
		args = append(args, *filter.Active)
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a := &Account{}
		var proxy, userAgent, notes sql.NullString
		var lastRun sql.NullTime
		if err := rows.Scan(&a.ID, &a.CredentialRef, &proxy, &userAgent, &a.Active, &notes, &a.CreatedAt, &a.UpdatedAt, &lastRun); err != nil {
			return nil, err
		}
		a.Proxy = proxy.String
		a.UserAgent = userAgent.String
		a.Notes = notes.String
		if lastRun.Valid {
			a.LastRunAt = &lastRun.Time
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *LibSQLStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "account", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, account_id, definition, inputs, status, step_index, error, schedule_id, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.AccountID, string(def), string(inputs),
		string(run.Status), run.StepIndex, nullRaw(run.Error), nullStr(run.ScheduleID),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		defJSON, inputsJSON  string
		errJSON, scheduleID  sql.NullString
		startedAt, completed sql.NullTime
		status               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, account_id, definition, inputs, status, step_index, error, schedule_id, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowName, &run.AccountID, &defJSON, &inputsJSON, &status,
		&run.StepIndex, &errJSON, &scheduleID, &run.CreatedAt, &startedAt, &completed, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.ScheduleID = scheduleID.String
	run.Error = rawOrNil(errJSON)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if inputsJSON != "" {
		_ = json.Unmarshal([]byte(inputsJSON), &run.Inputs)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_name, account_id, definition, inputs, status, step_index, error, schedule_id, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			defJSON, inputsJSON  string
			errJSON, scheduleID  sql.NullString
			startedAt, completed sql.NullTime
			status               string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowName, &run.AccountID, &defJSON, &inputsJSON, &status,
			&run.StepIndex, &errJSON, &scheduleID, &run.CreatedAt, &startedAt, &completed, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.ScheduleID = scheduleID.String
		run.Error = rawOrNil(errJSON)
		if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if inputsJSON != "" {
			_ = json.Unmarshal([]byte(inputsJSON), &run.Inputs)
		}
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completed.Valid {
			run.CompletedAt = &completed.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Step history ---

// CommitStep appends the record and advances runs.step_index to position+1
// in a single transaction. If the process dies between a step finishing and
// its commit, the run resumes at the uncommitted step.
func (s *LibSQLStore) CommitStep(ctx context.Context, rec *StepRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit step: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO step_records (run_id, position, step_id, plugin, status, output, error, attempts, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Position, rec.StepID, rec.Plugin, string(rec.Status),
		nullRaw(rec.Output), nullRaw(rec.Error), rec.Attempts, rec.DurationMs, timeOrNow(rec.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET step_index = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		rec.Position+1, rec.RunID)
	if err != nil {
		return fmt.Errorf("advance step index: %w", err)
	}
	if err := checkRowsAffected(res, "run", rec.RunID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, position, step_id, plugin, status, output, error, attempts, duration_ms, created_at
		 FROM step_records WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var status string
		var output, errJSON sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Position, &rec.StepID, &rec.Plugin, &status,
			&output, &errJSON, &rec.Attempts, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = schema.ExecutionStatus(status)
		rec.Output = rawOrNil(output)
		rec.Error = rawOrNil(errJSON)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return appendEventTx(ctx, s.db, event)
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, account_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step_id, account_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, accountID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &accountID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.AccountID = accountID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_name, account_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowName, job.AccountID, job.CronExpression, nullRaw(job.Inputs),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus),
		timeOrNow(job.CreatedAt))
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var inputs, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, account_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.WorkflowName, &j.AccountID, &j.CronExpression, &inputs, &j.Enabled,
		&lastRun, &nextRun, &lastStatus, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, err
	}
	j.Inputs = rawOrNil(inputs)
	j.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE scheduled_jobs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}

	query := `SELECT id, workflow_name, account_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var inputs, lastStatus sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.WorkflowName, &j.AccountID, &j.CronExpression, &inputs, &j.Enabled,
			&lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Inputs = rawOrNil(inputs)
		j.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.DroverError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
