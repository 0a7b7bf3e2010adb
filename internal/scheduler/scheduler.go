// Package scheduler runs cron-scheduled workflow runs per account. Due jobs
// fan out through a bounded worker pool; accounts whose runs keep failing
// are kept out of rotation by a cooldown guard.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drover-sh/drover/internal/engine"
	"github.com/drover-sh/drover/internal/store"
	"github.com/drover-sh/drover/pkg/schema"
)

// RunStarter starts workflow runs. Satisfied by workflow.Runner (interface
// here avoids an import cycle).
type RunStarter interface {
	Start(ctx context.Context, def schema.WorkflowDefinition, accountID string, inputs map[string]any) (*store.Run, error)
}

// WorkflowSource resolves a workflow name to its definition. Satisfied by
// the config loader.
type WorkflowSource interface {
	Workflow(name string) (schema.WorkflowDefinition, error)
}

// Config wires a Scheduler's collaborators.
type Config struct {
	Store     store.Store
	Runner    RunStarter
	Workflows WorkflowSource
	// Pool bounds concurrent scheduled runs. Defaults to 4 workers.
	Pool *engine.WorkerPool
	// Guard pauses scheduling for accounts with consecutive failed runs.
	// Defaults to the standard cooldown config.
	Guard *engine.CooldownGuard
	// TickInterval is how often due jobs are checked. Defaults to 60s.
	TickInterval time.Duration
	Logger       *slog.Logger
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store     store.Store
	runner    RunStarter
	workflows WorkflowSource
	pool      *engine.WorkerPool
	guard     *engine.CooldownGuard
	parser    cron.Parser
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool := cfg.Pool
	if pool == nil {
		pool = engine.NewWorkerPool(4)
	}
	guard := cfg.Guard
	if guard == nil {
		guard = engine.NewCooldownGuard(engine.DefaultCooldownConfig())
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		store:     cfg.Store,
		runner:    cfg.Runner,
		workflows: cfg.Workflows,
		pool:      pool,
		guard:     guard,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:  interval,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Schedule validates the job's cron expression, stamps its first NextRunAt,
// and persists it.
func (s *Scheduler) Schedule(ctx context.Context, job *store.ScheduledJob) error {
	next, err := s.CalculateNextRun(job.CronExpression, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"job %s has an invalid cron expression", job.ID).WithCause(err)
	}
	job.NextRunAt = &next
	return s.store.CreateScheduledJob(ctx, job)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "tick_interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fans every due job out through the pool. Accounts in cooldown and
// jobs already in flight are skipped; both become due again next tick.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("listing scheduled jobs", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if err := s.guard.Allow(job.AccountID); err != nil {
			s.logger.Info("scheduled job skipped, account cooling down",
				"job_id", job.ID, "account_id", job.AccountID)
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}

		job := job
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.releaseJob(job.ID)
			return s.runJob(ctx, job, now)
		})
		if err != nil {
			s.releaseJob(job.ID)
			s.logger.Warn("submitting scheduled job", "job_id", job.ID, "error", err)
		}
	}
}

// runJob starts the workflow run for one job and records the outcome on the
// job and the account's cooldown guard.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		"job_id", job.ID, "workflow", job.WorkflowName, "account_id", job.AccountID)

	var inputs map[string]any
	if len(job.Inputs) > 0 {
		if err := json.Unmarshal(job.Inputs, &inputs); err != nil {
			s.logger.Error("scheduled job has malformed inputs", "job_id", job.ID, "error", err)
			return s.updateJobStatus(ctx, job, now, "error")
		}
	}

	def, err := s.workflows.Workflow(job.WorkflowName)
	if err != nil {
		// A missing workflow is a config problem, not account health.
		s.logger.Error("scheduled job references unknown workflow",
			"job_id", job.ID, "workflow", job.WorkflowName)
		return s.updateJobStatus(ctx, job, now, "error")
	}

	run, err := s.runner.Start(ctx, def, job.AccountID, inputs)

	status := "success"
	switch {
	case schema.CodeOf(err) == schema.ErrCodeAccountBusy:
		// A manual run holds the session; not a failure signal.
		status = "busy"
	case err != nil:
		status = "error"
		s.guard.RecordFailure(job.AccountID)
		s.logger.Error("scheduled job failed to start", "job_id", job.ID, "error", err)
	case run.Status == schema.RunStatusFailed:
		status = "failed"
		if s.guard.RecordFailure(job.AccountID) == engine.CooldownOpen {
			s.logger.Warn("account entered cooldown", "account_id", job.AccountID)
		}
	case run.Status == schema.RunStatusPaused:
		status = "paused"
	default:
		s.guard.RecordSuccess(job.AccountID)
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire marks the job in-flight unless it already is.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for in-flight jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.pool.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs enabled jobs whose NextRunAt elapsed while the process
// was down. Called once at startup, before the loop starts.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if err := s.guard.Allow(job.AccountID); err != nil {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("recovering missed job", "job_id", job.ID, "error", err)
			s.releaseJob(job.ID)
			continue
		}
		s.releaseJob(job.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", "count", recovered)
	}
	return nil
}
